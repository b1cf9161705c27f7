// Package message routes typed messages between registered components.
//
// Components register with capability flags, an optional allow-list of
// message types, and a Handler. Messages travel point to point (Send), to
// every member of a group (BroadcastToGroup), or to every component whose
// channel subscription matches a channel name (PublishToChannel). Channel
// subscriptions use the same wildcard syntax as the event bus.
//
// Refusals are expected outcomes, not faults: Send returns ("", false) and
// logs the reason at debug level when either party is missing, lacks the
// needed capability, does not accept the type, or the payload fails its
// registered schema.
//
// Each receiver has its own mailbox goroutine, so messages to one receiver
// are handled one at a time in send order.
//
// # Acknowledgement
//
// A message sent with RequireAck stays pending after delivery until the
// receiver calls Acknowledge. If the ack timeout passes first and Retry is
// set with budget left, the message is redelivered after RetryDelay with
// its attempt counter incremented; otherwise it is marked failed:
//
//	id, ok := sys.Send(ctx, "a", "b", "ping", nil,
//	    message.RequireAck(),
//	    message.WithTimeout(100*time.Millisecond),
//	    message.WithRetry(1, 10*time.Millisecond))
//
// With no acknowledgement the message above is delivered exactly twice and
// then fails.
package message

// Package event provides the callmesh publish/subscribe bus.
//
// # Overview
//
// Subscribers register a handler against a dot-segmented topic pattern.
// Publishing an event type delivers it to every matching subscription,
// highest priority first:
//
//	bus := event.NewBus(event.DefaultBusConfig)
//	defer bus.Dispose()
//
//	bus.Subscribe("node.*", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
//	    fmt.Println(evt.Type, evt.Payload)
//	    return nil
//	}))
//
//	bus.Publish(ctx, "node.expand", map[string]any{"id": "n1"})
//
// # Patterns
//
// Patterns are matched by the pattern package: "*" matches exactly one
// segment and "#" matches zero or more. With DisableWildcards set, every
// pattern is compared literally.
//
// # Namespaces
//
// A subscription may be scoped to a namespace. Scoped subscriptions only
// see events published to the same namespace; unscoped subscriptions see
// every event.
//
// # Dispatch Modes
//
// In synchronous mode subscribers run inside Publish. In asynchronous mode
// events are queued and drained by a single goroutine, one event at a
// time, in publish order. Either mode can be overridden per publish.
//
// # Failure Isolation
//
// A subscriber's error or panic is logged, counted, and reported to
// BusConfig.OnError. It never stops delivery to the remaining subscribers.
package event

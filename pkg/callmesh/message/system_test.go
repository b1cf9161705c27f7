package message_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
	"github.com/randalmurphal/callmesh/pkg/callmesh/journal"
	"github.com/randalmurphal/callmesh/pkg/callmesh/message"
)

func newSystem(t *testing.T, mutate ...func(*message.Config)) *message.System {
	t.Helper()
	cfg := message.DefaultConfig
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, m := range mutate {
		m(&cfg)
	}
	sys := message.New(cfg)
	t.Cleanup(sys.Dispose)
	return sys
}

// inbox records every message a component receives.
type inbox struct {
	mu   sync.Mutex
	msgs []message.Message
	err  error
}

func (b *inbox) Receive(_ context.Context, msg message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return b.err
}

func (b *inbox) received() []message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]message.Message(nil), b.msgs...)
}

func register(t *testing.T, sys *message.System, id string, h message.Handler, mutate ...func(*message.Component)) {
	t.Helper()
	c := message.Component{ID: id, CanSend: true, CanReceive: true, Handler: h}
	for _, m := range mutate {
		m(&c)
	}
	require.NoError(t, sys.RegisterComponent(c))
}

// watchFinal records the last status of every message that is done moving
// and returns a waiter for it.
func watchFinal(sys *message.System) (func(t *testing.T, id string) message.Message, func()) {
	var mu sync.Mutex
	final := make(map[string]message.Message)
	remove := sys.OnStatus(func(m message.Message) {
		if m.Status.Terminal() || (m.Status == message.StatusDelivered && !m.Options.RequireAck) {
			mu.Lock()
			final[m.ID] = m
			mu.Unlock()
		}
	})
	wait := func(t *testing.T, id string) message.Message {
		t.Helper()
		var got message.Message
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			m, ok := final[id]
			got = m
			return ok
		}, 2*time.Second, 5*time.Millisecond)
		return got
	}
	return wait, remove
}

func TestSendDelivers(t *testing.T) {
	sys := newSystem(t)
	b := &inbox{}
	register(t, sys, "a", &inbox{})
	register(t, sys, "b", b)
	wait, remove := watchFinal(sys)
	defer remove()

	id, ok := sys.Send(context.Background(), "a", "b", "ping", map[string]any{"n": 1})
	require.True(t, ok)
	require.NotEmpty(t, id)

	final := wait(t, id)
	assert.Equal(t, message.StatusDelivered, final.Status)
	assert.Equal(t, 1, final.Attempts)

	got := b.received()
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Sender)
	assert.Equal(t, "ping", got[0].Type)
	assert.Equal(t, map[string]any{"n": 1}, got[0].Payload)
}

func TestSendRefusals(t *testing.T) {
	sys := newSystem(t)
	register(t, sys, "a", &inbox{})
	register(t, sys, "mute", &inbox{}, func(c *message.Component) { c.CanSend = false })
	register(t, sys, "deaf", nil, func(c *message.Component) { c.CanReceive = false })
	register(t, sys, "picky", &inbox{}, func(c *message.Component) { c.AcceptedTypes = []string{"ping"} })

	ctx := context.Background()
	cases := []struct {
		name             string
		sender, receiver string
		msgType          string
	}{
		{"unknown sender", "ghost", "a", "ping"},
		{"unknown receiver", "a", "ghost", "ping"},
		{"sender cannot send", "mute", "a", "ping"},
		{"receiver cannot receive", "a", "deaf", "ping"},
		{"type not accepted", "a", "picky", "pong"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := sys.Send(ctx, tc.sender, tc.receiver, tc.msgType, nil)
			assert.False(t, ok)
			assert.Empty(t, id)
		})
	}

	_, ok := sys.Send(ctx, "a", "picky", "ping", nil)
	assert.True(t, ok)

	st := sys.Stats()
	assert.Equal(t, int64(len(cases)), st.Refused)
	assert.Equal(t, int64(1), st.Sent)
}

func TestRegisterComponentValidation(t *testing.T) {
	sys := newSystem(t)
	err := sys.RegisterComponent(message.Component{})
	assert.Equal(t, cmerrors.CodeInvalidArgument, cmerrors.CodeOf(err))

	err = sys.RegisterComponent(message.Component{ID: "x", CanReceive: true})
	assert.Equal(t, cmerrors.CodeInvalidArgument, cmerrors.CodeOf(err))

	register(t, sys, "x", &inbox{})
	err = sys.RegisterComponent(message.Component{ID: "x", CanSend: true})
	assert.Error(t, err)
	assert.True(t, sys.HasComponent("x"))
}

func TestSchemaValidation(t *testing.T) {
	sys := newSystem(t)
	b := &inbox{}
	register(t, sys, "a", &inbox{})
	register(t, sys, "b", b)

	require.NoError(t, sys.RegisterSchema("node.expand", message.Schema{
		Required: []string{"node.id"},
		Fields: map[string]message.FieldType{
			"node.id":    message.TypeString,
			"node.depth": message.TypeNumber,
			"children":   message.TypeArray,
		},
	}))

	ctx := context.Background()
	_, ok := sys.Send(ctx, "a", "b", "node.expand", map[string]any{"node": map[string]any{"depth": 2}})
	assert.False(t, ok, "missing required field")

	_, ok = sys.Send(ctx, "a", "b", "node.expand", map[string]any{"node": map[string]any{"id": 7}})
	assert.False(t, ok, "wrong field type")

	_, ok = sys.Send(ctx, "a", "b", "node.expand", map[string]any{
		"node":     map[string]any{"id": "n1", "depth": 2},
		"children": []string{"n2"},
	})
	assert.True(t, ok)

	// Unregistered types are not validated.
	_, ok = sys.Send(ctx, "a", "b", "other", "anything")
	assert.True(t, ok)
}

func TestSchemaErrors(t *testing.T) {
	s := message.Schema{
		Required: []string{"id"},
		Validator: func(payload any) error {
			if payload.(map[string]any)["id"] == "bad" {
				return errors.New("bad id")
			}
			return nil
		},
	}
	assert.NoError(t, s.Validate(map[string]any{"id": "ok"}))

	err := s.Validate(map[string]any{"id": nil})
	assert.Equal(t, cmerrors.CodeValidationFailed, cmerrors.CodeOf(err))

	err = s.Validate(map[string]any{"id": "bad"})
	assert.Equal(t, cmerrors.CodeValidationFailed, cmerrors.CodeOf(err))

	err = s.Validate(make(chan int))
	assert.Equal(t, cmerrors.CodeValidationFailed, cmerrors.CodeOf(err))
}

func TestAcknowledge(t *testing.T) {
	sys := newSystem(t)
	register(t, sys, "a", &inbox{})
	register(t, sys, "b", message.HandlerFunc(func(_ context.Context, msg message.Message) error {
		assert.False(t, sys.Acknowledge(msg.ID, "a", nil), "only the receiver may ack")
		assert.True(t, sys.Acknowledge(msg.ID, "b", "pong"))
		return nil
	}))
	wait, remove := watchFinal(sys)
	defer remove()

	id, ok := sys.Send(context.Background(), "a", "b", "ping", nil, message.RequireAck())
	require.True(t, ok)

	final := wait(t, id)
	assert.Equal(t, message.StatusAcknowledged, final.Status)
	assert.Equal(t, "pong", final.Response)
	assert.False(t, sys.Acknowledge(id, "b", nil), "already acknowledged")

	st := sys.Stats()
	assert.Equal(t, int64(1), st.Acknowledged)
	assert.Zero(t, st.Pending)
}

func TestUnacknowledgedRetriesThenFails(t *testing.T) {
	sys := newSystem(t)
	b := &inbox{}
	register(t, sys, "A", &inbox{})
	register(t, sys, "B", b)
	wait, remove := watchFinal(sys)
	defer remove()

	id, ok := sys.Send(context.Background(), "A", "B", "ping", map[string]any{},
		message.RequireAck(),
		message.WithTimeout(100*time.Millisecond),
		message.WithRetry(1, 10*time.Millisecond))
	require.True(t, ok)

	final := wait(t, id)
	assert.Equal(t, message.StatusFailed, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.Equal(t, cmerrors.CodeCallbackTimeout, cmerrors.CodeOf(final.Err))

	got := b.received()
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Attempts)
	assert.Equal(t, 2, got[1].Attempts)

	st := sys.Stats()
	assert.Equal(t, int64(1), st.Retries)
	assert.Equal(t, int64(1), st.Failed)
}

func TestAckTimeoutWithoutRetryFails(t *testing.T) {
	sys := newSystem(t)
	register(t, sys, "a", &inbox{})
	register(t, sys, "b", &inbox{})
	wait, remove := watchFinal(sys)
	defer remove()

	id, ok := sys.Send(context.Background(), "a", "b", "ping", nil,
		message.RequireAck(), message.WithTimeout(20*time.Millisecond))
	require.True(t, ok)

	m, ok := sys.Status(id)
	require.True(t, ok)
	assert.True(t, m.Options.RequireAck)

	final := wait(t, id)
	assert.Equal(t, message.StatusFailed, final.Status)
	assert.Equal(t, 1, final.Attempts)
	_, ok = sys.Status(id)
	assert.False(t, ok)
}

func TestHandlerErrorRetries(t *testing.T) {
	sys := newSystem(t)
	var calls atomic.Int32
	register(t, sys, "a", &inbox{})
	register(t, sys, "b", message.HandlerFunc(func(context.Context, message.Message) error {
		if calls.Add(1) == 1 {
			panic("first delivery blows up")
		}
		return nil
	}))
	wait, remove := watchFinal(sys)
	defer remove()

	id, ok := sys.Send(context.Background(), "a", "b", "ping", nil, message.WithRetry(2, time.Millisecond))
	require.True(t, ok)

	final := wait(t, id)
	assert.Equal(t, message.StatusDelivered, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandlerErrorWithoutRetryFails(t *testing.T) {
	sys := newSystem(t)
	register(t, sys, "a", &inbox{})
	register(t, sys, "b", &inbox{err: errors.New("nope")})
	wait, remove := watchFinal(sys)
	defer remove()

	id, _ := sys.Send(context.Background(), "a", "b", "ping", nil)
	final := wait(t, id)
	assert.Equal(t, message.StatusFailed, final.Status)
	assert.EqualError(t, final.Err, "nope")
}

func TestMailboxPreservesOrder(t *testing.T) {
	sys := newSystem(t)
	b := &inbox{}
	register(t, sys, "a", &inbox{})
	register(t, sys, "b", b)

	for i := 0; i < 100; i++ {
		_, ok := sys.Send(context.Background(), "a", "b", "seq", i)
		require.True(t, ok)
	}
	require.Eventually(t, func() bool { return len(b.received()) == 100 }, 2*time.Second, 5*time.Millisecond)
	for i, m := range b.received() {
		assert.Equal(t, i, m.Payload)
	}
}

func TestBroadcastToGroup(t *testing.T) {
	sys := newSystem(t)
	a, b, c := &inbox{}, &inbox{}, &inbox{}
	register(t, sys, "a", a, func(c *message.Component) { c.Groups = []string{"team"} })
	register(t, sys, "b", b, func(c *message.Component) { c.Groups = []string{"team"} })
	register(t, sys, "c", c)
	require.True(t, sys.JoinGroup("c", "team"))
	assert.False(t, sys.JoinGroup("c", "team"))
	assert.Equal(t, []string{"a", "b", "c"}, sys.Members("team"))

	ids := sys.BroadcastToGroup(context.Background(), "a", "team", "hello", nil)
	assert.Len(t, ids, 2)
	require.Eventually(t, func() bool { return len(b.received()) == 1 && len(c.received()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Empty(t, a.received())
	assert.Equal(t, "team", b.received()[0].Group)

	require.True(t, sys.LeaveGroup("c", "team"))
	ids = sys.BroadcastToGroup(context.Background(), "a", "team", "hello", nil)
	assert.Len(t, ids, 1)
}

func TestPublishToChannel(t *testing.T) {
	sys := newSystem(t)
	exact, wild, deep, other := &inbox{}, &inbox{}, &inbox{}, &inbox{}
	register(t, sys, "pub", &inbox{}, func(c *message.Component) { c.Channels = []string{"diagram.#"} })
	register(t, sys, "exact", exact, func(c *message.Component) { c.Channels = []string{"diagram.node"} })
	register(t, sys, "wild", wild, func(c *message.Component) { c.Channels = []string{"diagram.*"} })
	register(t, sys, "deep", deep, func(c *message.Component) { c.Channels = []string{"diagram.#"} })
	register(t, sys, "other", other, func(c *message.Component) { c.Channels = []string{"layout.*"} })

	ids := sys.PublishToChannel(context.Background(), "pub", "diagram.node", "changed", nil)
	assert.Len(t, ids, 3, "sender is skipped")
	require.Eventually(t, func() bool {
		return len(exact.received()) == 1 && len(wild.received()) == 1 && len(deep.received()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, other.received())
	assert.Equal(t, "diagram.node", exact.received()[0].Channel)

	assert.True(t, sys.UnsubscribeFromChannel("wild", "diagram.*"))
	assert.False(t, sys.UnsubscribeFromChannel("wild", "diagram.*"))
	ids = sys.PublishToChannel(context.Background(), "pub", "diagram.node", "changed", nil)
	assert.Len(t, ids, 2)

	assert.True(t, sys.SubscribeToChannel("other", "diagram.node"))
	assert.Equal(t, 3, sys.Stats().Channels)
}

func TestUnregisterComponentCascades(t *testing.T) {
	sys := newSystem(t)
	register(t, sys, "a", &inbox{}, func(c *message.Component) { c.Groups = []string{"g"} })
	register(t, sys, "b", &inbox{}, func(c *message.Component) {
		c.Groups = []string{"g"}
		c.Channels = []string{"ch"}
	})
	wait, remove := watchFinal(sys)
	defer remove()

	id, ok := sys.Send(context.Background(), "a", "b", "ping", nil,
		message.RequireAck(), message.WithTimeout(time.Minute))
	require.True(t, ok)

	assert.True(t, sys.UnregisterComponent("b"))
	assert.False(t, sys.UnregisterComponent("b"))
	assert.Equal(t, []string{"a"}, sys.Members("g"))
	assert.Empty(t, sys.PublishToChannel(context.Background(), "a", "ch", "x", nil))

	final := wait(t, id)
	assert.Equal(t, message.StatusFailed, final.Status)
}

func TestHistory(t *testing.T) {
	store, err := journal.NewSQLStore(journal.DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	sys := newSystem(t, func(c *message.Config) { c.Store = store })
	register(t, sys, "a", &inbox{})
	register(t, sys, "b", &inbox{})
	wait, remove := watchFinal(sys)
	defer remove()

	id, ok := sys.Send(context.Background(), "a", "b", "ping", map[string]any{"id": "n1"})
	require.True(t, ok)
	wait(t, id)

	var recs []journal.Record
	require.Eventually(t, func() bool {
		recs, err = sys.History(context.Background(), journal.Filter{Receiver: "b"})
		return err == nil && len(recs) == 1 && recs[0].Status == string(message.StatusDelivered)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, id, recs[0].ID)
	assert.JSONEq(t, `{"id":"n1"}`, string(recs[0].Payload))
}

func TestOnStatusSequence(t *testing.T) {
	sys := newSystem(t)
	register(t, sys, "a", &inbox{})
	register(t, sys, "b", &inbox{})

	var mu sync.Mutex
	var seen []message.Status
	sys.OnStatus(func(m message.Message) { panic("observer failure is isolated") })
	remove := sys.OnStatus(func(m message.Message) {
		mu.Lock()
		seen = append(seen, m.Status)
		mu.Unlock()
	})

	sys.Send(context.Background(), "a", "b", "ping", nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []message.Status{
		message.StatusPending, message.StatusDelivering, message.StatusDelivered,
	}, seen)
	remove()
}

func TestDispose(t *testing.T) {
	sys := newSystem(t)
	register(t, sys, "a", &inbox{})
	register(t, sys, "b", &inbox{})
	wait, remove := watchFinal(sys)
	defer remove()

	id, ok := sys.Send(context.Background(), "a", "b", "ping", nil,
		message.RequireAck(), message.WithTimeout(time.Minute))
	require.True(t, ok)

	sys.Dispose()
	sys.Dispose()

	final := wait(t, id)
	assert.Equal(t, message.StatusFailed, final.Status)
	assert.True(t, errors.Is(final.Err, cmerrors.ErrManagerDisposed))

	_, ok = sys.Send(context.Background(), "a", "b", "ping", nil)
	assert.False(t, ok)
	assert.Equal(t, cmerrors.CodeManagerDisposed,
		cmerrors.CodeOf(sys.RegisterComponent(message.Component{ID: "c", CanSend: true})))
	assert.Zero(t, sys.Stats().Components)
}

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"owg/server/internal/broadcast"
	"owg/server/internal/logging"
	"owg/server/internal/protocol"
	"owg/server/internal/sim"
)

type fakeConn struct {
	id      string
	inbound chan []byte
	sent    chan []byte
	failAt  int
	mu      sync.Mutex
	sends   int
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, inbound: make(chan []byte, 16), sent: make(chan []byte, 64)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	c.sends++
	n := c.sends
	c.mu.Unlock()
	if c.failAt > 0 && n >= c.failAt {
		return errors.New("peer gone")
	}
	select {
	case c.sent <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case raw, ok := <-c.inbound:
		if !ok {
			return nil, errors.New("closed")
		}
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func next(t *testing.T, conn *fakeConn) protocol.Envelope[protocol.Event] {
	t.Helper()
	select {
	case raw := <-conn.sent:
		env, err := protocol.DecodeEventEnvelope(raw)
		if err != nil {
			t.Fatalf("decode sent payload: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for payload")
	}
	return protocol.Envelope[protocol.Event]{}
}

func command(t *testing.T, cmd protocol.Cmd) []byte {
	t.Helper()
	raw, err := json.Marshal(protocol.NewCommandEnvelope(0, cmd))
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	return raw
}

type memoryRecorder struct {
	mu      sync.Mutex
	entries []uint64
}

func (m *memoryRecorder) Record(tick uint64, _ protocol.Cmd) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, tick)
	return nil
}

func TestServeSendsSnapshotThenForwardsEvents(t *testing.T) {
	authority := sim.NewAuthority(sim.New("W-TEST"))
	hub := broadcast.NewHub()
	recorder := &memoryRecorder{}
	ing := New(authority, hub, WithLogger(logging.NewTestLogger()), WithRecorder(recorder))
	conn := newFakeConn("c1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Serve(ctx, conn) }()

	//1.- The very first payload is a full snapshot.
	if _, ok := next(t, conn).Body.Evt.(protocol.Snapshot); !ok {
		t.Fatalf("first payload must be a snapshot")
	}

	//2.- Garbage is ignored and a later Ping still yields a broadcast Pong.
	conn.inbound <- []byte("{not json")
	conn.inbound <- []byte(`{"kind":"cmd","schema":{"major":9,"minor":0},"t":0,"id":null,"body":{"type":"Ping","nonce":"x"}}`)
	conn.inbound <- command(t, protocol.Ping{Nonce: "abc"})
	env := next(t, conn)
	pong, ok := env.Body.Evt.(protocol.Pong)
	if !ok || pong.Nonce != "abc" || env.Tick != 0 {
		t.Fatalf("unexpected forwarded event %+v", env)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not exit after cancellation")
	}
	stats := ing.Stats()
	if stats.Accepted != 1 || stats.Rejected != 2 || stats.Active != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(recorder.entries) != 1 || recorder.entries[0] != 1 {
		t.Fatalf("expected command recorded for tick 1, got %v", recorder.entries)
	}
}

func TestEventsReachEverySubscriber(t *testing.T) {
	authority := sim.NewAuthority(sim.New("s"))
	hub := broadcast.NewHub()
	other := hub.Subscribe(4)
	ing := New(authority, hub, WithLogger(logging.NewTestLogger()))
	id := uuid.New()
	raw, _ := json.Marshal(protocol.NewCommandEnvelope(0, protocol.Mine{EntityID: "e1", Target: "n"}).WithCorrelation(id))

	events, err := ing.HandleMessage(context.Background(), raw)
	if err != nil || len(events) != 1 {
		t.Fatalf("unexpected result %v %v", events, err)
	}
	select {
	case payload := <-other.C():
		env, err := protocol.DecodeEventEnvelope(payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.ID == nil || *env.ID != id {
			t.Fatalf("correlation id not propagated")
		}
		if _, ok := env.Body.Evt.(protocol.Mined); !ok {
			t.Fatalf("expected Mined, got %T", env.Body.Evt)
		}
	default:
		t.Fatalf("other subscriber received nothing")
	}
}

func TestStrictSchemaRejectsIncompleteCommands(t *testing.T) {
	ing := New(sim.NewAuthority(sim.New("s")), broadcast.NewHub(), WithStrictSchema(true), WithLogger(logging.NewTestLogger()))
	raw := []byte(`{"kind":"cmd","schema":{"major":0,"minor":1},"t":0,"id":null,"body":{"type":"Fire","entity_id":"e1"}}`)
	if _, err := ing.HandleMessage(context.Background(), raw); !errors.Is(err, protocol.ErrSchemaViolation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
	lenient := New(sim.NewAuthority(sim.New("s")), broadcast.NewHub(), WithLogger(logging.NewTestLogger()))
	if _, err := lenient.HandleMessage(context.Background(), raw); err != nil {
		t.Fatalf("lenient mode should accept missing fields, got %v", err)
	}
}

func TestServeEndsWhenForwardingFails(t *testing.T) {
	authority := sim.NewAuthority(sim.New("s"))
	hub := broadcast.NewHub()
	ing := New(authority, hub, WithLogger(logging.NewTestLogger()))
	conn := newFakeConn("c2")
	conn.failAt = 2
	done := make(chan error, 1)
	go func() { done <- ing.Serve(context.Background(), conn) }()
	next(t, conn)
	//1.- The first forwarded broadcast fails, which must tear the session down.
	deadline := time.After(2 * time.Second)
	for hub.Stats().Subscribers == 0 {
		select {
		case <-deadline:
			t.Fatalf("subscriber never registered")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	hub.Publish([]byte(`{}`))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve kept running after a failed send")
	}
	if hub.Stats().Subscribers != 0 {
		t.Fatalf("subscription leaked")
	}
}

func TestHandleMessageHonoursCancelledContext(t *testing.T) {
	authority := sim.NewAuthority(sim.New("s"))
	hub := broadcast.NewHub()
	sub := hub.Subscribe(4)
	recorder := &memoryRecorder{}
	ing := New(authority, hub, WithRecorder(recorder), WithLogger(logging.NewTestLogger()))
	raw, _ := json.Marshal(protocol.NewCommandEnvelope(0, protocol.Fire{EntityID: "e1", Weapon: "gun", Aim: [2]float32{1, 0}}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ing.HandleMessage(ctx, raw); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	//1.- Nothing was applied, recorded or published.
	if got := len(authority.State().Projectiles); got != 0 {
		t.Fatalf("expected no projectile, got %d", got)
	}
	if len(recorder.entries) != 0 {
		t.Fatalf("expected nothing recorded, got %v", recorder.entries)
	}
	select {
	case payload := <-sub.C():
		t.Fatalf("unexpected broadcast %s", payload)
	default:
	}
	if stats := ing.Stats(); stats.Accepted != 0 || stats.Rejected != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

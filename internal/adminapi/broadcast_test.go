package adminapi

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/edpclient/edp/internal/eventstore"
)

func newTestBroadcaster() *Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewBroadcaster(logger, 16)
}

func TestBroadcasterRegisterUnregister(t *testing.T) {
	bc := newTestBroadcaster()

	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients after init, got %d", got)
	}

	c1 := bc.Register("c1")
	bc.Register("c2")

	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
	if c1.ID() != "c1" {
		t.Errorf("client ID mismatch: got %q, want %q", c1.ID(), "c1")
	}

	bc.Unregister("c1")
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	select {
	case _, ok := <-c1.Send():
		if ok {
			t.Error("expected send channel to be closed after Unregister")
		}
	default:
		t.Error("expected send channel to be closed (readable), not blocked")
	}

	bc.Unregister("c2")
	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestBroadcasterPublishDeliversToAllClients(t *testing.T) {
	bc := newTestBroadcaster()

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")
	defer bc.Unregister("c1")
	defer bc.Unregister("c2")

	evt := eventstore.ConnectionEvent{
		EventID:    "e1",
		NodeName:   "a@localhost",
		PeerName:   "b@localhost",
		EventType:  eventstore.EventConnectionUp,
		OccurredAt: time.Now().UTC(),
	}
	bc.Publish(evt)

	for _, c := range []*wsClient{c1, c2} {
		select {
		case raw := <-c.Send():
			var got EventMessage
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "connection_event" || got.Data.EventID != "e1" {
				t.Errorf("got = %+v, want connection_event/e1", got)
			}
		default:
			t.Errorf("client %s: expected a delivered message", c.ID())
		}
	}
}

func TestBroadcasterPublishDropsOnFullBuffer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := NewBroadcaster(logger, 1)

	c := bc.Register("c1")
	defer bc.Unregister("c1")

	evt := eventstore.ConnectionEvent{EventID: "e1", EventType: eventstore.EventConnectionUp}
	bc.Publish(evt) // fills the buffer
	bc.Publish(evt) // should be dropped

	if c.Dropped.Load() != 1 {
		t.Errorf("Dropped = %d, want 1", c.Dropped.Load())
	}
}

func TestBroadcasterCloseClosesAllClientsAndStopsPublish(t *testing.T) {
	bc := newTestBroadcaster()
	c := bc.Register("c1")

	bc.Close()

	select {
	case _, ok := <-c.Send():
		if ok {
			t.Error("expected send channel to be closed after Close")
		}
	default:
		t.Error("expected send channel readable (closed), not blocked")
	}

	// Publish after Close must be a no-op, not a panic.
	bc.Publish(eventstore.ConnectionEvent{EventID: "e2"})

	if bc.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", bc.ClientCount())
	}
}

func TestBroadcasterRegisterAfterCloseReturnsClosedChannel(t *testing.T) {
	bc := newTestBroadcaster()
	bc.Close()

	c := bc.Register("late")
	select {
	case _, ok := <-c.Send():
		if ok {
			t.Error("expected closed channel for a client registered after Close")
		}
	default:
		t.Error("expected closed channel to be immediately readable")
	}
}

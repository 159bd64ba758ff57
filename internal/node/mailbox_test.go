package node

import (
	"testing"
	"time"

	"github.com/edpclient/edp/internal/etf"
)

func testPid(id uint32) etf.Pid {
	return etf.Pid{Node: etf.Atom{Name: "a@host"}, ID: id, Serial: 0, Creation: 1}
}

func TestMailboxFIFOOrder(t *testing.T) {
	mb := NewMailbox(testPid(1), 10)
	for i := 0; i < 5; i++ {
		if err := mb.Enqueue(Message{Kind: Regular, Body: etf.Integer(i)}); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		msg := <-mb.Receive()
		got, ok := msg.Body.(etf.Integer)
		if !ok || int(got) != i {
			t.Fatalf("message %d = %v, want Integer(%d)", i, msg.Body, i)
		}
	}
}

func TestMailboxEnqueueAfterCloseFails(t *testing.T) {
	mb := NewMailbox(testPid(1), 10)
	mb.Close()
	err := mb.Enqueue(Message{Kind: Regular, Body: etf.Atom{Name: "hi"}})
	if err == nil {
		t.Fatal("expected MailboxClosedError, got nil")
	}
}

func TestMailboxCloseUnblocksPendingEnqueue(t *testing.T) {
	mb := NewMailbox(testPid(1), 1)
	if err := mb.Enqueue(Message{Kind: Regular}); err != nil {
		t.Fatalf("filling the single slot: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- mb.Enqueue(Message{Kind: Regular})
	}()

	// Give the goroutine a chance to block on the full channel, then close.
	time.Sleep(10 * time.Millisecond)
	mb.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected MailboxClosedError after Close unblocked a pending Enqueue")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock the pending Enqueue")
	}
}

func TestMailboxCloseIsIdempotent(t *testing.T) {
	mb := NewMailbox(testPid(1), 1)
	mb.Close()
	mb.Close() // must not panic on double-close
}

func TestMailboxLenReflectsBufferedCount(t *testing.T) {
	mb := NewMailbox(testPid(1), 5)
	if mb.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", mb.Len())
	}
	_ = mb.Enqueue(Message{Kind: Regular})
	_ = mb.Enqueue(Message{Kind: Regular})
	if mb.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", mb.Len())
	}
}

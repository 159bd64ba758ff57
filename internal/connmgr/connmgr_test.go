package connmgr

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/edpclient/edp/internal/audit"
	"github.com/edpclient/edp/internal/config"
	"github.com/edpclient/edp/internal/dist"
	"github.com/edpclient/edp/internal/edperr"
	"github.com/edpclient/edp/internal/etf"
	"github.com/edpclient/edp/internal/eventstore"
	"github.com/edpclient/edp/internal/outbox"
)

func TestNextDelayDoublesUntilCap(t *testing.T) {
	cases := []struct {
		current, max, want time.Duration
	}{
		{time.Second, 30 * time.Second, 2 * time.Second},
		{16 * time.Second, 30 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second, 30 * time.Second},
		{0, 5 * time.Second, 5 * time.Second},
	}
	for _, c := range cases {
		got := NextDelay(c.current, c.max)
		if got != c.want {
			t.Errorf("NextDelay(%v, %v) = %v, want %v", c.current, c.max, got, c.want)
		}
	}
}

func TestNextDelayGuardsOverflow(t *testing.T) {
	got := NextDelay(time.Duration(1)<<62, 30*time.Second)
	if got != 30*time.Second {
		t.Errorf("NextDelay near overflow = %v, want cap %v", got, 30*time.Second)
	}
}

func TestSplitNodeName(t *testing.T) {
	name, host, err := splitNodeName("client@127.0.0.1")
	if err != nil {
		t.Fatalf("splitNodeName: %v", err)
	}
	if name != "client" || host != "127.0.0.1" {
		t.Errorf("got (%q, %q), want (%q, %q)", name, host, "client", "127.0.0.1")
	}
}

func TestSplitNodeNameRejectsMissingHost(t *testing.T) {
	_, _, err := splitNodeName("client")
	var invalid *edperr.InvalidNodeNameError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want *InvalidNodeNameError", err)
	}
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(dist.Message) {}

func testConfig() *config.NodeConfig {
	return &config.NodeConfig{
		Name:              "a@localhost",
		Cookie:            "c",
		EpmdAddr:          "127.0.0.1:1",
		HandshakeTimeout:  time.Second,
		ReconnectDelay:    time.Millisecond,
		ReconnectMaxDelay: 10 * time.Millisecond,
	}
}

func TestSendMessageFailsWhenNotConnected(t *testing.T) {
	c := NewConn("b@localhost", testConfig(), noopDispatcher{}, nil)
	err := c.SendMessage(dist.Message{Control: dist.Control{Op: dist.OpNodeLink}})
	var closed *edperr.ConnectionClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("err = %v, want *ConnectionClosedError", err)
	}
}

func TestSendMessageFailsWhenOutboundQueueFull(t *testing.T) {
	c := NewConn("b@localhost", testConfig(), noopDispatcher{}, nil)
	c.setConnected(true)

	msg := dist.Message{Control: dist.Control{Op: dist.OpNodeLink}}
	for i := 0; i < outboundQueueCapacity; i++ {
		if err := c.SendMessage(msg); err != nil {
			t.Fatalf("SendMessage %d: %v", i, err)
		}
	}
	if err := c.SendMessage(msg); err == nil {
		t.Fatal("expected an error once the outbound queue is full")
	}
}

func TestManagerSendMessageFailsForUnknownPeer(t *testing.T) {
	m := NewManager(testConfig(), noopDispatcher{}, nil)
	err := m.SendMessage(etf.Atom{Name: "ghost@localhost"}, dist.Message{Control: dist.Control{Op: dist.OpNodeLink}})
	var noSuch *edperr.NoSuchProcessError
	if !errors.As(err, &noSuch) {
		t.Fatalf("err = %v, want *NoSuchProcessError", err)
	}
}

func TestManagerSendMessageSpoolsToOutboxForUnknownPeer(t *testing.T) {
	spool, err := outbox.Open(":memory:")
	if err != nil {
		t.Fatalf("outbox.Open: %v", err)
	}
	defer spool.Close()

	m := NewManager(testConfig(), noopDispatcher{}, nil, WithOutbox(spool))
	msg := dist.Message{Control: dist.Control{Op: dist.OpNodeLink, NodeLink: &dist.NodeLinkArgs{}}}
	if err := m.SendMessage(etf.Atom{Name: "ghost@localhost"}, msg); err != nil {
		t.Fatalf("SendMessage with outbox configured: %v", err)
	}
	if d := spool.Depth(); d != 1 {
		t.Errorf("outbox Depth = %d, want 1", d)
	}
}

func TestManagerConnectIsIdempotent(t *testing.T) {
	m := NewManager(testConfig(), noopDispatcher{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1 := m.Connect(ctx, "b@localhost")
	c2 := m.Connect(ctx, "b@localhost")
	if c1 != c2 {
		t.Fatal("Connect called twice for the same peer returned different Conn values")
	}
}

func TestAuditHandshakeAndConnectionAppendEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	defer l.Close()

	c := NewConn("b@localhost", testConfig(), noopDispatcher{}, nil, WithAudit(l))
	c.auditHandshake(audit.HandshakeEvent{Peer: "b@localhost", Outcome: "success", PeerCreation: 7})
	c.auditConnection(audit.ConnectionEvent{Peer: "b@localhost", State: "up"})

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("audit.Verify: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d audit entries, want 2", len(entries))
	}
}

func TestAuditIsNoopWhenNotConfigured(t *testing.T) {
	c := NewConn("b@localhost", testConfig(), noopDispatcher{}, nil)
	c.auditHandshake(audit.HandshakeEvent{Peer: "b@localhost", Outcome: "success"})
	c.auditConnection(audit.ConnectionEvent{Peer: "b@localhost", State: "up"})
}

func TestRecordEventIsNoopWhenNotConfigured(t *testing.T) {
	c := NewConn("b@localhost", testConfig(), noopDispatcher{}, nil)
	c.recordEvent(eventstore.EventConnectionUp, nil)
	c.recordEvent(eventstore.EventHandshakeFailure, map[string]any{"reason": "boom"})
}

type fakeEventPublisher struct {
	published []eventstore.ConnectionEvent
}

func (f *fakeEventPublisher) Publish(evt eventstore.ConnectionEvent) {
	f.published = append(f.published, evt)
}

func TestRecordEventPublishesToEventPublisherWithoutEventStoreConfigured(t *testing.T) {
	pub := &fakeEventPublisher{}
	c := NewConn("b@localhost", testConfig(), noopDispatcher{}, nil, WithEventPublisher(pub))
	c.recordEvent(eventstore.EventConnectionUp, map[string]any{"note": "test"})

	if len(pub.published) != 1 {
		t.Fatalf("got %d published events, want 1", len(pub.published))
	}
	got := pub.published[0]
	if got.PeerName != "b@localhost" || got.EventType != eventstore.EventConnectionUp {
		t.Errorf("got = %+v, want peer=b@localhost type=%s", got, eventstore.EventConnectionUp)
	}
}

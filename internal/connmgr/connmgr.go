// Package connmgr owns the outbound network connections to peer
// distribution nodes: EPMD lookup, the client-role handshake, the switch to
// distribution-mode framing, and the reader/writer loop for one connection
// — with automatic, exponential-backoff reconnection when a peer drops or
// is unreachable.
package connmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edpclient/edp/internal/audit"
	"github.com/edpclient/edp/internal/config"
	"github.com/edpclient/edp/internal/dist"
	"github.com/edpclient/edp/internal/edperr"
	"github.com/edpclient/edp/internal/epmd"
	"github.com/edpclient/edp/internal/etf"
	"github.com/edpclient/edp/internal/eventstore"
	"github.com/edpclient/edp/internal/framer"
	"github.com/edpclient/edp/internal/handshake"
	"github.com/edpclient/edp/internal/metrics"
	"github.com/edpclient/edp/internal/outbox"
	"github.com/google/uuid"
)

// outboxFlushBatch bounds how many spooled frames a single Dequeue call
// drains onto the outbound channel at a time once a peer reconnects.
const outboxFlushBatch = 64

// outboundQueueCapacity bounds how many not-yet-written messages a Conn
// will hold while a write is in flight before SendMessage starts reporting
// the connection as momentarily unable to keep up.
const outboundQueueCapacity = 256

// Option is a functional option customising a Conn or Manager.
type Option func(*Conn)

// WithMetrics wires a metrics.Metrics value into every Conn the Manager
// creates, so that handshake, reconnect, and message counters are recorded.
// Omitting this option leaves the metrics calls as no-ops.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Conn) { c.metrics = m }
}

// WithOutbox wires a durable send spool into every Conn the Manager
// creates. When set, SendMessage still fails immediately while the
// connection is down (spooling happens one layer up, in Manager.SendMessage),
// but each Conn drains any frames spooled for its own peer name as soon as
// it reconnects.
func WithOutbox(o *outbox.Spool) Option {
	return func(c *Conn) { c.outbox = o }
}

// WithAudit wires a tamper-evident audit log into every Conn the Manager
// creates: every handshake attempt and every connected/disconnected
// transition is appended as a hash-chained entry.
func WithAudit(l *audit.Logger) Option {
	return func(c *Conn) { c.audit = l }
}

// WithEventStore wires a queryable connection-lifecycle history store into
// every Conn the Manager creates, alongside (not instead of) the audit log:
// the audit log is the tamper-evident record, this is the one
// internal/adminapi queries for dashboards and alerting.
func WithEventStore(s *eventstore.Store) Option {
	return func(c *Conn) { c.events = s }
}

// EventPublisher pushes a connection-lifecycle event to every subscribed
// live-stream client. internal/adminapi's Broadcaster satisfies this.
type EventPublisher interface {
	Publish(evt eventstore.ConnectionEvent)
}

// WithEventPublisher wires a live event broadcaster into every Conn the
// Manager creates: the same events recorded to the event store are also
// pushed out over the admin API's WebSocket stream in real time.
func WithEventPublisher(p EventPublisher) Option {
	return func(c *Conn) { c.eventPub = p }
}

// Conn manages one outbound connection to a single named peer node. It
// redials, re-handshakes, and resumes the reader/writer loop automatically
// whenever the connection is lost; callers interact with it only through
// SendMessage and Connected.
type Conn struct {
	peerName string // full peer node name, e.g. "server@127.0.0.1"
	cfg      *config.NodeConfig
	dispatcher dist.Dispatcher
	log      *slog.Logger
	metrics  *metrics.Metrics
	outbox   *outbox.Spool
	audit    *audit.Logger
	events   *eventstore.Store
	eventPub EventPublisher

	outbound chan dist.Message

	mu        sync.RWMutex
	connected bool
}

// NewConn returns a Conn that will dial peerName once Run is called.
func NewConn(peerName string, cfg *config.NodeConfig, dispatcher dist.Dispatcher, log *slog.Logger, opts ...Option) *Conn {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Conn{
		peerName:   peerName,
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        log,
		outbound:   make(chan dist.Message, outboundQueueCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether the connection is currently in the distribution
// phase (handshake complete, reader/writer loop running).
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Conn) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
	if v {
		c.metricsGaugeInc()
	} else {
		c.metricsGaugeDec()
	}
}

// SendMessage queues msg for the writer goroutine. It fails immediately
// (rather than blocking) if the connection is down or the outbound queue is
// full — the default "send to an unreachable peer fails immediately"
// behavior; an opt-in durable spool sits in front of this at the Manager
// level for callers who configure one.
func (c *Conn) SendMessage(msg dist.Message) error {
	if !c.Connected() {
		return &edperr.ConnectionClosedError{Reason: fmt.Sprintf("no connection to %s", c.peerName)}
	}
	select {
	case c.outbound <- msg:
		return nil
	default:
		return &edperr.ConnectionClosedError{Reason: fmt.Sprintf("outbound queue to %s is full", c.peerName)}
	}
}

// Run drives the connect → handshake → serve cycle for this peer until ctx
// is cancelled, reconnecting on any transient failure with doubling
// backoff starting at cfg.ReconnectDelay and capped at
// cfg.ReconnectMaxDelay. It mirrors the teacher's Client.Run/runOnce shape,
// generalized from "dial a gRPC dashboard" to "dial an EDP peer".
func (c *Conn) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Should not normally happen (runOnce only returns on error or
			// ctx cancellation), but treat it as a clean stop rather than a
			// tight reconnect loop.
			return nil
		}

		c.metricsReconnect()
		c.log.Warn("connmgr: disconnected, will retry",
			slog.String("peer", c.peerName),
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay = NextDelay(delay, c.cfg.ReconnectMaxDelay)
	}
}

// runOnce performs one EPMD lookup, dial, handshake, and serves the
// connection's reader/writer loop until it ends. It always returns a
// non-nil error except when ctx is cancelled mid-flight.
func (c *Conn) runOnce(ctx context.Context) error {
	short, host, err := splitNodeName(c.peerName)
	if err != nil {
		return err
	}

	epmdClient := epmd.NewClient(c.cfg.EpmdAddr, c.cfg.HandshakeTimeout)
	lookup, err := epmdClient.Lookup(short)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(host, strconv.Itoa(int(lookup.Port)))
	dialer := net.Dialer{Timeout: c.cfg.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &edperr.ConnectionRefusedError{Reason: fmt.Sprintf("dial %s: %v", addr, err)}
	}
	defer conn.Close()

	f := framer.New()
	engine := handshake.NewEngine(f, handshake.DefaultFlags, c.cfg.Cookie, c.log)

	c.metricsHandshakeAttempt()
	result, err := engine.Run(conn, c.cfg.Name, c.cfg.Creation)
	if err != nil {
		c.metricsHandshakeFailure()
		c.auditHandshake(audit.HandshakeEvent{Peer: c.peerName, Outcome: "failure", Reason: err.Error()})
		c.recordEvent(eventstore.EventHandshakeFailure, map[string]any{"reason": err.Error()})
		return err
	}
	c.log.Info("connmgr: connected", slog.String("peer", c.peerName))
	c.auditHandshake(audit.HandshakeEvent{
		Peer:            c.peerName,
		Outcome:         "success",
		PeerCreation:    result.PeerCreation,
		NegotiatedFlags: uint64(result.NegotiatedFlags),
	})
	c.recordEvent(eventstore.EventHandshakeSuccess, map[string]any{
		"peer_creation":    result.PeerCreation,
		"negotiated_flags": uint64(result.NegotiatedFlags),
	})

	c.setConnected(true)
	c.auditConnection(audit.ConnectionEvent{Peer: c.peerName, State: "up"})
	c.recordEvent(eventstore.EventConnectionUp, nil)
	defer func() {
		c.setConnected(false)
		c.auditConnection(audit.ConnectionEvent{Peer: c.peerName, State: "down"})
		c.recordEvent(eventstore.EventConnectionDown, nil)
	}()

	if c.outbox != nil {
		go c.flushOutbox(ctx)
	}

	dispatcher := c.dispatcher
	if c.metrics != nil {
		dispatcher = &instrumentedDispatcher{inner: dispatcher, metrics: c.metrics}
	}
	reader := dist.NewReader(f, dispatcher, c.cfg.FragmentReassemblyTimeout, c.log)

	readErrCh := make(chan error, 1)
	go func() { readErrCh <- reader.Run(conn) }()

	writerCache := etf.NewWriterCache()

	var tickC <-chan time.Time
	if c.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErrCh:
			return err

		case msg := <-c.outbound:
			payload, err := dist.EncodeMessage(writerCache, msg)
			if err != nil {
				c.log.Warn("connmgr: dropping unencodable outbound message",
					slog.String("peer", c.peerName), slog.Any("error", err))
				continue
			}
			if err := f.WriteFrame(conn, payload); err != nil {
				return err
			}
			c.metricsMessageSent()

		case <-tickC:
			if err := f.WriteTick(conn); err != nil {
				return err
			}
		}
	}
}

// flushOutbox drains frames spooled for this peer while the connection was
// down, resubmitting each one through SendMessage. It stops as soon as a
// Dequeue call comes back empty or SendMessage starts failing again (the
// connection dropped once more; whatever is left stays spooled for the next
// reconnect).
func (c *Conn) flushOutbox(ctx context.Context) {
	for {
		if ctx.Err() != nil || !c.Connected() {
			return
		}

		frames, err := c.outbox.Dequeue(ctx, c.peerName, outboxFlushBatch)
		if err != nil {
			c.log.Warn("connmgr: outbox dequeue failed", slog.String("peer", c.peerName), slog.Any("error", err))
			return
		}
		if len(frames) == 0 {
			return
		}

		acked := make([]int64, 0, len(frames))
		for _, f := range frames {
			if err := c.SendMessage(f.Msg); err != nil {
				c.log.Warn("connmgr: re-spooling frame after flush failure",
					slog.String("peer", c.peerName), slog.Any("error", err))
				break
			}
			acked = append(acked, f.ID)
		}
		if len(acked) > 0 {
			if err := c.outbox.Ack(ctx, acked); err != nil {
				c.log.Warn("connmgr: outbox ack failed", slog.String("peer", c.peerName), slog.Any("error", err))
			}
		}
		if len(acked) != len(frames) {
			return
		}
	}
}

// splitNodeName splits a full distribution node name ("name@host") into its
// short name and host parts.
func splitNodeName(full string) (name, host string, err error) {
	name, host, ok := strings.Cut(full, "@")
	if !ok || name == "" || host == "" {
		return "", "", &edperr.InvalidNodeNameError{Name: full}
	}
	return name, host, nil
}

// NextDelay returns the next exponential-backoff delay, doubling current
// and capping at max. Overflow is handled by capping. Exported so tests can
// verify the backoff arithmetic directly.
func NextDelay(current, max time.Duration) time.Duration {
	if current <= 0 {
		return max
	}
	next := current * 2
	if next <= 0 || next > max {
		return max
	}
	return next
}

func (c *Conn) metricsHandshakeAttempt() {
	if c.metrics != nil {
		c.metrics.HandshakeAttempts.Inc()
	}
}

func (c *Conn) metricsHandshakeFailure() {
	if c.metrics != nil {
		c.metrics.HandshakeFailures.Inc()
	}
}

func (c *Conn) metricsReconnect() {
	if c.metrics != nil {
		c.metrics.Reconnects.Inc()
	}
}

func (c *Conn) metricsMessageSent() {
	if c.metrics != nil {
		c.metrics.MessagesSent.Inc()
	}
}

func (c *Conn) metricsGaugeInc() {
	if c.metrics != nil {
		c.metrics.ConnectionsActive.Inc()
	}
}

func (c *Conn) metricsGaugeDec() {
	if c.metrics != nil {
		c.metrics.ConnectionsActive.Dec()
	}
}

func (c *Conn) auditHandshake(ev audit.HandshakeEvent) {
	if c.audit == nil {
		return
	}
	if _, err := c.audit.LogHandshake(ev); err != nil {
		c.log.Warn("connmgr: audit log append failed", slog.String("peer", c.peerName), slog.Any("error", err))
	}
}

func (c *Conn) auditConnection(ev audit.ConnectionEvent) {
	if c.audit == nil {
		return
	}
	if _, err := c.audit.LogConnection(ev); err != nil {
		c.log.Warn("connmgr: audit log append failed", slog.String("peer", c.peerName), slog.Any("error", err))
	}
}

// recordEvent appends a queryable connection-lifecycle row to the event
// store, if one is configured. detail is marshalled to JSON best-effort; a
// nil detail is stored as SQL NULL.
func (c *Conn) recordEvent(kind eventstore.EventType, detail map[string]any) {
	if c.events == nil && c.eventPub == nil {
		return
	}
	var raw json.RawMessage
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			c.log.Warn("connmgr: event detail marshal failed", slog.String("peer", c.peerName), slog.Any("error", err))
			return
		}
		raw = b
	}
	evt := eventstore.ConnectionEvent{
		EventID:    uuid.NewString(),
		NodeName:   c.cfg.Name,
		PeerName:   c.peerName,
		EventType:  kind,
		Detail:     raw,
		OccurredAt: time.Now().UTC(),
	}
	if c.events != nil {
		if err := c.events.BatchInsertEvents(context.Background(), evt); err != nil {
			c.log.Warn("connmgr: event store append failed", slog.String("peer", c.peerName), slog.Any("error", err))
		}
	}
	if c.eventPub != nil {
		c.eventPub.Publish(evt)
	}
}

// instrumentedDispatcher wraps a dist.Dispatcher to count every decoded
// message reaching it, without internal/dist needing to know about metrics.
type instrumentedDispatcher struct {
	inner   dist.Dispatcher
	metrics *metrics.Metrics
}

func (d *instrumentedDispatcher) Dispatch(msg dist.Message) {
	d.metrics.MessagesReceived.Inc()
	d.inner.Dispatch(msg)
}

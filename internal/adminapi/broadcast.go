package adminapi

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/edpclient/edp/internal/eventstore"
)

// EventMessage is the JSON envelope pushed to WebSocket clients subscribed
// to the live event stream. Type is always "connection_event".
type EventMessage struct {
	Type string                     `json:"type"`
	Data eventstore.ConnectionEvent `json:"data"`
}

// wsClient represents a single connected WebSocket client.
type wsClient struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64
}

// ID returns the client's unique identifier.
func (c *wsClient) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded event frames
// are delivered. The channel is closed when the client is unregistered.
func (c *wsClient) Send() <-chan []byte { return c.send }

// Broadcaster fans connection-lifecycle events out to every currently
// connected WebSocket admin client. It is safe for concurrent use; a
// non-blocking send means a slow or disconnected client never applies
// back-pressure onto the connmgr goroutine that observed the event.
type Broadcaster struct {
	clients   sync.Map // map[string]*wsClient
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client channel
// buffer depth; 0 defaults to 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates a new wsClient with the given id and returns it. The
// caller must call Unregister(id) when the client disconnects.
func (b *Broadcaster) Register(id string) *wsClient {
	c := &wsClient{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id and closes its Send channel.
// Calling Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*wsClient)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Publish marshals evt as an EventMessage and delivers it to every
// registered client with a non-blocking send; a full client buffer drops
// the message and increments that client's Dropped counter.
func (b *Broadcaster) Publish(evt eventstore.ConnectionEvent) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(EventMessage{Type: "connection_event", Data: evt})
	if err != nil {
		b.logger.Error("adminapi: event marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*wsClient)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("adminapi: client buffer full, dropping event", slog.String("client_id", c.id))
		}
		return true
	})
}

// Close unregisters and closes every client channel. After Close returns,
// Publish is a no-op.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*wsClient)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}

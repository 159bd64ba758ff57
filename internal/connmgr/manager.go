package connmgr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/edpclient/edp/internal/config"
	"github.com/edpclient/edp/internal/dist"
	"github.com/edpclient/edp/internal/edperr"
	"github.com/edpclient/edp/internal/etf"
	"github.com/edpclient/edp/internal/outbox"
)

// Manager owns one Conn per peer node this process talks to, and implements
// internal/node.RemoteSender so a node.Node can be wired to it without
// either package importing the other's concrete type. Any Option passed to
// NewManager (e.g. WithMetrics) is applied to every Conn it creates.
type Manager struct {
	cfg        *config.NodeConfig
	dispatcher dist.Dispatcher
	log        *slog.Logger
	opts       []Option
	outbox     *outbox.Spool

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewManager returns a Manager that will dial peers on demand. dispatcher
// is typically a *node.Node: every inbound message decoded off any peer
// connection is routed to it.
func NewManager(cfg *config.NodeConfig, dispatcher dist.Dispatcher, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	// Options are defined against *Conn; apply them to a throwaway Conn once
	// here so the Manager itself can see whether WithOutbox was passed,
	// without inventing a second option type just for Manager-level state.
	scratch := &Conn{}
	for _, opt := range opts {
		opt(scratch)
	}

	return &Manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        log,
		opts:       opts,
		outbox:     scratch.outbox,
		conns:      make(map[string]*Conn),
	}
}

// Connect ensures a Conn exists for peerName and is running under ctx,
// returning it. Calling Connect again for the same peer returns the
// existing Conn without starting a second Run goroutine.
func (m *Manager) Connect(ctx context.Context, peerName string) *Conn {
	m.mu.Lock()
	c, ok := m.conns[peerName]
	if !ok {
		c = NewConn(peerName, m.cfg, m.dispatcher, m.log, m.opts...)
		m.conns[peerName] = c
		go func() {
			if err := c.Run(ctx); err != nil {
				m.log.Error("connmgr: peer connection loop exited", slog.String("peer", peerName), slog.Any("error", err))
			}
		}()
	}
	m.mu.Unlock()
	return c
}

// Run dials every peer configured in cfg.Peers and blocks until ctx is
// cancelled. Connections to peers added later via Connect run independently
// of this call.
func (m *Manager) Run(ctx context.Context) error {
	for _, p := range m.cfg.Peers {
		m.Connect(ctx, p.Name)
	}
	<-ctx.Done()
	return nil
}

// SendMessage implements internal/node.RemoteSender: it routes msg to the
// Conn already connected to target. If no such connection exists or it is
// currently down, SendMessage fails immediately unless a durable outbox was
// configured via WithOutbox, in which case the message is spooled for
// delivery the next time that peer's Conn reconnects.
func (m *Manager) SendMessage(target etf.Atom, msg dist.Message) error {
	m.mu.RLock()
	c, ok := m.conns[target.Name]
	m.mu.RUnlock()

	var sendErr error
	if ok {
		if sendErr = c.SendMessage(msg); sendErr == nil {
			return nil
		}
	} else {
		sendErr = &edperr.NoSuchProcessError{Pid: fmt.Sprintf("no connection to node %q", target.Name)}
	}

	if m.outbox == nil {
		return sendErr
	}
	if err := m.outbox.Enqueue(context.Background(), target.Name, msg); err != nil {
		return err
	}
	return nil
}

// Connections returns the peer names this Manager currently has a Conn for
// and whether each is connected, for the admin API's connection listing.
func (m *Manager) Connections() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.conns))
	for name, c := range m.conns {
		out[name] = c.Connected()
	}
	return out
}

// Package runtime is the node process orchestrator. It wires together the
// local process runtime, the connection manager, and the optional
// durable-send and audit-log components, managing their lifecycle through a
// shared context.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/edpclient/edp/internal/audit"
	"github.com/edpclient/edp/internal/config"
	"github.com/edpclient/edp/internal/outbox"
)

// Node is the subset of *node.Node's surface the runtime needs for health
// reporting.
type Node interface {
	ProcessCount() int
	RegistryCount() int
}

// ConnectionManager is the subset of *connmgr.Manager's surface the runtime
// needs to start it and report connection health.
type ConnectionManager interface {
	Run(ctx context.Context) error
	Connections() map[string]bool
}

// Runtime is the central orchestrator of one EDP node process. It starts and
// supervises the connection manager and any optional durable-storage
// components attached via functional options.
type Runtime struct {
	cfg     *config.NodeConfig
	logger  *slog.Logger
	node    Node
	connmgr ConnectionManager
	outbox  *outbox.Spool
	audit   *audit.Logger

	startTime time.Time
	cancel    context.CancelFunc

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// Option is a functional option for Runtime construction.
type Option func(*Runtime)

// WithOutbox attaches the durable send spool so Stop closes it cleanly.
func WithOutbox(o *outbox.Spool) Option {
	return func(r *Runtime) { r.outbox = o }
}

// WithAudit attaches the audit logger so Stop closes it cleanly.
func WithAudit(l *audit.Logger) Option {
	return func(r *Runtime) { r.audit = l }
}

// New creates a new Runtime from the provided configuration, logger, process
// runtime, and connection manager.
func New(cfg *config.NodeConfig, logger *slog.Logger, n Node, cm ConnectionManager, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:     cfg,
		logger:  logger,
		node:    n,
		connmgr: cm,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start initialises and starts the connection manager using the provided
// context. It returns an error if the Runtime is already running; the
// connection manager itself runs until ctx is cancelled or Stop is called.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runtime: already running")
	}
	r.running = true
	r.startTime = time.Now()
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.logger.Info("starting edp node",
		slog.String("name", r.cfg.Name),
		slog.String("log_level", r.cfg.LogLevel),
		slog.String("admin_addr", r.cfg.AdminAddr),
		slog.Int("num_peers", len(r.cfg.Peers)),
	)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.connmgr.Run(ctx); err != nil {
			r.logger.Error("connection manager exited", slog.Any("error", err))
		}
	}()

	r.logger.Info("edp node started")
	return nil
}

// Stop signals the connection manager to shut down, waits for it to exit,
// and closes any attached durable-storage components. It is safe to call
// Stop multiple times.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	if r.outbox != nil {
		if err := r.outbox.Close(); err != nil {
			r.logger.Warn("error closing outbox", slog.Any("error", err))
		}
	}
	if r.audit != nil {
		if err := r.audit.Close(); err != nil {
			r.logger.Warn("error closing audit log", slog.Any("error", err))
		}
	}

	r.logger.Info("edp node stopped")
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status           string  `json:"status"`
	UptimeS          float64 `json:"uptime_s"`
	ProcessCount     int     `json:"process_count"`
	RegisteredNames  int     `json:"registered_names"`
	ConnectionsUp    int     `json:"connections_up"`
	ConnectionsTotal int     `json:"connections_total"`
	OutboxDepth      int     `json:"outbox_depth,omitempty"`
}

// Health returns a snapshot of the current node health state.
func (r *Runtime) Health() HealthStatus {
	h := HealthStatus{
		Status:  "ok",
		UptimeS: time.Since(r.startTime).Seconds(),
	}

	if r.node != nil {
		h.ProcessCount = r.node.ProcessCount()
		h.RegisteredNames = r.node.RegistryCount()
	}

	if r.connmgr != nil {
		for _, up := range r.connmgr.Connections() {
			h.ConnectionsTotal++
			if up {
				h.ConnectionsUp++
			}
		}
	}

	if r.outbox != nil {
		h.OutboxDepth = r.outbox.Depth()
	}

	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the node's health
// status as a JSON object and HTTP 200.
func (r *Runtime) HealthzHandler(w http.ResponseWriter, req *http.Request) {
	h := r.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		r.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}

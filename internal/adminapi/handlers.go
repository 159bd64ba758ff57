package adminapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/edpclient/edp/internal/etf"
	"github.com/edpclient/edp/internal/eventstore"
)

// ProcessSource is the subset of *node.ProcessRegistry's surface the admin
// API needs to list live processes and registered names.
type ProcessSource interface {
	Pids() []etf.Pid
	Names() map[string]etf.Pid
}

// ConnectionManager is the subset of *connmgr.Manager's surface the admin
// API needs to report peer connection status.
type ConnectionManager interface {
	Connections() map[string]bool
}

// EventQuerier is the subset of *eventstore.Store's surface the admin API
// needs to serve connection-lifecycle history.
type EventQuerier interface {
	QueryEvents(ctx context.Context, q eventstore.EventQuery) ([]eventstore.ConnectionEvent, error)
}

// Server holds the node-process handles the admin API exposes. A nil
// registry, conns or events field degrades its endpoint to a 503 rather than
// panicking, so a node can run the admin API before every optional
// component is wired up; a nil healthz or stream is handled as NewServer
// describes.
type Server struct {
	registry ProcessSource
	conns    ConnectionManager
	events   EventQuerier
	healthz  http.HandlerFunc
	stream   *StreamHandler
}

// NewServer returns a Server. healthz may be nil, in which case /healthz
// responds with a bare {"status":"ok"} — callers that want node-wide health
// detail (uptime, process/connection counts) should pass
// (*runtime.Runtime).HealthzHandler instead. stream may be nil, in which
// case the live event WebSocket route is not registered at all.
func NewServer(registry ProcessSource, conns ConnectionManager, events EventQuerier, healthz http.HandlerFunc, stream *StreamHandler) *Server {
	return &Server{registry: registry, conns: conns, events: events, healthz: healthz, stream: stream}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.healthz != nil {
		s.healthz(w, r)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleGetConnections(w http.ResponseWriter, r *http.Request) {
	if s.conns == nil {
		writeError(w, http.StatusServiceUnavailable, "connection manager not configured")
		return
	}
	writeJSON(w, s.conns.Connections())
}

func (s *Server) handleGetProcesses(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "process registry not configured")
		return
	}
	pids := s.registry.Pids()
	out := make([]string, len(pids))
	for i, pid := range pids {
		out[i] = pid.String()
	}
	writeJSON(w, map[string]any{"processes": out})
}

func (s *Server) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "process registry not configured")
		return
	}
	names := s.registry.Names()
	out := make(map[string]string, len(names))
	for name, pid := range names {
		out[name] = pid.String()
	}
	writeJSON(w, out)
}

// handleGetEvents serves GET /api/v1/events?peer=&from=&to=&limit=&offset=.
// from and to are RFC3339 timestamps; from defaults to 24h before to, and to
// defaults to now, so a bare `/api/v1/events` returns the last day's history.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}

	q := r.URL.Query()
	to := time.Now().UTC()
	if v := q.Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
			return
		}
		to = parsed
	}
	from := to.Add(-24 * time.Hour)
	if v := q.Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
			return
		}
		from = parsed
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
			return
		}
		limit = n
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid offset: "+err.Error())
			return
		}
		offset = n
	}

	events, err := s.events.QueryEvents(r.Context(), eventstore.EventQuery{
		PeerName: q.Get("peer"),
		From:     from,
		To:       to,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"events": events})
}

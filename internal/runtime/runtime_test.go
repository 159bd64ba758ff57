package runtime_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/edpclient/edp/internal/config"
	"github.com/edpclient/edp/internal/runtime"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

type fakeNode struct {
	processCount    int
	registeredNames int
}

func (n *fakeNode) ProcessCount() int   { return n.processCount }
func (n *fakeNode) RegistryCount() int { return n.registeredNames }

// fakeConnMgr blocks Run until ctx is cancelled, like the real Manager does.
type fakeConnMgr struct {
	runErr      error
	connections map[string]bool
}

func (m *fakeConnMgr) Run(ctx context.Context) error {
	<-ctx.Done()
	return m.runErr
}

func (m *fakeConnMgr) Connections() map[string]bool {
	return m.connections
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func minimalConfig() *config.NodeConfig {
	return &config.NodeConfig{
		Name:      "a@localhost",
		Cookie:    "c",
		LogLevel:  "info",
		AdminAddr: "127.0.0.1:9000",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestRuntime_StartStop(t *testing.T) {
	cm := &fakeConnMgr{connections: map[string]bool{"b@localhost": true}}
	rt := runtime.New(minimalConfig(), quietLogger(), &fakeNode{}, cm)

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rt.Stop()
	// Stopping a second time must be safe.
	rt.Stop()
}

func TestRuntime_StartTwiceReturnsError(t *testing.T) {
	cm := &fakeConnMgr{}
	rt := runtime.New(minimalConfig(), quietLogger(), &fakeNode{}, cm)

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer rt.Stop()

	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("second Start should have returned an error")
	}
}

func TestRuntime_HealthReflectsNodeAndConnections(t *testing.T) {
	n := &fakeNode{processCount: 3, registeredNames: 2}
	cm := &fakeConnMgr{connections: map[string]bool{
		"b@localhost": true,
		"c@localhost": false,
	}}
	rt := runtime.New(minimalConfig(), quietLogger(), n, cm)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop()

	time.Sleep(time.Millisecond) // let UptimeS tick forward from zero

	h := rt.Health()
	if h.Status != "ok" {
		t.Errorf("Status = %q, want %q", h.Status, "ok")
	}
	if h.ProcessCount != 3 {
		t.Errorf("ProcessCount = %d, want 3", h.ProcessCount)
	}
	if h.RegisteredNames != 2 {
		t.Errorf("RegisteredNames = %d, want 2", h.RegisteredNames)
	}
	if h.ConnectionsTotal != 2 {
		t.Errorf("ConnectionsTotal = %d, want 2", h.ConnectionsTotal)
	}
	if h.ConnectionsUp != 1 {
		t.Errorf("ConnectionsUp = %d, want 1", h.ConnectionsUp)
	}
}

func TestRuntime_HealthzHandlerRespondsOK(t *testing.T) {
	rt := runtime.New(minimalConfig(), quietLogger(), &fakeNode{}, &fakeConnMgr{})
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	rt.HealthzHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

func TestRuntime_ConnMgrErrorIsLoggedNotPanicked(t *testing.T) {
	cm := &fakeConnMgr{runErr: errors.New("boom")}
	rt := runtime.New(minimalConfig(), quietLogger(), &fakeNode{}, cm)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rt.Stop()
}

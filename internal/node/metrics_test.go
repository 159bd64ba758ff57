package node

import (
	"testing"

	"github.com/edpclient/edp/internal/etf"
	"github.com/edpclient/edp/internal/metrics"
)

func TestNodeSpawnAndTerminateUpdateProcessCountGauge(t *testing.T) {
	m := metrics.New()
	n := NewNode(etf.Atom{Name: "a@host"}, nil, nil)
	n.SetMetrics(m)

	if got := n.ProcessCount(); got != 0 {
		t.Fatalf("initial ProcessCount = %d, want 0", got)
	}

	h := newRecordingHandler()
	h.stopOn = func(Message) (bool, etf.Term) { return true, etf.Atom{Name: "normal"} }
	p := n.Spawn(h, 0)

	if got := n.ProcessCount(); got != 1 {
		t.Fatalf("ProcessCount = %d, want 1", got)
	}

	if err := n.Send(p.Pid, etf.Atom{Name: "stop"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-p.Done()

	if got := n.ProcessCount(); got != 0 {
		t.Fatalf("ProcessCount after exit = %d, want 0", got)
	}
}

func TestProcessRegisterUpdatesRegistrySizeGauge(t *testing.T) {
	m := metrics.New()
	n := NewNode(etf.Atom{Name: "a@host"}, nil, nil)
	n.SetMetrics(m)

	h := newRecordingHandler()
	p := n.Spawn(h, 0)

	if err := p.Register("logger"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := n.RegistryCount(); got != 1 {
		t.Fatalf("RegistryCount = %d, want 1", got)
	}

	if err := p.Unregister("logger"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if got := n.RegistryCount(); got != 0 {
		t.Fatalf("RegistryCount after unregister = %d, want 0", got)
	}
}

func TestObserveMailboxDepthOnlyIncreases(t *testing.T) {
	m := metrics.New()
	n := NewNode(etf.Atom{Name: "a@host"}, nil, nil)
	n.SetMetrics(m)

	n.observeMailboxDepth(5)
	if got := n.mailboxDepth.Load(); got != 5 {
		t.Fatalf("mailboxDepth = %d, want 5", got)
	}
	n.observeMailboxDepth(2)
	if got := n.mailboxDepth.Load(); got != 5 {
		t.Fatalf("mailboxDepth after a smaller observation = %d, want 5", got)
	}
	n.observeMailboxDepth(9)
	if got := n.mailboxDepth.Load(); got != 9 {
		t.Fatalf("mailboxDepth after a larger observation = %d, want 9", got)
	}
}

func TestMetricsAreNoopWhenNotConfigured(t *testing.T) {
	n := NewNode(etf.Atom{Name: "a@host"}, nil, nil)
	h := newRecordingHandler()
	p := n.Spawn(h, 0)
	_ = p.Register("x")
	_ = p.Unregister("x")
	n.observeMailboxDepth(3)
}

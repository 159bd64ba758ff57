package node

import (
	"sync"

	"github.com/edpclient/edp/internal/edperr"
	"github.com/edpclient/edp/internal/etf"
)

// ProcessRegistry maps live pids to their Process handles and registered
// names to pids. Lookups vastly outnumber registrations and deregistrations
// once a node is running, so a RWMutex guards the two maps rather than a
// sync.Map: readers never block each other, and the write path (spawn, exit,
// register/unregister) is comparatively rare.
type ProcessRegistry struct {
	mu    sync.RWMutex
	procs map[etf.Pid]*Process
	names map[string]etf.Pid
}

// NewProcessRegistry returns an empty registry.
func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{
		procs: make(map[etf.Pid]*Process),
		names: make(map[string]etf.Pid),
	}
}

// Register adds p under its own pid. Called once, at spawn.
func (r *ProcessRegistry) Register(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.Pid] = p
}

// Unregister removes pid and any name currently pointing at it. Called once,
// when a process terminates.
func (r *ProcessRegistry) Unregister(pid etf.Pid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, pid)
	for name, owner := range r.names {
		if owner == pid {
			delete(r.names, name)
		}
	}
}

// Lookup returns the live Process for pid, if any.
func (r *ProcessRegistry) Lookup(pid etf.Pid) (*Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[pid]
	return p, ok
}

// RegisterName binds name to pid. It fails if name is already bound or pid
// has no live process.
func (r *ProcessRegistry) RegisterName(name string, pid etf.Pid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[name]; exists {
		return &edperr.NameAlreadyRegisteredError{Name: name}
	}
	if _, ok := r.procs[pid]; !ok {
		return &edperr.NoSuchProcessError{Pid: pid.String()}
	}
	r.names[name] = pid
	return nil
}

// UnregisterName removes name's binding. It fails if name is not bound.
func (r *ProcessRegistry) UnregisterName(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[name]; !exists {
		return &edperr.NameNotRegisteredError{Name: name}
	}
	delete(r.names, name)
	return nil
}

// WhereIs resolves a registered name to its pid.
func (r *ProcessRegistry) WhereIs(name string) (etf.Pid, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pid, ok := r.names[name]
	return pid, ok
}

// Count reports the number of live processes, for metrics.
func (r *ProcessRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procs)
}

// NameCount reports the number of registered names, for metrics.
func (r *ProcessRegistry) NameCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// Pids returns a snapshot of every live process pid, for admin introspection.
func (r *ProcessRegistry) Pids() []etf.Pid {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]etf.Pid, 0, len(r.procs))
	for pid := range r.procs {
		out = append(out, pid)
	}
	return out
}

// Names returns a snapshot of every registered name and the pid it is bound
// to, for admin introspection.
func (r *ProcessRegistry) Names() map[string]etf.Pid {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]etf.Pid, len(r.names))
	for name, pid := range r.names {
		out[name] = pid
	}
	return out
}

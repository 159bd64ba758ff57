// Package node implements the local process runtime: PID allocation,
// mailboxes, the process registry, link/monitor graphs with exit-signal
// fan-out, and a generic-server behavior layered on top of the process
// abstraction.
package node

import (
	"sync"
	"sync/atomic"

	"github.com/edpclient/edp/internal/etf"
)

// maxID is the exclusive ceiling on the process id component of a PID; ids
// are monotonic in [1, maxID) and wrap back to 1, bumping serial.
const maxID = 1 << 20

// PidAllocator hands out unique etf.Pid values for one node. id and serial
// are tracked with atomics on the fast path; a mutex guards the rare
// id-wrap transition so the (id, serial) pair is never observed
// inconsistently by a concurrent allocator.
type PidAllocator struct {
	node        etf.Atom
	creation    atomic.Uint32
	creationSet sync.Once

	wrapMu sync.Mutex
	id     atomic.Uint32
	serial atomic.Uint32
}

// NewPidAllocator returns an allocator for node, starting id at 1 and
// serial/creation at 0. Call SetCreation once, before any concurrent
// Next call, to fix the node's incarnation tag (typically right after the
// handshake completes and the peer's Creation is known).
func NewPidAllocator(node etf.Atom) *PidAllocator {
	a := &PidAllocator{node: node}
	a.id.Store(0)
	return a
}

// SetCreation fixes the allocator's creation tag. It may only be called
// once; later calls are no-ops. Calling it concurrently with Next is a
// data race the caller must avoid — it is intended only for the brief
// window right after handshake completion, before any process is spawned.
func (a *PidAllocator) SetCreation(creation uint32) {
	a.creationSet.Do(func() {
		a.creation.Store(creation)
	})
}

// Next returns the next unique Pid for this node. id increments modulo
// maxID; on wrap it resets to 1 and bumps serial (itself wrapping modulo
// 2^32). The wrapMu lock is only taken on the wrap path, so the common
// case is lock-free.
func (a *PidAllocator) Next() etf.Pid {
	for {
		cur := a.id.Load()
		next := cur + 1
		if next >= maxID {
			a.wrapMu.Lock()
			// Re-check under the lock: another goroutine may have already
			// wrapped while we were waiting.
			cur = a.id.Load()
			if cur+1 >= maxID {
				a.id.Store(1)
				a.serial.Add(1)
				a.wrapMu.Unlock()
				return etf.Pid{Node: a.node, ID: 1, Serial: a.serial.Load(), Creation: a.creation.Load()}
			}
			a.wrapMu.Unlock()
			continue
		}
		if a.id.CompareAndSwap(cur, next) {
			return etf.Pid{Node: a.node, ID: next, Serial: a.serial.Load(), Creation: a.creation.Load()}
		}
	}
}

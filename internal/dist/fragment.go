package dist

import (
	"sync"
	"time"

	"github.com/edpclient/edp/internal/etf"
)

// FragmentReassembler accumulates fragments of large messages keyed by
// sequence id: fragments bearing the same sequence id arrive numbered
// descending to 1. Entries that never complete within sessionTimeout are
// evicted to bound memory use against a peer that never finishes a
// sequence.
//
// One FragmentReassembler belongs to a single connection's reader task,
// matching the one-reader-task-per-connection model; every method takes an
// internal mutex, so calls from other goroutines (such as PendingCount from
// tests or metrics) are also safe.
type FragmentReassembler struct {
	mu              sync.Mutex
	sequences       map[uint64]*pendingSequence
	sessionTimeout  time.Duration
}

type pendingSequence struct {
	lastFragmentID uint64 // descending; next expected fragment is lastFragmentID-1
	buf            []byte
	deadline       time.Time
}

// NewFragmentReassembler returns a reassembler that discards any sequence
// idle for longer than sessionTimeout.
func NewFragmentReassembler(sessionTimeout time.Duration) *FragmentReassembler {
	return &FragmentReassembler{
		sequences:      make(map[uint64]*pendingSequence),
		sessionTimeout: sessionTimeout,
	}
}

// Feed accumulates one fragment. When fragmentID == 1 (the final fragment,
// per the protocol's "numbered descending to 1"), it returns the fully
// reassembled payload and true; otherwise it returns (nil, false) having
// stored the fragment for a later call. A gap in descending fragment ids,
// or a fragment for an expired sequence, aborts and discards that sequence
// without killing the connection .
func (r *FragmentReassembler) Feed(sequenceID, fragmentID uint64, data []byte, now time.Time) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.sequences[sequenceID]; ok && !p.deadline.IsZero() && now.After(p.deadline) {
		// A late fragment of an expired sequence: discard both.
		delete(r.sequences, sequenceID)
		return nil, false
	}
	r.evictExpiredLocked(now)

	pending, exists := r.sequences[sequenceID]
	if !exists {
		pending = &pendingSequence{lastFragmentID: fragmentID + 1}
		r.sequences[sequenceID] = pending
	}

	if fragmentID != pending.lastFragmentID-1 {
		// Gap in the descending sequence: abort and discard.
		delete(r.sequences, sequenceID)
		return nil, false
	}

	pending.buf = append(pending.buf, data...)
	pending.lastFragmentID = fragmentID
	pending.deadline = now.Add(r.sessionTimeout)

	if fragmentID == 1 {
		delete(r.sequences, sequenceID)
		return pending.buf, true
	}
	return nil, false
}

func (r *FragmentReassembler) evictExpiredLocked(now time.Time) {
	for id, p := range r.sequences {
		if !p.deadline.IsZero() && now.After(p.deadline) {
			delete(r.sequences, id)
		}
	}
}

// PendingCount reports how many sequences are currently awaiting
// completion, for tests and metrics.
func (r *FragmentReassembler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sequences)
}

// DecodeReassembled is a convenience wrapper: once Feed returns a complete
// byte buffer, decode it as a Message exactly like a non-fragmented frame.
func DecodeReassembled(buf []byte, cache *etf.AtomCache) (Message, error) {
	return DecodeMessage(buf, cache)
}

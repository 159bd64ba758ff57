package etf

import "github.com/edpclient/edp/internal/edperr"

// CacheSlots is the fixed size of the distribution atom cache.
const CacheSlots = 2048

// AtomCache is a bounded table of interned atom names shared by the encoder
// (which may substitute a 1- or 2-byte cache reference after an atom's first
// use) and the decoder (which resolves references against the same table).
//
// A connection's reader goroutine owns one AtomCache for the inbound
// direction; the outbound direction uses a separate WriterCache owned by
// the writer goroutine, so the two never share a structure.
// AtomCache itself is not safe for concurrent use; callers must confine
// each instance to a single goroutine.
type AtomCache struct {
	slots [CacheSlots]*string
}

// NewAtomCache returns an empty cache ready for use.
func NewAtomCache() *AtomCache {
	return &AtomCache{}
}

// Lookup resolves a cache reference index to its atom name. It returns an
// *edperr.DecodeError if idx is out of range or the slot was never
// populated.
func (c *AtomCache) Lookup(idx int) (string, error) {
	if idx < 0 || idx >= CacheSlots {
		return "", &edperr.DecodeError{Reason: "atom cache reference out of range"}
	}
	name := c.slots[idx]
	if name == nil {
		return "", &edperr.DecodeError{Reason: "atom cache reference to unpopulated slot"}
	}
	return *name, nil
}

// Store populates slot idx with name, overwriting any previous occupant.
func (c *AtomCache) Store(idx int, name string) error {
	if idx < 0 || idx >= CacheSlots {
		return &edperr.DecodeError{Reason: "atom cache store index out of range"}
	}
	c.slots[idx] = &name
	return nil
}

// cacheRef is one entry of a distribution header: either a "new" entry
// carrying the full atom text (to be stored at Index) or a reference to an
// already-cached atom at Index.
type cacheRef struct {
	Index   int
	NewName string // empty when referencing an existing entry
	IsNew   bool
	LongLen bool // this connection negotiated the long-atoms flag for this ref's length field
}

// WriterCache tracks, for the outbound direction only, which atoms have
// already been announced in some prior distribution header on this
// connection, so the encoder can emit a cache reference instead of the full
// name on subsequent use. One instance per connection's writer goroutine
// ("do not share one structure between reader and writer tasks").
type WriterCache struct {
	nameToSlot map[string]int
	nextSlot   int
}

// NewWriterCache returns an empty writer-side cache.
func NewWriterCache() *WriterCache {
	return &WriterCache{nameToSlot: make(map[string]int)}
}

// reserve returns the slot assigned to name, allocating and recording a new
// one (cycling through CacheSlots) if this is the first time name is seen.
// The second return value is true when name was already cached (so the
// caller should emit a reference instead of a new entry).
func (w *WriterCache) reserve(name string) (slot int, alreadyCached bool) {
	if slot, ok := w.nameToSlot[name]; ok {
		return slot, true
	}
	slot = w.nextSlot % CacheSlots
	w.nextSlot++
	w.nameToSlot[name] = slot
	return slot, false
}

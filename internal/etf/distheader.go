package etf

import (
	"fmt"

	"github.com/edpclient/edp/internal/edperr"
)

// DistFlagBit enumerates the per-entry flag nibble packed into a distribution
// header's flags block.
const (
	distFlagNewCacheEntry = 1 << 0 // this entry carries NewName, not just an index
	distFlagLongAtoms     = 1 << 1 // this entry's length field is 2 bytes, not 1
)

// DistHeader is the decoded form of ETF tag 68: a batch of atom-cache
// announcements that must be applied to the receiver's AtomCache before the
// control message tuple (and any payload) that follows it are decoded.
type DistHeader struct {
	Refs []cacheRef
}

// EncodeDistHeader emits a tag-68 distribution header for refs against
// writer, assigning cache slots and marking entries new on first use. It
// must be called, in order, immediately before encoding the control message
// tuple and payload that the header announces atoms for.
func EncodeDistHeader(writer *WriterCache, atomNames []string) ([]byte, error) {
	if len(atomNames) == 0 {
		return []byte{tagDistHeader, 0}, nil
	}
	if len(atomNames) > 255 {
		return nil, &edperr.EncodeError{Reason: fmt.Sprintf("distribution header cannot announce more than 255 atoms in one batch, got %d", len(atomNames))}
	}
	refs := make([]cacheRef, len(atomNames))
	for i, name := range atomNames {
		slot, cached := writer.reserve(name)
		refs[i] = cacheRef{Index: slot, NewName: name, IsNew: !cached, LongLen: len(name) > 255}
	}

	buf := []byte{tagDistHeader, byte(len(refs))}

	// Flags are packed two nibbles per byte, low nibble first, in ref order.
	// Each nibble carries that entry's new-entry and long-length bits; no
	// separate header-wide long-atoms flag is written. The block is
	// len(refs)/2+1 bytes, the size DecodeDistHeader reads.
	flagBytes := make([]byte, len(refs)/2+1)
	for i, r := range refs {
		var nib byte
		if r.IsNew {
			nib |= distFlagNewCacheEntry
		}
		if r.LongLen {
			nib |= distFlagLongAtoms
		}
		byteIdx := i / 2
		if i%2 == 0 {
			flagBytes[byteIdx] |= nib
		} else {
			flagBytes[byteIdx] |= nib << 4
		}
	}
	buf = append(buf, flagBytes...)

	for _, r := range refs {
		buf = append(buf, byte(r.Index))
		if !r.IsNew {
			continue
		}
		if r.LongLen {
			buf = appendUint16(buf, uint16(len(r.NewName)))
		} else {
			buf = append(buf, byte(len(r.NewName)))
		}
		buf = append(buf, r.NewName...)
	}
	return buf, nil
}

// DecodeDistHeader parses a tag-68 (or tag-69, fragmented) distribution
// header starting just after the tag byte already consumed by the caller,
// applies any new-entry announcements to cache, and returns the full set of
// refs in header order so the caller can resolve subsequent atom-cache-ref
// terms in the control message and payload that follow.
func DecodeDistHeader(data []byte, cache *AtomCache) (DistHeader, int, error) {
	d := &decoder{buf: data}
	n, err := d.readByte()
	if err != nil {
		return DistHeader{}, 0, err
	}
	if n == 0 {
		return DistHeader{}, d.pos, nil
	}
	flagBytesLen := int(n)/2 + 1
	flagBytes, err := d.readN(flagBytesLen)
	if err != nil {
		return DistHeader{}, 0, err
	}
	refs := make([]cacheRef, n)
	for i := 0; i < int(n); i++ {
		byteIdx := i / 2
		var nib byte
		if i%2 == 0 {
			nib = flagBytes[byteIdx] & 0x0f
		} else {
			nib = (flagBytes[byteIdx] >> 4) & 0x0f
		}
		isNew := nib&distFlagNewCacheEntry != 0
		longLen := nib&distFlagLongAtoms != 0

		idx, err := d.readByte()
		if err != nil {
			return DistHeader{}, 0, err
		}
		ref := cacheRef{Index: int(idx), IsNew: isNew, LongLen: longLen}
		if isNew {
			var length int
			if longLen {
				v, err := d.readUint16()
				if err != nil {
					return DistHeader{}, 0, err
				}
				length = int(v)
			} else {
				b, err := d.readByte()
				if err != nil {
					return DistHeader{}, 0, err
				}
				length = int(b)
			}
			nameBytes, err := d.readN(length)
			if err != nil {
				return DistHeader{}, 0, err
			}
			name := string(nameBytes)
			ref.NewName = name
			if err := cache.Store(int(idx), name); err != nil {
				return DistHeader{}, 0, err
			}
		} else {
			if _, err := cache.Lookup(int(idx)); err != nil {
				return DistHeader{}, 0, &edperr.ContextualDecodeError{Context: "distribution header cache reference", Err: err}
			}
		}
		refs[i] = ref
	}
	return DistHeader{Refs: refs}, d.pos, nil
}

// FragmentHeader is the decoded form of ETF tag 69: a distribution header
// variant used for fragmented messages, carrying the sequence id and
// fragment id ahead of the same flags/refs structure as tag 68.
type FragmentHeader struct {
	SequenceID uint64
	FragmentID uint64
	DistHeader DistHeader
}

// DecodeFragmentHeader parses a tag-69 header starting just after the tag
// byte, including the nested distribution header, applying cache updates to
// cache exactly as DecodeDistHeader does.
func DecodeFragmentHeader(data []byte, cache *AtomCache) (FragmentHeader, int, error) {
	d := &decoder{buf: data}
	seq, err := d.readUint64()
	if err != nil {
		return FragmentHeader{}, 0, err
	}
	frag, err := d.readUint64()
	if err != nil {
		return FragmentHeader{}, 0, err
	}
	rest := d.buf[d.pos:]
	dh, consumed, err := DecodeDistHeader(rest, cache)
	if err != nil {
		return FragmentHeader{}, 0, err
	}
	return FragmentHeader{SequenceID: seq, FragmentID: frag, DistHeader: dh}, d.pos + consumed, nil
}

package etf

import (
	"errors"
	"testing"

	"github.com/edpclient/edp/internal/edperr"
)

// TestDecodeNeverPanics is the corruption-robustness suite: every
// malformed input must return an error, never panic.
func TestDecodeNeverPanics(t *testing.T) {
	cases := map[string][]byte{
		"empty input":               {},
		"bad version byte":          {0x00},
		"truncated after version":   {tagVersion},
		"truncated small atom":      {tagVersion, tagSmallAtomUTF8, 5, 'h', 'i'},
		"truncated integer":         {tagVersion, tagInteger, 0, 0},
		"truncated small tuple":     {tagVersion, tagSmallTuple, 2, tagSmallInteger, 1},
		"truncated list count":      {tagVersion, tagList, 0, 0},
		"truncated binary length":   {tagVersion, tagBinary, 0xFF},
		"atom length over max":      {tagVersion, tagAtomUTF8, 0x01, 0x00}, // claims 256-byte atom
		"cache ref with no cache":   {tagVersion, tagAtomCacheRef, 0},
		"huge list length overflow": {tagVersion, tagList, 0xFF, 0xFF, 0xFF, 0xFF},
		"unknown tag":               {tagVersion, 0xFE},
		"invalid utf8 atom":         {tagVersion, tagSmallAtomUTF8, 1, 0xFF},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Decode panicked on %q input: %v", name, r)
				}
			}()
			_, err := Decode(input)
			if err == nil {
				t.Fatalf("Decode(%q) = nil error, want an error", name)
			}
		})
	}
}

func TestDecodeEmptyInputIsDecodeError(t *testing.T) {
	_, err := Decode(nil)
	var decErr *edperr.DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("Decode(nil) error = %v (%T), want *edperr.DecodeError", err, err)
	}
}

func TestDecodeWrongVersionByte(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02})
	if err == nil {
		t.Fatal("expected error for non-131 leading byte")
	}
}

func TestAtomCacheRefOutOfRange(t *testing.T) {
	cache := NewAtomCache()
	if err := cache.Store(5, "five"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := cache.Lookup(2048); err == nil {
		t.Fatal("expected error for out-of-range lookup")
	}
	if _, err := cache.Lookup(6); err == nil {
		t.Fatal("expected error for unpopulated slot")
	}
	name, err := cache.Lookup(5)
	if err != nil {
		t.Fatalf("Lookup(5): %v", err)
	}
	if name != "five" {
		t.Fatalf("Lookup(5) = %q, want five", name)
	}
}

func TestAtomCacheStoreOutOfRange(t *testing.T) {
	cache := NewAtomCache()
	if err := cache.Store(-1, "x"); err == nil {
		t.Fatal("expected error for negative index")
	}
	if err := cache.Store(CacheSlots, "x"); err == nil {
		t.Fatal("expected error for index at CacheSlots")
	}
}

func TestDistHeaderRoundTrip(t *testing.T) {
	writer := NewWriterCache()
	header, err := EncodeDistHeader(writer, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("EncodeDistHeader: %v", err)
	}
	if header[0] != tagDistHeader {
		t.Fatalf("expected tag byte %d, got %d", tagDistHeader, header[0])
	}

	cache := NewAtomCache()
	dh, consumed, err := DecodeDistHeader(header[1:], cache)
	if err != nil {
		t.Fatalf("DecodeDistHeader: %v", err)
	}
	if consumed != len(header)-1 {
		t.Fatalf("consumed %d bytes, want %d", consumed, len(header)-1)
	}
	if len(dh.Refs) != 2 {
		t.Fatalf("got %d refs, want 2", len(dh.Refs))
	}
	alpha, err := cache.Lookup(dh.Refs[0].Index)
	if err != nil {
		t.Fatalf("Lookup after header decode: %v", err)
	}
	if alpha != "alpha" {
		t.Fatalf("cache slot 0 = %q, want alpha", alpha)
	}
}

func TestDistHeaderEmptyBatch(t *testing.T) {
	writer := NewWriterCache()
	header, err := EncodeDistHeader(writer, nil)
	if err != nil {
		t.Fatalf("EncodeDistHeader: %v", err)
	}
	if len(header) != 2 || header[1] != 0 {
		t.Fatalf("empty batch header = %x, want [tagDistHeader, 0]", header)
	}
	cache := NewAtomCache()
	dh, _, err := DecodeDistHeader(header[1:], cache)
	if err != nil {
		t.Fatalf("DecodeDistHeader: %v", err)
	}
	if len(dh.Refs) != 0 {
		t.Fatalf("expected no refs, got %d", len(dh.Refs))
	}
}

func TestDistHeaderReferenceToUnknownSlot(t *testing.T) {
	// flags byte count for n=1 entries is 1; entry not marked new, index 9
	// which was never populated.
	data := []byte{1, 0x00, 9}
	cache := NewAtomCache()
	_, _, err := DecodeDistHeader(data, cache)
	if err == nil {
		t.Fatal("expected error referencing an unpopulated cache slot")
	}
}

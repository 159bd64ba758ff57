package etf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/edpclient/edp/internal/edperr"
)

// decoder walks a byte slice left to right, tracking position. It never
// panics on malformed input — every read that would run past the end of buf
// returns an UnexpectedEofError.
type decoder struct {
	buf []byte
	pos int
}

// Decode consumes the leading 0x83 version byte and parses exactly one term.
// Trailing bytes after that term are not rejected: callers that need strict
// single-term framing use DecodePrefix and compare the consumed count with
// len(data). Decode itself only guarantees it does not read past a complete
// term.
func Decode(data []byte) (Term, error) {
	term, _, err := DecodePrefix(data)
	return term, err
}

// DecodePrefix behaves like Decode but also returns the number of bytes of
// data that were consumed, so callers can detect trailing garbage or chain
// multiple terms (as the distribution layer does for control tuple + payload).
func DecodePrefix(data []byte) (Term, int, error) {
	d := &decoder{buf: data}
	if len(d.buf) == 0 {
		return nil, 0, &edperr.DecodeError{Reason: "empty input"}
	}
	tag, err := d.readByte()
	if err != nil {
		return nil, 0, err
	}
	if tag != tagVersion {
		return nil, 0, &edperr.DecodeError{Reason: fmt.Sprintf("expected version byte 131, got %d", tag)}
	}
	term, err := d.decodeTerm(nil)
	if err != nil {
		return nil, 0, err
	}
	return term, d.pos, nil
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, &edperr.UnexpectedEofError{Context: "reading tag byte"}
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readN(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, &edperr.UnexpectedEofError{Context: fmt.Sprintf("reading %d bytes", n)}
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readUint16() (uint16, error) {
	b, err := d.readN(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) readUint32() (uint32, error) {
	b, err := d.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) readUint64() (uint64, error) {
	b, err := d.readN(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// decodeTerm parses one term. cache is nil outside of a distribution-message
// context; when non-nil, tag 82 (atom cache ref) resolves against it.
func (d *decoder) decodeTerm(cache *AtomCache) (Term, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagAtomLatin1Legacy:
		return d.decodeAtomLatin1(2)
	case tagAtomSmallLatin1:
		return d.decodeAtomLatin1(1)
	case tagAtomUTF8:
		return d.decodeAtomUTF8(2)
	case tagSmallAtomUTF8:
		return d.decodeAtomUTF8(1)
	case tagAtomCacheRef:
		return d.decodeAtomCacheRef(cache)
	case tagSmallInteger:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return Integer(b), nil
	case tagInteger:
		v, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		return Integer(int32(v)), nil
	case tagSmallBig:
		return d.decodeBigInt(1)
	case tagLargeBig:
		return d.decodeBigInt(4)
	case tagFloat:
		bits, err := d.readUint64()
		if err != nil {
			return nil, err
		}
		return Float(math.Float64frombits(bits)), nil
	case tagFloatLegacy:
		return d.decodeLegacyFloat()
	case tagSmallTuple:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return d.decodeTupleElements(int(n), cache)
	case tagLargeTuple:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		return d.decodeTupleElements(int(n), cache)
	case tagNil:
		return Nil{}, nil
	case tagString:
		return d.decodeString()
	case tagList:
		return d.decodeList(cache)
	case tagMap:
		return d.decodeMap(cache)
	case tagBinary:
		return d.decodeBinary()
	case tagBitBinary:
		return d.decodeBitBinary()
	case tagNewPid:
		return d.decodePid(cache)
	case tagNewerRef:
		return d.decodeNewerReference(cache)
	case tagV4Port:
		return d.decodePort(cache)
	case tagPidLegacy:
		return d.decodeLegacyPid(cache)
	case tagPortLegacy:
		return d.decodeLegacyPort(cache)
	case tagRefLegacy, tagNewRefLegacy:
		return d.decodeLegacyReference(cache, tag == tagNewRefLegacy)
	case tagLocal:
		return Atom{Name: "$local"}, nil
	case tagNewFun, tagExportFun:
		return d.decodeOpaqueFun(tag)
	case tagCompressed:
		return d.decodeCompressed(cache)
	default:
		return nil, &edperr.DecodeError{Reason: fmt.Sprintf("unknown or unsupported tag %d", tag)}
	}
}

func (d *decoder) decodeAtomLatin1(lenBytes int) (Term, error) {
	n, err := d.readAtomLen(lenBytes)
	if err != nil {
		return nil, err
	}
	raw, err := d.readN(n)
	if err != nil {
		return nil, err
	}
	// Latin-1 bytes 0x80-0xFF map 1:1 to the same Unicode code points.
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return Atom{Name: string(runes), Encoding: AtomLatin1}, nil
}

func (d *decoder) decodeAtomUTF8(lenBytes int) (Term, error) {
	n, err := d.readAtomLen(lenBytes)
	if err != nil {
		return nil, err
	}
	raw, err := d.readN(n)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(raw) {
		return nil, &edperr.DecodeError{Reason: "invalid UTF-8 in atom"}
	}
	return Atom{Name: string(raw), Encoding: AtomUTF8}, nil
}

func (d *decoder) readAtomLen(lenBytes int) (int, error) {
	var n int
	if lenBytes == 1 {
		b, err := d.readByte()
		if err != nil {
			return 0, err
		}
		n = int(b)
	} else {
		v, err := d.readUint16()
		if err != nil {
			return 0, err
		}
		n = int(v)
	}
	if n > MaxAtomBytes {
		return 0, &edperr.DecodeError{Reason: fmt.Sprintf("atom length %d exceeds maximum of %d", n, MaxAtomBytes)}
	}
	return n, nil
}

func (d *decoder) decodeAtomCacheRef(cache *AtomCache) (Term, error) {
	idx, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if cache == nil {
		return nil, &edperr.DecodeError{Reason: "atom cache reference outside of a distribution header context"}
	}
	name, err := cache.Lookup(int(idx))
	if err != nil {
		return nil, err
	}
	return Atom{Name: name, Encoding: AtomUTF8}, nil
}

func (d *decoder) decodeBigInt(lenBytes int) (Term, error) {
	var n int
	if lenBytes == 1 {
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		n = int(b)
	} else {
		v, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		n = int(v)
	}
	signByte, err := d.readByte()
	if err != nil {
		return nil, err
	}
	mag, err := d.readN(n)
	if err != nil {
		return nil, err
	}
	negative := signByte != 0

	if n <= 8 {
		var u uint64
		for i := n - 1; i >= 0; i-- {
			u = u<<8 | uint64(mag[i])
		}
		if !negative && u <= math.MaxInt64 {
			return Integer(int64(u)), nil
		}
		if negative && u <= math.MaxInt64+1 {
			if u == math.MaxInt64+1 {
				return Integer(math.MinInt64), nil
			}
			return Integer(-int64(u)), nil
		}
	}
	cp := make([]byte, n)
	copy(cp, mag)
	return BigInt{Negative: negative, Bytes: cp}, nil
}

func (d *decoder) decodeLegacyFloat() (Term, error) {
	raw, err := d.readN(31)
	if err != nil {
		return nil, err
	}
	s := bytes.TrimRight(raw, "\x00")
	var f float64
	if _, err := fmt.Sscanf(string(s), "%g", &f); err != nil {
		return nil, &edperr.DecodeError{Reason: "malformed legacy float"}
	}
	return Float(f), nil
}

func (d *decoder) decodeTupleElements(n int, cache *AtomCache) (Term, error) {
	elems := make([]Term, n)
	for i := 0; i < n; i++ {
		t, err := d.decodeTerm(cache)
		if err != nil {
			return nil, &edperr.ContextualDecodeError{Context: fmt.Sprintf("tuple element %d", i), Err: err}
		}
		elems[i] = t
	}
	return Tuple{Elements: elems}, nil
}

func (d *decoder) decodeString() (Term, error) {
	n, err := d.readUint16()
	if err != nil {
		return nil, err
	}
	raw, err := d.readN(int(n))
	if err != nil {
		return nil, err
	}
	elems := make([]Term, len(raw))
	for i, b := range raw {
		elems[i] = Integer(b)
	}
	return List{Elements: elems, Tail: Nil{}}, nil
}

func (d *decoder) decodeList(cache *AtomCache) (Term, error) {
	n, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	const maxReasonableList = 64 * 1024 * 1024
	if n > maxReasonableList && d.pos+int(n) > len(d.buf) {
		return nil, &edperr.UnexpectedEofError{Context: "list element count exceeds remaining input"}
	}
	elems := make([]Term, 0, min(int(n), 1024))
	for i := uint32(0); i < n; i++ {
		t, err := d.decodeTerm(cache)
		if err != nil {
			return nil, &edperr.ContextualDecodeError{Context: fmt.Sprintf("list element %d", i), Err: err}
		}
		elems = append(elems, t)
	}
	tail, err := d.decodeTerm(cache)
	if err != nil {
		return nil, &edperr.ContextualDecodeError{Context: "list tail", Err: err}
	}
	return List{Elements: elems, Tail: tail}, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (d *decoder) decodeMap(cache *AtomCache) (Term, error) {
	n, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	pairs := make([]MapPair, 0, min(int(n), 1024))
	for i := uint32(0); i < n; i++ {
		k, err := d.decodeTerm(cache)
		if err != nil {
			return nil, &edperr.ContextualDecodeError{Context: fmt.Sprintf("map key %d", i), Err: err}
		}
		v, err := d.decodeTerm(cache)
		if err != nil {
			return nil, &edperr.ContextualDecodeError{Context: fmt.Sprintf("map value %d", i), Err: err}
		}
		pairs = append(pairs, MapPair{Key: k, Value: v})
	}
	return Map{Pairs: pairs}, nil
}

func (d *decoder) decodeBinary() (Term, error) {
	n, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	raw, err := d.readN(int(n))
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return Binary(cp), nil
}

func (d *decoder) decodeBitBinary() (Term, error) {
	n, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	trailing, err := d.readByte()
	if err != nil {
		return nil, err
	}
	raw, err := d.readN(int(n))
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return BitBinary{Data: cp, TrailingBits: trailing}, nil
}

func (d *decoder) decodeAtomTerm(cache *AtomCache) (Atom, error) {
	t, err := d.decodeTerm(cache)
	if err != nil {
		return Atom{}, err
	}
	a, ok := t.(Atom)
	if !ok {
		return Atom{}, &edperr.DecodeError{Reason: fmt.Sprintf("expected atom, got %T", t)}
	}
	return a, nil
}

func (d *decoder) decodePid(cache *AtomCache) (Term, error) {
	node, err := d.decodeAtomTerm(cache)
	if err != nil {
		return nil, err
	}
	id, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	serial, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	creation, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	return Pid{Node: node, ID: id, Serial: serial, Creation: creation}, nil
}

func (d *decoder) decodeLegacyPid(cache *AtomCache) (Term, error) {
	node, err := d.decodeAtomTerm(cache)
	if err != nil {
		return nil, err
	}
	id, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	serial, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	creation, err := d.readByte()
	if err != nil {
		return nil, err
	}
	return Pid{Node: node, ID: id, Serial: serial, Creation: uint32(creation)}, nil
}

func (d *decoder) decodeNewerReference(cache *AtomCache) (Term, error) {
	idLen, err := d.readUint16()
	if err != nil {
		return nil, err
	}
	node, err := d.decodeAtomTerm(cache)
	if err != nil {
		return nil, err
	}
	creation, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, idLen)
	for i := range ids {
		ids[i], err = d.readUint32()
		if err != nil {
			return nil, err
		}
	}
	return Reference{Node: node, Creation: creation, IDs: ids}, nil
}

func (d *decoder) decodeLegacyReference(cache *AtomCache, extended bool) (Term, error) {
	var idLen uint16 = 1
	if extended {
		v, err := d.readUint16()
		if err != nil {
			return nil, err
		}
		idLen = v
	}
	node, err := d.decodeAtomTerm(cache)
	if err != nil {
		return nil, err
	}
	creation, err := d.readByte()
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, idLen)
	for i := range ids {
		ids[i], err = d.readUint32()
		if err != nil {
			return nil, err
		}
	}
	return Reference{Node: node, Creation: uint32(creation), IDs: ids}, nil
}

func (d *decoder) decodePort(cache *AtomCache) (Term, error) {
	node, err := d.decodeAtomTerm(cache)
	if err != nil {
		return nil, err
	}
	id, err := d.readUint64()
	if err != nil {
		return nil, err
	}
	creation, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	return Port{Node: node, ID: id, Creation: creation}, nil
}

func (d *decoder) decodeLegacyPort(cache *AtomCache) (Term, error) {
	node, err := d.decodeAtomTerm(cache)
	if err != nil {
		return nil, err
	}
	id, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	creation, err := d.readByte()
	if err != nil {
		return nil, err
	}
	return Port{Node: node, ID: uint64(id), Creation: uint32(creation)}, nil
}

// decodeOpaqueFun consumes a fun literal without interpreting its structure,
// carrying it opaquely. It re-parses just enough of the shape to find the
// end of the term so later siblings decode correctly.
func (d *decoder) decodeOpaqueFun(tag byte) (Term, error) {
	start := d.pos - 1 // include the tag byte already consumed
	switch tag {
	case tagNewFun:
		if d.pos+4 > len(d.buf) {
			return nil, &edperr.UnexpectedEofError{Context: "new fun size header"}
		}
		size := binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4])
		end := start + int(size)
		if end > len(d.buf) || end < start {
			return nil, &edperr.UnexpectedEofError{Context: "new fun body"}
		}
		d.pos = end
		cp := make([]byte, end-start)
		copy(cp, d.buf[start:end])
		return Fun{Raw: cp}, nil
	case tagExportFun:
		// module (atom) + function (atom) + arity (small int)
		save := d.pos
		if _, err := d.decodeAtomTerm(nil); err != nil {
			d.pos = save
			return nil, err
		}
		if _, err := d.decodeAtomTerm(nil); err != nil {
			return nil, err
		}
		if _, err := d.readByte(); err != nil { // arity tag
			return nil, err
		}
		if _, err := d.readByte(); err != nil { // arity value
			return nil, err
		}
		cp := make([]byte, d.pos-start)
		copy(cp, d.buf[start:d.pos])
		return Fun{Raw: cp}, nil
	default:
		return nil, &edperr.DecodeError{Reason: "unsupported fun tag"}
	}
}

// decodeCompressed inflates a zlib-wrapped term and decodes the result,
// which starts directly with a term tag (no repeated version byte).
func (d *decoder) decodeCompressed(cache *AtomCache) (Term, error) {
	uncompressedSize, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	rest := d.buf[d.pos:]
	zr, err := zlib.NewReader(bytes.NewReader(rest))
	if err != nil {
		return nil, &edperr.DecodeError{Reason: "malformed zlib stream: " + err.Error()}
	}
	defer zr.Close()
	out := make([]byte, 0, uncompressedSize)
	buf := make([]byte, 4096)
	for {
		n, rerr := zr.Read(buf)
		out = append(out, buf[:n]...)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, &edperr.DecodeError{Reason: "zlib read: " + rerr.Error()}
		}
	}
	inner := &decoder{buf: out}
	term, err := inner.decodeTerm(cache)
	if err != nil {
		return nil, err
	}
	// Advance the outer decoder past the entire compressed region; the
	// caller has no further use for byte-exact consumption tracking here
	// since COMPRESSED only ever appears as a whole top-level term.
	d.pos = len(d.buf)
	return term, nil
}

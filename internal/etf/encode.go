package etf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/edpclient/edp/internal/edperr"
)

// Encode serializes term as a complete ETF value, prefixed with the 0x83
// version byte.
func Encode(term Term) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, tagVersion)
	buf, err := encodeTerm(buf, term)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func encodeTerm(buf []byte, term Term) ([]byte, error) {
	switch t := term.(type) {
	case Atom:
		return encodeAtom(buf, t), nil
	case Integer:
		return encodeInteger(buf, t), nil
	case BigInt:
		return encodeBigInt(buf, t)
	case Float:
		return encodeFloat(buf, t), nil
	case Binary:
		return encodeBinary(buf, t), nil
	case BitBinary:
		return encodeBitBinary(buf, t), nil
	case Tuple:
		return encodeTuple(buf, t)
	case List:
		return encodeList(buf, t)
	case Nil:
		return append(buf, tagNil), nil
	case Map:
		return encodeMap(buf, t)
	case Pid:
		return encodePid(buf, t), nil
	case Reference:
		return encodeReference(buf, t), nil
	case Port:
		return encodePort(buf, t), nil
	case Fun:
		return append(buf, t.Raw...), nil
	default:
		return nil, &edperr.EncodeError{Reason: fmt.Sprintf("unsupported term type %T", term)}
	}
}

func encodeAtom(buf []byte, a Atom) []byte {
	name := a.Name
	if len(name) <= 255 {
		buf = append(buf, tagSmallAtomUTF8, byte(len(name)))
		return append(buf, name...)
	}
	buf = append(buf, tagAtomUTF8)
	buf = appendUint16(buf, uint16(len(name)))
	return append(buf, name...)
}

func encodeInteger(buf []byte, i Integer) []byte {
	switch {
	case i >= 0 && i <= 255:
		return append(buf, tagSmallInteger, byte(i))
	case i >= math.MinInt32 && i <= math.MaxInt32:
		buf = append(buf, tagInteger)
		return appendUint32(buf, uint32(int32(i)))
	default:
		return encodeBigIntFromInt64(buf, int64(i))
	}
}

func encodeBigIntFromInt64(buf []byte, v int64) []byte {
	neg := v < 0
	u := uint64(v)
	if neg {
		u = uint64(-v)
	}
	var mag []byte
	for u > 0 {
		mag = append(mag, byte(u))
		u >>= 8
	}
	if len(mag) == 0 {
		mag = []byte{0}
	}
	buf = append(buf, tagSmallBig, byte(len(mag)))
	buf = append(buf, boolByte(neg))
	return append(buf, mag...)
}

func encodeBigInt(buf []byte, b BigInt) ([]byte, error) {
	n := len(b.Bytes)
	if n <= 255 {
		buf = append(buf, tagSmallBig, byte(n))
		buf = append(buf, boolByte(b.Negative))
		return append(buf, b.Bytes...), nil
	}
	buf = append(buf, tagLargeBig)
	buf = appendUint32(buf, uint32(n))
	buf = append(buf, boolByte(b.Negative))
	return append(buf, b.Bytes...), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func encodeFloat(buf []byte, f Float) []byte {
	buf = append(buf, tagFloat)
	return appendUint64(buf, math.Float64bits(float64(f)))
}

func encodeBinary(buf []byte, b Binary) []byte {
	buf = append(buf, tagBinary)
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func encodeBitBinary(buf []byte, b BitBinary) []byte {
	buf = append(buf, tagBitBinary)
	buf = appendUint32(buf, uint32(len(b.Data)))
	buf = append(buf, b.TrailingBits)
	return append(buf, b.Data...)
}

func encodeTuple(buf []byte, t Tuple) ([]byte, error) {
	n := len(t.Elements)
	if n <= 255 {
		buf = append(buf, tagSmallTuple, byte(n))
	} else {
		buf = append(buf, tagLargeTuple)
		buf = appendUint32(buf, uint32(n))
	}
	var err error
	for _, el := range t.Elements {
		buf, err = encodeTerm(buf, el)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func encodeList(buf []byte, l List) ([]byte, error) {
	if len(l.Elements) == 0 {
		return append(buf, tagNil), nil
	}
	buf = append(buf, tagList)
	buf = appendUint32(buf, uint32(len(l.Elements)))
	var err error
	for _, el := range l.Elements {
		buf, err = encodeTerm(buf, el)
		if err != nil {
			return nil, err
		}
	}
	tail := l.Tail
	if tail == nil {
		tail = Nil{}
	}
	return encodeTerm(buf, tail)
}

func encodeMap(buf []byte, m Map) ([]byte, error) {
	buf = append(buf, tagMap)
	buf = appendUint32(buf, uint32(len(m.Pairs)))
	var err error
	for _, p := range m.Pairs {
		buf, err = encodeTerm(buf, p.Key)
		if err != nil {
			return nil, err
		}
		buf, err = encodeTerm(buf, p.Value)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func encodePid(buf []byte, p Pid) []byte {
	buf = append(buf, tagNewPid)
	buf = encodeAtom(buf, p.Node)
	buf = appendUint32(buf, p.ID)
	buf = appendUint32(buf, p.Serial)
	return appendUint32(buf, p.Creation)
}

func encodeReference(buf []byte, r Reference) []byte {
	buf = append(buf, tagNewerRef)
	buf = appendUint16(buf, uint16(len(r.IDs)))
	buf = encodeAtom(buf, r.Node)
	buf = appendUint32(buf, r.Creation)
	for _, id := range r.IDs {
		buf = appendUint32(buf, id)
	}
	return buf
}

func encodePort(buf []byte, p Port) []byte {
	buf = append(buf, tagV4Port)
	buf = encodeAtom(buf, p.Node)
	buf = appendUint64(buf, p.ID)
	return appendUint32(buf, p.Creation)
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

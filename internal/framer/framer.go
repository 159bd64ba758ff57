// Package framer strips and prefixes the big-endian length word that wraps
// every message on an EDP connection: two bytes during the handshake, four
// bytes once the connection has switched to distribution mode. It owns no
// socket state itself — callers pass an io.Reader/io.Writer (typically the
// net.Conn wrapped by internal/connmgr) and get back exactly one frame's
// payload per call.
package framer

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/edpclient/edp/internal/edperr"
)

// Mode selects the length-prefix width and the maximum payload size for a
// connection. A connection starts in Handshake and switches to
// Distribution exactly once, at the moment the handshake engine reaches
// Connected, before any further I/O.
type Mode int

const (
	// Handshake frames are 2-byte length-prefixed, max 64 KiB.
	Handshake Mode = iota
	// Distribution frames are 4-byte length-prefixed, max 256 MiB. A
	// zero-length distribution frame is a heartbeat tick, not an error.
	Distribution
)

const (
	handshakeMaxSize    = 64 * 1024
	distributionMaxSize = 256 * 1024 * 1024
)

func (m Mode) prefixWidth() int {
	if m == Handshake {
		return 2
	}
	return 4
}

func (m Mode) maxSize() uint32 {
	if m == Handshake {
		return handshakeMaxSize
	}
	return distributionMaxSize
}

func (m Mode) String() string {
	if m == Handshake {
		return "handshake"
	}
	return "distribution"
}

// Framer reads and writes length-prefixed frames on a single connection,
// switching prefix width when the caller calls SetMode. It is not safe for
// concurrent use by more than one reader and one writer goroutine at once —
// the same split the distribution layer keeps between its reader and writer
// tasks.
type Framer struct {
	mode Mode
}

// New returns a Framer starting in Handshake mode
// ("a connection is born Disconnected, walks the handshake").
func New() *Framer {
	return &Framer{mode: Handshake}
}

// Mode reports the current framing mode.
func (f *Framer) Mode() Mode { return f.mode }

// SetMode switches the framing mode. Callers must only call this once, at
// the Connected transition, and must not have any frame read or write
// in flight when they do.
func (f *Framer) SetMode(m Mode) { f.mode = m }

// ReadFrame reads exactly one length-prefixed frame from r. In Distribution
// mode a zero-length frame is returned as a non-nil, zero-length slice (the
// heartbeat tick); callers must check len(frame) == 0 to detect it rather
// than treating it as an error.
func (f *Framer) ReadFrame(r io.Reader) ([]byte, error) {
	width := f.mode.prefixWidth()
	lenBuf := make([]byte, width)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &edperr.ConnectionClosedError{Reason: "peer closed while reading frame length"}
		}
		return nil, edperr.NewIOError("framer: read frame length", err)
	}

	var size uint32
	if width == 2 {
		size = uint32(binary.BigEndian.Uint16(lenBuf))
	} else {
		size = binary.BigEndian.Uint32(lenBuf)
	}

	max := f.mode.maxSize()
	if size > max {
		return nil, &edperr.MessageTooLargeError{Size: size, Max: max}
	}
	if size == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &edperr.ConnectionClosedError{Reason: "peer closed mid-frame"}
		}
		return nil, edperr.NewIOError("framer: read frame payload", err)
	}
	return payload, nil
}

// WriteFrame writes payload as exactly one length-prefixed frame to w. It
// fails with MessageTooLargeError before writing anything if payload
// exceeds the current mode's ceiling.
func (f *Framer) WriteFrame(w io.Writer, payload []byte) error {
	width := f.mode.prefixWidth()
	size := len(payload)
	max := f.mode.maxSize()
	if uint32(size) > max {
		return &edperr.MessageTooLargeError{Size: uint32(size), Max: max}
	}

	buf := make([]byte, width+size)
	if width == 2 {
		binary.BigEndian.PutUint16(buf, uint16(size))
	} else {
		binary.BigEndian.PutUint32(buf, uint32(size))
	}
	copy(buf[width:], payload)

	if _, err := w.Write(buf); err != nil {
		return edperr.NewIOError("framer: write frame", err)
	}
	return nil
}

// WriteTick writes a zero-length distribution-mode frame, the heartbeat
// keepalive. It is only valid once the framer has switched to Distribution
// mode.
func (f *Framer) WriteTick(w io.Writer) error {
	if f.mode != Distribution {
		return fmt.Errorf("framer: tick frames are only valid in distribution mode, got %s", f.mode)
	}
	return f.WriteFrame(w, nil)
}

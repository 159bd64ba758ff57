package dist

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/edpclient/edp/internal/edperr"
	"github.com/edpclient/edp/internal/etf"
	"github.com/edpclient/edp/internal/framer"
)

// Dispatcher is the local-runtime side of routing: internal/node implements
// this to receive decoded messages without internal/dist importing
// internal/node (the dependency runs the other way).
type Dispatcher interface {
	Dispatch(msg Message)
}

// Reader drives one connection's inbound stream: read a frame, classify it
// (tick / fragment / complete message), reassemble as needed, decode, and
// dispatch — a receive, validate, classify-terminal-vs-transient, dispatch
// loop.
type Reader struct {
	f            *framer.Framer
	cache        *etf.AtomCache
	reassembler  *FragmentReassembler
	dispatcher   Dispatcher
	log          *slog.Logger
}

// NewReader returns a Reader for one connection, already switched to
// Distribution mode, dispatching complete messages to dispatcher.
func NewReader(f *framer.Framer, dispatcher Dispatcher, sessionTimeout time.Duration, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reader{
		f:           f,
		cache:       etf.NewAtomCache(),
		reassembler: NewFragmentReassembler(sessionTimeout),
		dispatcher:  dispatcher,
		log:         log,
	}
}

// Run reads frames from conn in a loop, dispatching decoded messages, until
// a terminal error ends the loop: the connection closing, a MessageTooLarge
// frame, or an unrecoverable distribution- or fragment-header parse
// (*HeaderDecodeError). Per the propagation policy, malformed
// control/payload content is logged and dropped without killing the
// connection; any other read error, such as an *edperr.IOError, is logged
// and the loop reads again.
func (r *Reader) Run(conn io.Reader) error {
	for {
		frame, err := r.f.ReadFrame(conn)
		if err != nil {
			if isTerminalReadError(err) {
				return err
			}
			r.log.Warn("dist: transient read error, continuing", slog.Any("error", err))
			continue
		}

		if len(frame) == 0 {
			r.log.Debug("dist: received heartbeat tick")
			continue
		}

		if err := r.handleFrame(frame); err != nil {
			var headerErr *HeaderDecodeError
			if errors.As(err, &headerErr) {
				return err
			}
			r.log.Warn("dist: dropping malformed message", slog.Any("error", err))
			continue
		}
	}
}

// handleFrame decodes and dispatches one frame. Per the
// propagation policy, only an unrecoverable distribution-header or
// fragment-header parse (reported as *HeaderDecodeError) kills the
// connection; control-tuple or payload decode failures are reported but
// otherwise dropped.
func (r *Reader) handleFrame(frame []byte) error {
	if frame[0] == distHeaderFragmentTag {
		fh, consumed, err := etf.DecodeFragmentHeader(frame[1:], r.cache)
		if err != nil {
			return &HeaderDecodeError{Err: err}
		}
		body := frame[1+consumed:]
		complete, done := r.reassembler.Feed(fh.SequenceID, fh.FragmentID, body, time.Now())
		if !done {
			return nil
		}
		msg, err := DecodeReassembled(complete, r.cache)
		if err != nil {
			return err
		}
		r.dispatcher.Dispatch(msg)
		return nil
	}

	msg, err := DecodeMessage(frame, r.cache)
	if err != nil {
		return err
	}
	r.dispatcher.Dispatch(msg)
	return nil
}

// isTerminalReadError reports whether err at the framing level should end
// the reader loop entirely, versus being a one-off that the loop can
// survive. Framing desync (MessageTooLarge) and connection loss
// (ConnectionClosed, io.EOF) are terminal; everything else, including an
// *edperr.IOError from the framer, is treated as recoverable at this layer.
func isTerminalReadError(err error) bool {
	var closedErr *edperr.ConnectionClosedError
	var tooLarge *edperr.MessageTooLargeError
	return errors.As(err, &closedErr) || errors.As(err, &tooLarge) || errors.Is(err, io.EOF)
}

// HeaderDecodeError marks a failure decoding the distribution header or
// fragment header itself (as opposed to the control tuple or payload that
// follows it), which is the one class of decode failure that
// ends the connection rather than being dropped.
type HeaderDecodeError struct {
	Err error
}

func (e *HeaderDecodeError) Error() string { return "dist: header decode failed: " + e.Err.Error() }
func (e *HeaderDecodeError) Unwrap() error  { return e.Err }

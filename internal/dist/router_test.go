package dist

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/edpclient/edp/internal/edperr"
	"github.com/edpclient/edp/internal/etf"
	"github.com/edpclient/edp/internal/framer"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	messages []Message
	done     chan struct{}
	want     int
}

func newRecordingDispatcher(want int) *recordingDispatcher {
	return &recordingDispatcher{done: make(chan struct{}), want: want}
}

func (d *recordingDispatcher) Dispatch(msg Message) {
	d.mu.Lock()
	d.messages = append(d.messages, msg)
	n := len(d.messages)
	d.mu.Unlock()
	if n == d.want {
		close(d.done)
	}
}

func (d *recordingDispatcher) snapshot() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Message, len(d.messages))
	copy(out, d.messages)
	return out
}

func newDistributionFramers() (client, server *framer.Framer) {
	client, server = framer.New(), framer.New()
	client.SetMode(framer.Distribution)
	server.SetMode(framer.Distribution)
	return client, server
}

func TestReaderDispatchesSingleMessage(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientFramer, serverFramer := newDistributionFramers()
	dispatcher := newRecordingDispatcher(1)
	reader := NewReader(serverFramer, dispatcher, time.Minute, nil)

	go func() {
		writer := etf.NewWriterCache()
		msg := Message{Control: Control{Op: OpLink, Link: &LinkArgs{From: pid("a@host", 1), To: pid("a@host", 2)}}}
		encoded, err := EncodeMessage(writer, msg)
		if err != nil {
			t.Errorf("EncodeMessage: %v", err)
			return
		}
		if err := clientFramer.WriteFrame(clientConn, encoded); err != nil {
			t.Errorf("WriteFrame: %v", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- reader.Run(serverConn) }()

	select {
	case <-dispatcher.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	msgs := dispatcher.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(msgs))
	}
	if msgs[0].Control.Op != OpLink {
		t.Fatalf("dispatched op = %v, want OpLink", msgs[0].Control.Op)
	}

	clientConn.Close()
	serverConn.Close()
	<-runErr
}

func TestReaderSkipsTicksAndContinues(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientFramer, serverFramer := newDistributionFramers()
	dispatcher := newRecordingDispatcher(1)
	reader := NewReader(serverFramer, dispatcher, time.Minute, nil)

	go func() {
		if err := clientFramer.WriteTick(clientConn); err != nil {
			t.Errorf("WriteTick: %v", err)
			return
		}
		writer := etf.NewWriterCache()
		msg := Message{Control: Control{Op: OpNodeLink, NodeLink: &NodeLinkArgs{}}}
		encoded, err := EncodeMessage(writer, msg)
		if err != nil {
			t.Errorf("EncodeMessage: %v", err)
			return
		}
		if err := clientFramer.WriteFrame(clientConn, encoded); err != nil {
			t.Errorf("WriteFrame: %v", err)
		}
	}()

	go reader.Run(serverConn)

	select {
	case <-dispatcher.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch after a tick")
	}
}

func TestReaderDropsMalformedControlAndContinues(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientFramer, serverFramer := newDistributionFramers()
	dispatcher := newRecordingDispatcher(1)
	reader := NewReader(serverFramer, dispatcher, time.Minute, nil)

	go func() {
		// A frame with no distribution header whose body is not a valid
		// ETF-encoded control tuple: the reader must log and drop it, not
		// terminate.
		if err := clientFramer.WriteFrame(clientConn, []byte{0xFE}); err != nil {
			t.Errorf("WriteFrame(malformed): %v", err)
			return
		}
		writer := etf.NewWriterCache()
		msg := Message{Control: Control{Op: OpNodeLink, NodeLink: &NodeLinkArgs{}}}
		encoded, err := EncodeMessage(writer, msg)
		if err != nil {
			t.Errorf("EncodeMessage: %v", err)
			return
		}
		if err := clientFramer.WriteFrame(clientConn, encoded); err != nil {
			t.Errorf("WriteFrame(valid): %v", err)
		}
	}()

	go reader.Run(serverConn)

	select {
	case <-dispatcher.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch after a malformed frame")
	}
}

func TestReaderStopsOnConnectionClosed(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	_, serverFramer := newDistributionFramers()
	dispatcher := newRecordingDispatcher(0)
	reader := NewReader(serverFramer, dispatcher, time.Minute, nil)

	runErr := make(chan error, 1)
	go func() { runErr <- reader.Run(serverConn) }()

	clientConn.Close()

	select {
	case err := <-runErr:
		if err == nil {
			t.Fatal("expected a terminal error when the peer closes the connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the connection closed")
	}
	serverConn.Close()
}

func TestReaderFragmentedMessageReassembles(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientFramer, serverFramer := newDistributionFramers()
	dispatcher := newRecordingDispatcher(1)
	reader := NewReader(serverFramer, dispatcher, time.Minute, nil)

	go func() {
		writer := etf.NewWriterCache()
		msg := Message{
			Control: Control{Op: OpRegSend, RegSend: &RegSendArgs{From: pid("a@host", 1), ToName: etf.Atom{Name: "collector"}}},
			Payload: etf.Atom{Name: "ping"},
		}
		full, err := EncodeMessage(writer, msg)
		if err != nil {
			t.Errorf("EncodeMessage: %v", err)
			return
		}
		mid := len(full) / 2
		first := append([]byte{distHeaderFragmentTag}, encodeFragmentHeaderForTest(t, 100, 2)...)
		first = append(first, full[:mid]...)
		second := append([]byte{distHeaderFragmentTag}, encodeFragmentHeaderForTest(t, 100, 1)...)
		second = append(second, full[mid:]...)

		if err := clientFramer.WriteFrame(clientConn, first); err != nil {
			t.Errorf("WriteFrame(fragment 2): %v", err)
			return
		}
		if err := clientFramer.WriteFrame(clientConn, second); err != nil {
			t.Errorf("WriteFrame(fragment 1): %v", err)
		}
	}()

	go reader.Run(serverConn)

	select {
	case <-dispatcher.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reassembled dispatch")
	}

	msgs := dispatcher.snapshot()
	if len(msgs) != 1 || msgs[0].Control.Op != OpRegSend {
		t.Fatalf("dispatched = %+v, want one OpRegSend message", msgs)
	}
}

// encodeFragmentHeaderForTest builds a minimal fragment header (sequence id,
// fragment id, and an empty atom-cache batch) for a test frame — fragment
// framing that does not exercise cache announcements in this test.
func encodeFragmentHeaderForTest(t *testing.T, sequenceID, fragmentID uint64) []byte {
	t.Helper()
	buf := make([]byte, 0, 8+8+1)
	buf = appendBigEndian64(buf, sequenceID)
	buf = appendBigEndian64(buf, fragmentID)
	buf = append(buf, 0) // empty atom-cache batch: zero entries
	return buf
}

func appendBigEndian64(buf []byte, v uint64) []byte {
	for i := 7; i >= 0; i-- {
		buf = append(buf, byte(v>>(8*uint(i))))
	}
	return buf
}

func TestIsTerminalReadErrorClassification(t *testing.T) {
	if !isTerminalReadError(&edperr.ConnectionClosedError{Reason: "peer hung up"}) {
		t.Fatal("ConnectionClosedError should be terminal")
	}
	if !isTerminalReadError(&edperr.MessageTooLargeError{Size: 1 << 30, Max: 1 << 28}) {
		t.Fatal("MessageTooLargeError should be terminal")
	}
	if isTerminalReadError(edperr.NewIOError("framer: read", errors.New("transient"))) {
		t.Fatal("a plain I/O error should not be terminal")
	}
}

func TestHeaderDecodeErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	wrapped := &HeaderDecodeError{Err: inner}
	if errors.Unwrap(wrapped) != inner {
		t.Fatal("HeaderDecodeError.Unwrap must return the wrapped error")
	}
}

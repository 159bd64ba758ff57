package epmd

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/edpclient/edp/internal/edperr"
)

func acceptOne(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return conn
}

func readRequest(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	lenBuf := make([]byte, 2)
	if _, err := readFullTest(conn, lenBuf); err != nil {
		t.Fatalf("read request length: %v", err)
	}
	n := binary.BigEndian.Uint16(lenBuf)
	body := make([]byte, n)
	if _, err := readFullTest(conn, body); err != nil {
		t.Fatalf("read request body: %v", err)
	}
	return body
}

func readFullTest(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestLookupFound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn := acceptOne(t, ln)
		defer conn.Close()
		req := readRequest(t, conn)
		if req[0] != reqPortPlease2 {
			t.Errorf("request tag = %d, want %d", req[0], reqPortPlease2)
		}
		resp := []byte{respPort2, 0}
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], 9999)
		resp = append(resp, portBuf[:]...)
		resp = append(resp, byte(NodeTypeNormal), byte(ProtocolTCP))
		var hi, lo [2]byte
		binary.BigEndian.PutUint16(hi[:], 6)
		binary.BigEndian.PutUint16(lo[:], 6)
		resp = append(resp, hi[:]...)
		resp = append(resp, lo[:]...)
		resp = append(resp, 0, 4)
		resp = append(resp, []byte("node")...)
		resp = append(resp, 0, 0)
		conn.Write(resp)
	}()

	client := NewClient(ln.Addr().String(), time.Second)
	result, err := client.Lookup("node")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if result.Port != 9999 {
		t.Errorf("Port = %d, want 9999", result.Port)
	}
	if result.NodeType != NodeTypeNormal {
		t.Errorf("NodeType = %d, want %d", result.NodeType, NodeTypeNormal)
	}
}

func TestLookupNotFound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn := acceptOne(t, ln)
		defer conn.Close()
		readRequest(t, conn)
		conn.Write([]byte{respPort2, 1})
	}()

	client := NewClient(ln.Addr().String(), time.Second)
	_, err = client.Lookup("missing")
	var lookupErr *edperr.EpmdLookupError
	if !errors.As(err, &lookupErr) {
		t.Fatalf("error = %v (%T), want *edperr.EpmdLookupError", err, err)
	}
}

func TestRegisterHoldsConnectionOpen(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn := acceptOne(t, ln)
		defer conn.Close()
		req := readRequest(t, conn)
		if req[0] != reqAlive2 {
			t.Errorf("request tag = %d, want %d", req[0], reqAlive2)
		}
		resp := []byte{respAlive2, 0}
		var creationBuf [4]byte
		binary.BigEndian.PutUint32(creationBuf[:], 7)
		resp = append(resp, creationBuf[:]...)
		conn.Write(resp)
		// Hold the connection open until the test closes it, simulating
		// EPMD keeping the registration alive.
		buf := make([]byte, 1)
		conn.Read(buf)
	}()

	client := NewClient(ln.Addr().String(), time.Second)
	reg, err := client.Register("a", 5555, NodeTypeNormal, ProtocolTCP, 6, 6)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.Creation != 7 {
		t.Fatalf("Creation = %d, want 7", reg.Creation)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-serverDone
}

func TestRegisterRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn := acceptOne(t, ln)
		defer conn.Close()
		readRequest(t, conn)
		resp := []byte{respAlive2, 1, 0, 0, 0, 0}
		conn.Write(resp)
	}()

	client := NewClient(ln.Addr().String(), time.Second)
	_, err = client.Register("a", 5555, NodeTypeNormal, ProtocolTCP, 6, 6)
	var regErr *edperr.EpmdRegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("error = %v (%T), want *edperr.EpmdRegistrationError", err, err)
	}
}

func TestLookupConnectionRefused(t *testing.T) {
	client := NewClient("127.0.0.1:1", 100*time.Millisecond)
	_, err := client.Lookup("x")
	var refused *edperr.ConnectionRefusedError
	if !errors.As(err, &refused) {
		t.Fatalf("error = %v (%T), want *edperr.ConnectionRefusedError", err, err)
	}
}

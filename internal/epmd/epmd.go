// Package epmd implements the Erlang Port Mapper Daemon client wire
// protocol: node-name lookup, registration, and listing.
// The daemon itself is an external collaborator this package never runs;
// it only speaks its wire contract.
package epmd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/edpclient/edp/internal/edperr"
)

// DefaultPort is EPMD's well-known TCP port.
const DefaultPort = 4369

// NodeType distinguishes a normal distribution node from a hidden (C-node
// style) one.
type NodeType uint8

const (
	NodeTypeNormal   NodeType = 77
	NodeTypeHidden   NodeType = 72
	NodeTypeR3Hidden NodeType = 104
)

// Protocol is always Tcp on the wire.
type Protocol uint8

const ProtocolTCP Protocol = 0

// Request/response tag bytes, exact.
const (
	reqPortPlease2 = 120
	reqAlive2      = 120
	reqNames       = 110

	respPort2  = 119
	respAlive2 = 121
)

// Client dials EPMD at addr (host:port, typically "localhost:4369") for
// one-shot requests, and holds a separate connection open for the lifetime
// of a Register call: the registration stands only as long as that
// connection does.
type Client struct {
	addr    string
	dialer  net.Dialer
	timeout time.Duration
}

// NewClient returns a Client dialing addr with the given per-call timeout.
func NewClient(addr string, timeout time.Duration) *Client {
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, &edperr.ConnectionRefusedError{Reason: fmt.Sprintf("epmd dial %s: %v", c.addr, err)}
	}
	return conn, nil
}

func writeLenPrefixed(conn net.Conn, body []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(body)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return edperr.NewIOError("epmd: write length prefix", err)
	}
	if _, err := conn.Write(body); err != nil {
		return edperr.NewIOError("epmd: write request body", err)
	}
	return nil
}

// LookupResult is the decoded PORT2_RESP.
type LookupResult struct {
	Port       uint16
	NodeType   NodeType
	Protocol   Protocol
	HighestVer uint16
	LowestVer  uint16
}

// Lookup issues PORT_PLEASE2 for name and decodes the PORT2_RESP. Result 0
// in the response means found; any other result is an EpmdLookupError.
func (c *Client) Lookup(name string) (LookupResult, error) {
	conn, err := c.dial()
	if err != nil {
		return LookupResult{}, err
	}
	defer conn.Close()
	if c.timeout > 0 {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}

	body := append([]byte{reqPortPlease2}, name...)
	if err := writeLenPrefixed(conn, body); err != nil {
		return LookupResult{}, err
	}

	r := bufio.NewReader(conn)
	header := make([]byte, 2)
	if _, err := readFull(r, header); err != nil {
		return LookupResult{}, &edperr.EpmdLookupError{Node: name, Reason: err.Error()}
	}
	if header[0] != respPort2 {
		return LookupResult{}, &edperr.EpmdProtocolError{Reason: fmt.Sprintf("expected PORT2_RESP tag %d, got %d", respPort2, header[0])}
	}
	result := header[1]
	if result != 0 {
		return LookupResult{}, &edperr.EpmdLookupError{Node: name, Reason: fmt.Sprintf("epmd returned result %d", result)}
	}

	rest := make([]byte, 8)
	if _, err := readFull(r, rest); err != nil {
		return LookupResult{}, &edperr.EpmdLookupError{Node: name, Reason: err.Error()}
	}
	port := binary.BigEndian.Uint16(rest[0:2])
	nodeType := NodeType(rest[2])
	proto := Protocol(rest[3])
	highest := binary.BigEndian.Uint16(rest[4:6])
	lowest := binary.BigEndian.Uint16(rest[6:8])

	nameLenBuf := make([]byte, 2)
	if _, err := readFull(r, nameLenBuf); err != nil {
		return LookupResult{}, &edperr.EpmdLookupError{Node: name, Reason: err.Error()}
	}
	nameLen := binary.BigEndian.Uint16(nameLenBuf)
	if _, err := readFull(r, make([]byte, nameLen)); err != nil {
		return LookupResult{}, &edperr.EpmdLookupError{Node: name, Reason: err.Error()}
	}
	elenBuf := make([]byte, 2)
	if _, err := readFull(r, elenBuf); err != nil {
		return LookupResult{}, &edperr.EpmdLookupError{Node: name, Reason: err.Error()}
	}
	elen := binary.BigEndian.Uint16(elenBuf)
	if elen > 0 {
		if _, err := readFull(r, make([]byte, elen)); err != nil {
			return LookupResult{}, &edperr.EpmdLookupError{Node: name, Reason: err.Error()}
		}
	}

	return LookupResult{Port: port, NodeType: nodeType, Protocol: proto, HighestVer: highest, LowestVer: lowest}, nil
}

// Registration holds the TCP connection EPMD requires to stay open for the
// lifetime of a node's registration. Close tears the registration down.
type Registration struct {
	conn     net.Conn
	Creation uint32
}

// Close drops the connection backing this registration, which causes EPMD
// to forget the node.
func (r *Registration) Close() error {
	return r.conn.Close()
}

// Register issues ALIVE2_REQ for name on port, with the given node/protocol
// type and version range, and keeps the connection open on success,
// returning the assigned Creation.
func (c *Client) Register(name string, port uint16, nodeType NodeType, proto Protocol, highestVer, lowestVer uint16) (*Registration, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}

	body := make([]byte, 0, 16+len(name))
	body = append(body, reqAlive2)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	body = append(body, portBuf[:]...)
	body = append(body, byte(nodeType), byte(proto))
	var hiBuf, loBuf [2]byte
	binary.BigEndian.PutUint16(hiBuf[:], highestVer)
	binary.BigEndian.PutUint16(loBuf[:], lowestVer)
	body = append(body, hiBuf[:]...)
	body = append(body, loBuf[:]...)
	var nameLenBuf [2]byte
	binary.BigEndian.PutUint16(nameLenBuf[:], uint16(len(name)))
	body = append(body, nameLenBuf[:]...)
	body = append(body, name...)
	body = append(body, 0, 0) // elen = 0, no extras

	if err := writeLenPrefixed(conn, body); err != nil {
		conn.Close()
		return nil, err
	}

	r := bufio.NewReader(conn)
	resp := make([]byte, 6)
	if _, err := readFull(r, resp); err != nil {
		conn.Close()
		return nil, &edperr.EpmdRegistrationError{Name: name, Reason: err.Error()}
	}
	if resp[0] != respAlive2 {
		conn.Close()
		return nil, &edperr.EpmdProtocolError{Reason: fmt.Sprintf("expected ALIVE2_RESP tag %d, got %d", respAlive2, resp[0])}
	}
	result := resp[1]
	if result != 0 {
		conn.Close()
		return nil, &edperr.EpmdRegistrationError{Name: name, Reason: fmt.Sprintf("epmd returned result %d", result)}
	}
	creation := binary.BigEndian.Uint32(resp[2:6])
	return &Registration{conn: conn, Creation: creation}, nil
}

// Names issues NAMES_REQ and returns the raw ASCII node listing text EPMD
// returns.
func (c *Client) Names() (string, error) {
	conn, err := c.dial()
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if c.timeout > 0 {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}

	if err := writeLenPrefixed(conn, []byte{reqNames}); err != nil {
		return "", err
	}

	// The first 4 bytes are EPMD's listening port (epmd_port); the rest is
	// the ASCII node listing, read until EOF.
	r := bufio.NewReader(conn)
	portBuf := make([]byte, 4)
	if _, err := readFull(r, portBuf); err != nil {
		return "", &edperr.EpmdProtocolError{Reason: err.Error()}
	}
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}
	return string(out), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

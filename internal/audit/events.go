package audit

import (
	"encoding/json"
	"fmt"
)

// HandshakeEvent records the outcome of one client-role handshake attempt
// against a peer node.
type HandshakeEvent struct {
	Peer            string `json:"peer"`
	Outcome         string `json:"outcome"` // "success" or "failure"
	Reason          string `json:"reason,omitempty"`
	PeerCreation    uint32 `json:"peer_creation,omitempty"`
	NegotiatedFlags uint64 `json:"negotiated_flags,omitempty"`
}

// ConnectionEvent records a connection state transition for a peer: it came
// up, or it went down.
type ConnectionEvent struct {
	Peer  string `json:"peer"`
	State string `json:"state"` // "up" or "down"
	Cause string `json:"cause,omitempty"`
}

// LinkChurnEvent records a link or monitor being established or torn down
// between a local process and a remote one.
type LinkChurnEvent struct {
	Kind   string `json:"kind"`   // "link", "unlink", "monitor", "demonitor"
	Local  string `json:"local"`  // local pid or name, stringified
	Remote string `json:"remote"` // remote pid or name, stringified
}

// LogHandshake appends a HandshakeEvent. Call with outcome "success" after
// a successful Engine.Run, or "failure" with reason set to the returned
// error's message.
func (l *Logger) LogHandshake(ev HandshakeEvent) (Entry, error) {
	return l.appendJSON(ev)
}

// LogConnection appends a ConnectionEvent.
func (l *Logger) LogConnection(ev ConnectionEvent) (Entry, error) {
	return l.appendJSON(ev)
}

// LogLinkChurn appends a LinkChurnEvent.
func (l *Logger) LogLinkChurn(ev LinkChurnEvent) (Entry, error) {
	return l.appendJSON(ev)
}

func (l *Logger) appendJSON(v any) (Entry, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal event: %w", err)
	}
	return l.Append(raw)
}

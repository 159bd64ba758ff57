// Package handshake drives the nine-state EDP handshake negotiation: name
// exchange, status acknowledgement, challenge/response MD5 authentication,
// and capability-flag negotiation.
package handshake

import (
	"fmt"

	"github.com/edpclient/edp/internal/edperr"
)

// State is a value from the connection state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	SendingName
	AwaitingStatus
	AwaitingChallenge
	SendingChallengeReply
	AwaitingChallengeAck
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case SendingName:
		return "sending_name"
	case AwaitingStatus:
		return "awaiting_status"
	case AwaitingChallenge:
		return "awaiting_challenge"
	case SendingChallengeReply:
		return "sending_challenge_reply"
	case AwaitingChallengeAck:
		return "awaiting_challenge_ack"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// trigger names one edge of the legal-transition table , used
// only for InvalidStateTransitionError messages.
type trigger string

const (
	triggerConnect          trigger = "connect"
	triggerTCPEstablished   trigger = "tcp_established"
	triggerSendName         trigger = "send_name"
	triggerStatusOK         trigger = "status_ok"
	triggerStatusRejected   trigger = "status_rejected"
	triggerPeerChallenge    trigger = "peer_challenge"
	triggerSendChallengeRpl trigger = "send_challenge_reply"
	triggerChallengeAckOK   trigger = "challenge_ack_verified"
	triggerDigestMismatch   trigger = "digest_mismatch"
	triggerIOError          trigger = "io_error_or_timeout"
)

// legalTransitions enumerates the op-code table exactly. "any" state
// transitioning to Failed on I/O error/timeout is handled separately in
// Fail, since it applies regardless of current state.
var legalTransitions = map[State]map[trigger]State{
	Disconnected:           {triggerConnect: Connecting},
	Connecting:             {triggerTCPEstablished: SendingName},
	SendingName:            {triggerSendName: AwaitingStatus},
	AwaitingStatus:         {triggerStatusOK: AwaitingChallenge, triggerStatusRejected: Failed},
	AwaitingChallenge:      {triggerPeerChallenge: SendingChallengeReply},
	SendingChallengeReply:  {triggerSendChallengeRpl: AwaitingChallengeAck},
	AwaitingChallengeAck:   {triggerChallengeAckOK: Connected, triggerDigestMismatch: Failed},
}

// Machine tracks one connection's handshake state and enforces the legal
// transition table: any transition not explicitly listed there fails
// with InvalidStateTransitionError.
type Machine struct {
	state State
}

// NewMachine returns a Machine starting in Disconnected.
func NewMachine() *Machine {
	return &Machine{state: Disconnected}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

func (m *Machine) transition(trig trigger) (State, error) {
	edges, ok := legalTransitions[m.state]
	if !ok {
		return m.state, &edperr.InvalidStateTransitionError{From: m.state.String(), To: string(trig)}
	}
	to, ok := edges[trig]
	if !ok {
		return m.state, &edperr.InvalidStateTransitionError{From: m.state.String(), To: string(trig)}
	}
	m.state = to
	return to, nil
}

func (m *Machine) Connect() error {
	_, err := m.transition(triggerConnect)
	return err
}

func (m *Machine) TCPEstablished() error {
	_, err := m.transition(triggerTCPEstablished)
	return err
}

func (m *Machine) NameSent() error {
	_, err := m.transition(triggerSendName)
	return err
}

// StatusReceived advances on "ok"/"ok_simultaneous", or transitions to
// Failed for any of "nok"/"not_allowed"/"alive" .
func (m *Machine) StatusReceived(status Status) error {
	if status == StatusOK || status == StatusOKSimultaneous {
		_, err := m.transition(triggerStatusOK)
		return err
	}
	_, err := m.transition(triggerStatusRejected)
	if err != nil {
		return err
	}
	return &edperr.HandshakeFailedError{Reason: fmt.Sprintf("peer returned status %q", status)}
}

func (m *Machine) ChallengeReceived() error {
	_, err := m.transition(triggerPeerChallenge)
	return err
}

func (m *Machine) ChallengeReplySent() error {
	_, err := m.transition(triggerSendChallengeRpl)
	return err
}

// ChallengeAckVerified advances to Connected if ok is true; otherwise it
// transitions to Failed with AuthenticationFailedError, per the protocol's
// "digest mismatch" edge.
func (m *Machine) ChallengeAckVerified(ok bool) error {
	if ok {
		_, err := m.transition(triggerChallengeAckOK)
		return err
	}
	_, err := m.transition(triggerDigestMismatch)
	if err != nil {
		return err
	}
	return &edperr.AuthenticationFailedError{}
}

// Fail forces the machine to Failed, the edge that applies from "any" state
// on I/O error or timeout ("any | I/O error or timeout |
// Failed"). Unlike other transitions this one is unconditionally legal.
func (m *Machine) Fail(cause error) error {
	m.state = Failed
	return cause
}

// RequireConnected returns InvalidStateError if the machine is not
// Connected: operations that require a live connection fail fast with
// this check rather than attempting I/O on a half-open handshake.
func (m *Machine) RequireConnected() error {
	if m.state != Connected {
		return &edperr.InvalidStateError{State: m.state.String()}
	}
	return nil
}

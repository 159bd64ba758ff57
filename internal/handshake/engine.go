package handshake

import (
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/edpclient/edp/internal/framer"
)

// Result carries everything the caller needs once a handshake completes
// successfully: the peer's negotiated flags and creation, for the
// connection record.
type Result struct {
	NegotiatedFlags Flag
	PeerCreation    uint32
	PeerName        string
}

// Engine drives the client-role handshake over an already-framed
// connection, using f in Handshake mode and flipping it to Distribution
// on success.
type Engine struct {
	machine  *Machine
	f        *framer.Framer
	localFlags Flag
	cookie   string
	log      *slog.Logger
}

// NewEngine returns an Engine ready to run the outgoing handshake with f
// (already constructed in Handshake mode), advertising localFlags and
// authenticating with cookie. log may be nil, in which case a discard
// logger is used.
func NewEngine(f *framer.Framer, localFlags Flag, cookie string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{machine: NewMachine(), f: f, localFlags: localFlags, cookie: cookie, log: log}
}

// State reports the current handshake state.
func (e *Engine) State() State { return e.machine.State() }

// Run drives the full client-role handshake over rw: send name, await
// status, await challenge, send challenge reply, await challenge ack. It
// returns the negotiated Result on success, or a typed error (and leaves the
// machine in Failed) on any failure.
func (e *Engine) Run(rw io.ReadWriter, localName string, localCreation uint32) (Result, error) {
	if err := e.machine.Connect(); err != nil {
		return Result{}, err
	}
	if err := e.machine.TCPEstablished(); err != nil {
		return Result{}, e.machine.Fail(err)
	}

	nameMsg := NameMessage{Flags: e.localFlags, Creation: localCreation, Name: localName}
	encoded, err := EncodeNameMessage(nameMsg)
	if err != nil {
		return Result{}, e.machine.Fail(err)
	}
	if err := e.f.WriteFrame(rw, encoded); err != nil {
		return Result{}, e.machine.Fail(err)
	}
	if err := e.machine.NameSent(); err != nil {
		return Result{}, e.machine.Fail(err)
	}
	e.log.Debug("handshake: sent name message", slog.String("name", localName))

	statusFrame, err := e.f.ReadFrame(rw)
	if err != nil {
		return Result{}, e.machine.Fail(err)
	}
	status, err := DecodeStatus(statusFrame)
	if err != nil {
		return Result{}, e.machine.Fail(err)
	}
	if err := e.machine.StatusReceived(status); err != nil {
		return Result{}, err
	}
	e.log.Debug("handshake: received status", slog.String("status", string(status)))

	challengeFrame, err := e.f.ReadFrame(rw)
	if err != nil {
		return Result{}, e.machine.Fail(err)
	}
	challengeMsg, err := DecodeChallengeMessage(challengeFrame)
	if err != nil {
		return Result{}, e.machine.Fail(err)
	}
	if err := CheckMandatory(challengeMsg.Flags); err != nil {
		return Result{}, e.machine.Fail(err)
	}
	if err := e.machine.ChallengeReceived(); err != nil {
		return Result{}, e.machine.Fail(err)
	}

	ownChallenge := GenerateChallenge()
	digestOverPeer := ComputeDigest(challengeMsg.Challenge, e.cookie)
	replyMsg := ChallengeReplyMessage{OwnChallenge: ownChallenge, Digest: digestOverPeer}
	if err := e.f.WriteFrame(rw, EncodeChallengeReply(replyMsg)); err != nil {
		return Result{}, e.machine.Fail(err)
	}
	if err := e.machine.ChallengeReplySent(); err != nil {
		return Result{}, e.machine.Fail(err)
	}

	ackFrame, err := e.f.ReadFrame(rw)
	if err != nil {
		return Result{}, e.machine.Fail(err)
	}
	ackMsg, err := DecodeChallengeAck(ackFrame)
	if err != nil {
		return Result{}, e.machine.Fail(err)
	}
	verified := VerifyDigest(ackMsg.Digest, ownChallenge, e.cookie)
	if err := e.machine.ChallengeAckVerified(verified); err != nil {
		return Result{}, err
	}

	negotiated := Negotiate(e.localFlags, challengeMsg.Flags)
	e.f.SetMode(framer.Distribution)
	e.log.Info("handshake: connected",
		slog.String("peer", challengeMsg.Name),
		slog.Uint64("negotiated_flags", uint64(negotiated)))

	return Result{NegotiatedFlags: negotiated, PeerCreation: challengeMsg.Creation, PeerName: challengeMsg.Name}, nil
}

// GenerateChallenge returns a non-predictable 32-bit challenge value. The
// low 32 bits of a high-resolution clock xored with a PRNG draw is
// acceptable for non-TLS use; cryptographic randomness is not required.
func GenerateChallenge() uint32 {
	return uint32(time.Now().UnixNano()) ^ rand.Uint32()
}

// RequireState is a thin pass-through used by callers (internal/connmgr,
// internal/dist) that need to reject an operation outside Connected without
// importing the Machine type directly.
func (e *Engine) RequireState() error {
	return e.machine.RequireConnected()
}

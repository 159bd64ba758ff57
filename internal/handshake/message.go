package handshake

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/edpclient/edp/internal/edperr"
)

// Status is one of the ASCII status tokens exchanged after the name message
// . Only StatusOK and StatusOKSimultaneous advance the state
// machine; the rest transition it to Failed.
type Status string

const (
	StatusOK            Status = "ok"
	StatusOKSimultaneous Status = "ok_simultaneous"
	StatusNOK           Status = "nok"
	StatusNotAllowed    Status = "not_allowed"
	StatusAlive         Status = "alive"
)

// MaxNameLength is the wire ceiling for a node name, in bytes.
const MaxNameLength = 256

// ValidateNodeName checks the "local@host" shape and length ceiling.
func ValidateNodeName(name string) error {
	if len(name) > MaxNameLength {
		return &edperr.NodeNameTooLongError{Length: len(name)}
	}
	parts := strings.SplitN(name, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return &edperr.InvalidNodeNameError{Name: name}
	}
	return nil
}

// NameMessage is the first message sent by the client: 'N' tag, 64-bit
// flags, 32-bit creation, 16-bit name length, name bytes .
type NameMessage struct {
	Flags    Flag
	Creation uint32
	Name     string
}

const nameMessageTag = 'N'

// EncodeNameMessage serializes msg as the wire form of the name message
// (not including the 2-byte frame length prefix, which internal/framer
// applies separately).
func EncodeNameMessage(msg NameMessage) ([]byte, error) {
	if err := ValidateNodeName(msg.Name); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+8+4+2+len(msg.Name))
	buf = append(buf, nameMessageTag)
	var flagsBuf [8]byte
	binary.BigEndian.PutUint64(flagsBuf[:], uint64(msg.Flags))
	buf = append(buf, flagsBuf[:]...)
	var creationBuf [4]byte
	binary.BigEndian.PutUint32(creationBuf[:], msg.Creation)
	buf = append(buf, creationBuf[:]...)
	var nameLenBuf [2]byte
	binary.BigEndian.PutUint16(nameLenBuf[:], uint16(len(msg.Name)))
	buf = append(buf, nameLenBuf[:]...)
	buf = append(buf, msg.Name...)
	return buf, nil
}

// DecodeNameMessage parses the wire form produced by EncodeNameMessage.
func DecodeNameMessage(data []byte) (NameMessage, error) {
	if len(data) < 1+8+4+2 {
		return NameMessage{}, &edperr.UnexpectedEofError{Context: "name message header"}
	}
	if data[0] != nameMessageTag {
		return NameMessage{}, &edperr.InvalidHandshakeMessageError{Reason: fmt.Sprintf("expected name message tag 'N', got %d", data[0])}
	}
	flags := Flag(binary.BigEndian.Uint64(data[1:9]))
	creation := binary.BigEndian.Uint32(data[9:13])
	nameLen := int(binary.BigEndian.Uint16(data[13:15]))
	if len(data) < 15+nameLen {
		return NameMessage{}, &edperr.UnexpectedEofError{Context: "name message name bytes"}
	}
	name := string(data[15 : 15+nameLen])
	if err := ValidateNodeName(name); err != nil {
		return NameMessage{}, err
	}
	return NameMessage{Flags: flags, Creation: creation, Name: name}, nil
}

// EncodeStatus serializes status as its bare ASCII token, with the 's' tag
// byte the status message family implies for the status message family.
func EncodeStatus(status Status) []byte {
	return append([]byte{'s'}, status...)
}

// DecodeStatus parses a status message.
func DecodeStatus(data []byte) (Status, error) {
	if len(data) < 1 || data[0] != 's' {
		return "", &edperr.InvalidHandshakeMessageError{Reason: "expected status message tag 's'"}
	}
	return Status(data[1:]), nil
}

// ChallengeMessage is the peer's initial challenge, tagged 'N' like the
// name message and carrying flags, challenge, creation and name, with the
// challenge inserted ahead of the creation (the "receive peer challenge N").
type ChallengeMessage struct {
	Flags     Flag
	Challenge uint32
	Creation  uint32
	Name      string
}

const challengeMessageTag = 'N'

// EncodeChallengeMessage serializes the challenge variant of the name
// message: tag, flags, challenge, creation, name length, name.
func EncodeChallengeMessage(msg ChallengeMessage) ([]byte, error) {
	if err := ValidateNodeName(msg.Name); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+8+4+4+2+len(msg.Name))
	buf = append(buf, challengeMessageTag)
	var flagsBuf [8]byte
	binary.BigEndian.PutUint64(flagsBuf[:], uint64(msg.Flags))
	buf = append(buf, flagsBuf[:]...)
	var challengeBuf [4]byte
	binary.BigEndian.PutUint32(challengeBuf[:], msg.Challenge)
	buf = append(buf, challengeBuf[:]...)
	var creationBuf [4]byte
	binary.BigEndian.PutUint32(creationBuf[:], msg.Creation)
	buf = append(buf, creationBuf[:]...)
	var nameLenBuf [2]byte
	binary.BigEndian.PutUint16(nameLenBuf[:], uint16(len(msg.Name)))
	buf = append(buf, nameLenBuf[:]...)
	buf = append(buf, msg.Name...)
	return buf, nil
}

// DecodeChallengeMessage parses the wire form produced by
// EncodeChallengeMessage.
func DecodeChallengeMessage(data []byte) (ChallengeMessage, error) {
	if len(data) < 1+8+4+4+2 {
		return ChallengeMessage{}, &edperr.UnexpectedEofError{Context: "challenge message header"}
	}
	if data[0] != challengeMessageTag {
		return ChallengeMessage{}, &edperr.InvalidHandshakeMessageError{Reason: fmt.Sprintf("expected challenge message tag 'N', got %d", data[0])}
	}
	flags := Flag(binary.BigEndian.Uint64(data[1:9]))
	challenge := binary.BigEndian.Uint32(data[9:13])
	creation := binary.BigEndian.Uint32(data[13:17])
	nameLen := int(binary.BigEndian.Uint16(data[17:19]))
	if len(data) < 19+nameLen {
		return ChallengeMessage{}, &edperr.UnexpectedEofError{Context: "challenge message name bytes"}
	}
	name := string(data[19 : 19+nameLen])
	return ChallengeMessage{Flags: flags, Challenge: challenge, Creation: creation, Name: name}, nil
}

// ChallengeReplyMessage is sent in response to a peer's challenge: the
// client's own challenge plus the digest over the peer's challenge ("send digest+own challenge M").
type ChallengeReplyMessage struct {
	OwnChallenge uint32
	Digest       [16]byte
}

const challengeReplyTag = 'r'

// EncodeChallengeReply serializes msg: tag 'r', 32-bit own challenge, 16-byte digest.
func EncodeChallengeReply(msg ChallengeReplyMessage) []byte {
	buf := make([]byte, 0, 1+4+16)
	buf = append(buf, challengeReplyTag)
	var challengeBuf [4]byte
	binary.BigEndian.PutUint32(challengeBuf[:], msg.OwnChallenge)
	buf = append(buf, challengeBuf[:]...)
	return append(buf, msg.Digest[:]...)
}

// DecodeChallengeReply parses the wire form produced by EncodeChallengeReply.
func DecodeChallengeReply(data []byte) (ChallengeReplyMessage, error) {
	if len(data) != 1+4+16 {
		return ChallengeReplyMessage{}, &edperr.UnexpectedEofError{Context: "challenge reply message"}
	}
	if data[0] != challengeReplyTag {
		return ChallengeReplyMessage{}, &edperr.InvalidHandshakeMessageError{Reason: fmt.Sprintf("expected challenge reply tag 'r', got %d", data[0])}
	}
	var msg ChallengeReplyMessage
	msg.OwnChallenge = binary.BigEndian.Uint32(data[1:5])
	copy(msg.Digest[:], data[5:21])
	return msg, nil
}

// ChallengeAckMessage carries the digest over the client's own challenge,
// completing authentication ("receive ack digest that verifies").
type ChallengeAckMessage struct {
	Digest [16]byte
}

const challengeAckTag = 'a'

// EncodeChallengeAck serializes msg: tag 'a', 16-byte digest.
func EncodeChallengeAck(msg ChallengeAckMessage) []byte {
	buf := make([]byte, 0, 1+16)
	buf = append(buf, challengeAckTag)
	return append(buf, msg.Digest[:]...)
}

// DecodeChallengeAck parses the wire form produced by EncodeChallengeAck.
func DecodeChallengeAck(data []byte) (ChallengeAckMessage, error) {
	if len(data) != 1+16 {
		return ChallengeAckMessage{}, &edperr.UnexpectedEofError{Context: "challenge ack message"}
	}
	if data[0] != challengeAckTag {
		return ChallengeAckMessage{}, &edperr.InvalidHandshakeMessageError{Reason: fmt.Sprintf("expected challenge ack tag 'a', got %d", data[0])}
	}
	var msg ChallengeAckMessage
	copy(msg.Digest[:], data[1:17])
	return msg, nil
}

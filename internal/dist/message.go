package dist

import (
	"github.com/edpclient/edp/internal/etf"
)

// Message is one decoded post-handshake distribution message: a control
// tuple and its optional payload term. Every post-handshake message on the
// wire carries a distribution header, then a control tuple, optionally
// followed by a payload term.
type Message struct {
	Control Control
	Payload etf.Term // nil when Control.Op.HasPayload() is false
}

// collectAtomNames collects every atom appearing in term, used to build the
// distribution header announcing them ahead of the control tuple and
// payload. Order is stable (first occurrence wins) so repeated encodes of
// the same logical message reuse prior cache slots via the caller's
// WriterCache.
func collectAtomNames(term etf.Term, seen map[string]bool, out *[]string) {
	if term == nil {
		return
	}
	switch t := term.(type) {
	case etf.Atom:
		if !seen[t.Name] {
			seen[t.Name] = true
			*out = append(*out, t.Name)
		}
	case etf.Tuple:
		for _, e := range t.Elements {
			collectAtomNames(e, seen, out)
		}
	case etf.List:
		for _, e := range t.Elements {
			collectAtomNames(e, seen, out)
		}
		collectAtomNames(t.Tail, seen, out)
	case etf.Map:
		for _, p := range t.Pairs {
			collectAtomNames(p.Key, seen, out)
			collectAtomNames(p.Value, seen, out)
		}
	case etf.Pid:
		collectAtomNames(t.Node, seen, out)
	case etf.Reference:
		collectAtomNames(t.Node, seen, out)
	case etf.Port:
		collectAtomNames(t.Node, seen, out)
	}
}

// EncodeMessage serializes msg as a single distribution-mode frame payload:
// tag 68 distribution header (announcing every atom used in the control
// tuple and payload), the control tuple, and the payload term if present.
// This is the payload internal/framer.WriteFrame writes in Distribution
// mode; it does not include the frame's own length prefix.
func EncodeMessage(writer *etf.WriterCache, msg Message) ([]byte, error) {
	ctrlTerm, err := EncodeControl(msg.Control)
	if err != nil {
		return nil, err
	}

	var names []string
	seen := make(map[string]bool)
	collectAtomNames(ctrlTerm, seen, &names)
	if msg.Payload != nil {
		collectAtomNames(msg.Payload, seen, &names)
	}

	header, err := etf.EncodeDistHeader(writer, names)
	if err != nil {
		return nil, err
	}

	ctrlBytes, err := etf.Encode(ctrlTerm)
	if err != nil {
		return nil, err
	}
	buf := append(header, ctrlBytes...)

	if msg.Payload != nil {
		payloadBytes, err := etf.Encode(msg.Payload)
		if err != nil {
			return nil, err
		}
		buf = append(buf, payloadBytes...)
	}
	return buf, nil
}

// DecodeMessage parses a complete distribution-mode frame payload (as
// produced by EncodeMessage) back into a Message, applying any new
// atom-cache entries in the header to cache before decoding the control
// tuple and payload that follow it.
func DecodeMessage(data []byte, cache *etf.AtomCache) (Message, error) {
	if len(data) == 0 {
		return Message{}, nil // zero-length distribution frame: a tick
	}
	tag := data[0]
	rest := data[1:]

	var afterHeader int
	switch tag {
	case distHeaderTag:
		_, consumed, err := etf.DecodeDistHeader(rest, cache)
		if err != nil {
			return Message{}, &HeaderDecodeError{Err: err}
		}
		afterHeader = 1 + consumed
	case distHeaderFragmentTag:
		_, consumed, err := etf.DecodeFragmentHeader(rest, cache)
		if err != nil {
			return Message{}, &HeaderDecodeError{Err: err}
		}
		afterHeader = 1 + consumed
	default:
		afterHeader = 0
	}

	ctrlTerm, n, err := etf.DecodePrefix(data[afterHeader:])
	if err != nil {
		return Message{}, err
	}
	ctrl, err := DecodeControl(ctrlTerm)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Control: ctrl}
	payloadStart := afterHeader + n
	if ctrl.Op.HasPayload() && payloadStart < len(data) {
		payload, _, err := etf.DecodePrefix(data[payloadStart:])
		if err != nil {
			return Message{}, err
		}
		msg.Payload = payload
	}
	return msg, nil
}

const (
	distHeaderTag         = 68
	distHeaderFragmentTag = 69
)

// Package dist implements the distribution message layer: composing and
// parsing control tuples, fragmenting and reassembling large messages, and
// routing decoded (control, payload?) pairs into local process mailboxes.
package dist

import (
	"fmt"

	"github.com/edpclient/edp/internal/edperr"
	"github.com/edpclient/edp/internal/etf"
)

// OpCode identifies a control message's operation.
type OpCode int64

const (
	OpLink          OpCode = 1
	OpSend          OpCode = 2
	OpExit          OpCode = 3
	OpUnlink        OpCode = 4
	OpRegSend       OpCode = 6
	OpNodeLink      OpCode = 8
	OpGroupLeader   OpCode = 15
	OpMonitorP      OpCode = 19
	OpDemonitorP    OpCode = 20
	OpMonitorPExit  OpCode = 21
	OpSendSender    OpCode = 22
	OpExit2         OpCode = 23
	OpUnlinkId      OpCode = 35
	OpUnlinkIdAck   OpCode = 36
	OpAliasSend     OpCode = 33
)

// HasPayload reports whether op carries a second term (the message body)
// after the control tuple in the same frame.
func (op OpCode) HasPayload() bool {
	switch op {
	case OpSend, OpRegSend, OpSendSender, OpAliasSend:
		return true
	default:
		return false
	}
}

// Control is the decoded form of one control tuple: the op code plus its
// positional arguments, exactly as they appear on the wire (the
// table names each op's argument shape).
type Control struct {
	Op   OpCode
	Link *LinkArgs
	Send *SendArgs
	Exit *ExitArgs
	Unlink *UnlinkArgs
	RegSend *RegSendArgs
	NodeLink *NodeLinkArgs
	GroupLeader *GroupLeaderArgs
	MonitorP *MonitorArgs
	DemonitorP *MonitorArgs
	MonitorPExit *MonitorExitArgs
	SendSender *SendArgs
	Exit2 *ExitArgs
	UnlinkId *UnlinkIdArgs
	UnlinkIdAck *UnlinkIdArgs
	AliasSend *AliasSendArgs
}

type LinkArgs struct{ From, To etf.Pid }
type SendArgs struct{ To etf.Pid }
type ExitArgs struct {
	From, To etf.Pid
	Reason   etf.Term
}
type UnlinkArgs struct{ From, To etf.Pid }
type RegSendArgs struct {
	From   etf.Pid
	ToName etf.Atom
}
type NodeLinkArgs struct{}
type GroupLeaderArgs struct{ From, To etf.Pid }
type MonitorArgs struct {
	From   etf.Pid
	ToProc etf.Term // pid or atom name
	Ref    etf.Reference
}
type MonitorExitArgs struct {
	FromProc etf.Term
	To       etf.Pid
	Ref      etf.Reference
	Reason   etf.Term
}
type UnlinkIdArgs struct {
	ID       uint64
	From, To etf.Pid
}
type AliasSendArgs struct {
	From  etf.Pid
	Alias etf.Term
}

// EncodeControl serializes ctrl as the {op_code, ...args} tuple term, per
// the op-code table. The caller encodes this with etf.Encode and,
// separately, the payload term if ctrl.Op.HasPayload().
func EncodeControl(ctrl Control) (etf.Term, error) {
	op := etf.Integer(ctrl.Op)
	switch ctrl.Op {
	case OpLink:
		a := ctrl.Link
		return etf.Tuple{Elements: []etf.Term{op, a.From, a.To}}, nil
	case OpSend:
		a := ctrl.Send
		return etf.Tuple{Elements: []etf.Term{op, etf.Atom{Name: ""}, a.To}}, nil
	case OpExit:
		a := ctrl.Exit
		return etf.Tuple{Elements: []etf.Term{op, a.From, a.To, a.Reason}}, nil
	case OpUnlink:
		a := ctrl.Unlink
		return etf.Tuple{Elements: []etf.Term{op, a.From, a.To}}, nil
	case OpRegSend:
		a := ctrl.RegSend
		return etf.Tuple{Elements: []etf.Term{op, a.From, etf.Atom{Name: ""}, a.ToName}}, nil
	case OpNodeLink:
		return etf.Tuple{Elements: []etf.Term{op}}, nil
	case OpGroupLeader:
		a := ctrl.GroupLeader
		return etf.Tuple{Elements: []etf.Term{op, a.From, a.To}}, nil
	case OpMonitorP:
		a := ctrl.MonitorP
		return etf.Tuple{Elements: []etf.Term{op, a.From, a.ToProc, a.Ref}}, nil
	case OpDemonitorP:
		a := ctrl.DemonitorP
		return etf.Tuple{Elements: []etf.Term{op, a.From, a.ToProc, a.Ref}}, nil
	case OpMonitorPExit:
		a := ctrl.MonitorPExit
		return etf.Tuple{Elements: []etf.Term{op, a.FromProc, a.To, a.Ref, a.Reason}}, nil
	case OpSendSender:
		a := ctrl.SendSender
		return etf.Tuple{Elements: []etf.Term{op, etf.Atom{Name: ""}, a.To}}, nil
	case OpExit2:
		a := ctrl.Exit2
		return etf.Tuple{Elements: []etf.Term{op, a.From, a.To, a.Reason}}, nil
	case OpUnlinkId:
		a := ctrl.UnlinkId
		return etf.Tuple{Elements: []etf.Term{op, etf.Integer(a.ID), a.From, a.To}}, nil
	case OpUnlinkIdAck:
		a := ctrl.UnlinkIdAck
		return etf.Tuple{Elements: []etf.Term{op, etf.Integer(a.ID), a.From, a.To}}, nil
	case OpAliasSend:
		a := ctrl.AliasSend
		return etf.Tuple{Elements: []etf.Term{op, a.From, a.Alias}}, nil
	default:
		return nil, &edperr.InvalidControlMessageError{Reason: fmt.Sprintf("unknown op code %d", ctrl.Op)}
	}
}

// DecodeControl parses term (the decoded control tuple) into a Control,
// dispatching on its op code exactly as the op-code table specifies.
func DecodeControl(term etf.Term) (Control, error) {
	tuple, ok := term.(etf.Tuple)
	if !ok || len(tuple.Elements) == 0 {
		return Control{}, &edperr.InvalidControlMessageError{Reason: "control message is not a non-empty tuple"}
	}
	opInt, ok := tuple.Elements[0].(etf.Integer)
	if !ok {
		return Control{}, &edperr.InvalidControlMessageError{Reason: "control tuple's first element is not an integer op code"}
	}
	op := OpCode(opInt)
	elems := tuple.Elements[1:]

	pid := func(i int) (etf.Pid, error) {
		if i >= len(elems) {
			return etf.Pid{}, &edperr.InvalidControlMessageError{Reason: "control tuple missing expected pid argument"}
		}
		p, ok := elems[i].(etf.Pid)
		if !ok {
			return etf.Pid{}, &edperr.InvalidControlMessageError{Reason: fmt.Sprintf("control tuple argument %d is not a pid", i)}
		}
		return p, nil
	}
	ref := func(i int) (etf.Reference, error) {
		if i >= len(elems) {
			return etf.Reference{}, &edperr.InvalidControlMessageError{Reason: "control tuple missing expected reference argument"}
		}
		r, ok := elems[i].(etf.Reference)
		if !ok {
			return etf.Reference{}, &edperr.InvalidControlMessageError{Reason: fmt.Sprintf("control tuple argument %d is not a reference", i)}
		}
		return r, nil
	}
	term_ := func(i int) (etf.Term, error) {
		if i >= len(elems) {
			return nil, &edperr.InvalidControlMessageError{Reason: "control tuple missing expected argument"}
		}
		return elems[i], nil
	}
	atom := func(i int) (etf.Atom, error) {
		if i >= len(elems) {
			return etf.Atom{}, &edperr.InvalidControlMessageError{Reason: "control tuple missing expected atom argument"}
		}
		a, ok := elems[i].(etf.Atom)
		if !ok {
			return etf.Atom{}, &edperr.InvalidControlMessageError{Reason: fmt.Sprintf("control tuple argument %d is not an atom", i)}
		}
		return a, nil
	}
	integer := func(i int) (etf.Integer, error) {
		if i >= len(elems) {
			return 0, &edperr.InvalidControlMessageError{Reason: "control tuple missing expected integer argument"}
		}
		n, ok := elems[i].(etf.Integer)
		if !ok {
			return 0, &edperr.InvalidControlMessageError{Reason: fmt.Sprintf("control tuple argument %d is not an integer", i)}
		}
		return n, nil
	}

	switch op {
	case OpLink:
		from, err := pid(0)
		if err != nil {
			return Control{}, err
		}
		to, err := pid(1)
		if err != nil {
			return Control{}, err
		}
		return Control{Op: op, Link: &LinkArgs{From: from, To: to}}, nil
	case OpSend:
		to, err := pid(1)
		if err != nil {
			return Control{}, err
		}
		return Control{Op: op, Send: &SendArgs{To: to}}, nil
	case OpExit, OpExit2:
		from, err := pid(0)
		if err != nil {
			return Control{}, err
		}
		to, err := pid(1)
		if err != nil {
			return Control{}, err
		}
		reason, err := term_(2)
		if err != nil {
			return Control{}, err
		}
		args := &ExitArgs{From: from, To: to, Reason: reason}
		if op == OpExit {
			return Control{Op: op, Exit: args}, nil
		}
		return Control{Op: op, Exit2: args}, nil
	case OpUnlink:
		from, err := pid(0)
		if err != nil {
			return Control{}, err
		}
		to, err := pid(1)
		if err != nil {
			return Control{}, err
		}
		return Control{Op: op, Unlink: &UnlinkArgs{From: from, To: to}}, nil
	case OpRegSend:
		from, err := pid(0)
		if err != nil {
			return Control{}, err
		}
		toName, err := atom(2)
		if err != nil {
			return Control{}, err
		}
		return Control{Op: op, RegSend: &RegSendArgs{From: from, ToName: toName}}, nil
	case OpNodeLink:
		return Control{Op: op, NodeLink: &NodeLinkArgs{}}, nil
	case OpGroupLeader:
		from, err := pid(0)
		if err != nil {
			return Control{}, err
		}
		to, err := pid(1)
		if err != nil {
			return Control{}, err
		}
		return Control{Op: op, GroupLeader: &GroupLeaderArgs{From: from, To: to}}, nil
	case OpMonitorP, OpDemonitorP:
		from, err := pid(0)
		if err != nil {
			return Control{}, err
		}
		toProc, err := term_(1)
		if err != nil {
			return Control{}, err
		}
		r, err := ref(2)
		if err != nil {
			return Control{}, err
		}
		args := &MonitorArgs{From: from, ToProc: toProc, Ref: r}
		if op == OpMonitorP {
			return Control{Op: op, MonitorP: args}, nil
		}
		return Control{Op: op, DemonitorP: args}, nil
	case OpMonitorPExit:
		fromProc, err := term_(0)
		if err != nil {
			return Control{}, err
		}
		to, err := pid(1)
		if err != nil {
			return Control{}, err
		}
		r, err := ref(2)
		if err != nil {
			return Control{}, err
		}
		reason, err := term_(3)
		if err != nil {
			return Control{}, err
		}
		return Control{Op: op, MonitorPExit: &MonitorExitArgs{FromProc: fromProc, To: to, Ref: r, Reason: reason}}, nil
	case OpSendSender:
		to, err := pid(1)
		if err != nil {
			return Control{}, err
		}
		return Control{Op: op, SendSender: &SendArgs{To: to}}, nil
	case OpUnlinkId, OpUnlinkIdAck:
		id, err := integer(0)
		if err != nil {
			return Control{}, err
		}
		from, err := pid(1)
		if err != nil {
			return Control{}, err
		}
		to, err := pid(2)
		if err != nil {
			return Control{}, err
		}
		args := &UnlinkIdArgs{ID: uint64(id), From: from, To: to}
		if op == OpUnlinkId {
			return Control{Op: op, UnlinkId: args}, nil
		}
		return Control{Op: op, UnlinkIdAck: args}, nil
	case OpAliasSend:
		from, err := pid(0)
		if err != nil {
			return Control{}, err
		}
		alias, err := term_(1)
		if err != nil {
			return Control{}, err
		}
		return Control{Op: op, AliasSend: &AliasSendArgs{From: from, Alias: alias}}, nil
	default:
		return Control{}, &edperr.InvalidControlMessageError{Reason: fmt.Sprintf("unknown op code %d", op)}
	}
}

package node

import "github.com/edpclient/edp/internal/etf"

// GenServerHandler is the behavior a GenServer dispatches into: HandleCall
// answers a synchronous request, HandleCast handles a fire-and-forget
// request, and HandleInfo handles every mailbox entry that does not match
// the $gen_call/$gen_cast tuple shape — exit signals, monitor
// notifications, and any plain message a caller Sent directly.
type GenServerHandler interface {
	// HandleCall answers request from caller, correlated by ref. Returning
	// deferReply=true suppresses the automatic reply so the handler can
	// answer later via ReplyLater, once some asynchronous work completes.
	HandleCall(self *Process, caller etf.Pid, ref etf.Reference, request etf.Term) (reply etf.Term, deferReply bool)
	HandleCast(self *Process, request etf.Term)
	HandleInfo(self *Process, msg Message) (stop bool, reason etf.Term)
	Terminate(self *Process, reason etf.Term)
}

// GenServer adapts a GenServerHandler to the Handler interface Node.Spawn
// expects, pattern-matching each Regular mailbox entry against the
// {$gen_call, {From, Ref}, Request} and {$gen_cast, Request} tuple shapes
// before falling back to HandleInfo.
type GenServer struct {
	behavior GenServerHandler
}

// NewGenServer wraps behavior as a Handler.
func NewGenServer(behavior GenServerHandler) *GenServer {
	return &GenServer{behavior: behavior}
}

// HandleMessage implements Handler.
func (g *GenServer) HandleMessage(self *Process, msg Message) (bool, etf.Term) {
	if msg.Kind != Regular {
		return g.behavior.HandleInfo(self, msg)
	}

	if request, caller, ref, ok := matchGenCall(msg.Body); ok {
		reply, deferred := g.behavior.HandleCall(self, caller, ref, request)
		if !deferred {
			replyTo(self, caller, ref, reply)
		}
		return false, nil
	}
	if request, ok := matchGenCast(msg.Body); ok {
		g.behavior.HandleCast(self, request)
		return false, nil
	}
	return g.behavior.HandleInfo(self, msg)
}

// Terminate implements Handler.
func (g *GenServer) Terminate(self *Process, reason etf.Term) {
	g.behavior.Terminate(self, reason)
}

// ReplyLater answers a call a HandleCall implementation deferred, correlated
// by the ref the original request carried.
func ReplyLater(self *Process, caller etf.Pid, ref etf.Reference, reply etf.Term) {
	replyTo(self, caller, ref, reply)
}

func replyTo(self *Process, caller etf.Pid, ref etf.Reference, reply etf.Term) {
	envelope := etf.Tuple{Elements: []etf.Term{ref, reply}}
	_ = self.node.Send(caller, envelope)
}

func matchGenCall(body etf.Term) (request etf.Term, caller etf.Pid, ref etf.Reference, ok bool) {
	tuple, isTuple := body.(etf.Tuple)
	if !isTuple || len(tuple.Elements) != 3 {
		return nil, etf.Pid{}, etf.Reference{}, false
	}
	tag, isAtom := tuple.Elements[0].(etf.Atom)
	if !isAtom || tag.Name != "$gen_call" {
		return nil, etf.Pid{}, etf.Reference{}, false
	}
	fromTuple, isFromTuple := tuple.Elements[1].(etf.Tuple)
	if !isFromTuple || len(fromTuple.Elements) != 2 {
		return nil, etf.Pid{}, etf.Reference{}, false
	}
	callerPid, isPid := fromTuple.Elements[0].(etf.Pid)
	if !isPid {
		return nil, etf.Pid{}, etf.Reference{}, false
	}
	callRef, isRef := fromTuple.Elements[1].(etf.Reference)
	if !isRef {
		return nil, etf.Pid{}, etf.Reference{}, false
	}
	return tuple.Elements[2], callerPid, callRef, true
}

func matchGenCast(body etf.Term) (request etf.Term, ok bool) {
	tuple, isTuple := body.(etf.Tuple)
	if !isTuple || len(tuple.Elements) != 2 {
		return nil, false
	}
	tag, isAtom := tuple.Elements[0].(etf.Atom)
	if !isAtom || tag.Name != "$gen_cast" {
		return nil, false
	}
	return tuple.Elements[1], true
}

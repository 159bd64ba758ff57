package node

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/edpclient/edp/internal/dist"
	"github.com/edpclient/edp/internal/edperr"
	"github.com/edpclient/edp/internal/etf"
	"github.com/edpclient/edp/internal/metrics"
)

// Handler is the behavior a spawned Process runs. HandleMessage consumes one
// mailbox entry at a time, in FIFO order; returning stop=true ends the
// process's run loop and Terminate is called with the same reason before
// exit signals and monitor notifications fan out to links and monitors.
type Handler interface {
	HandleMessage(self *Process, msg Message) (stop bool, reason etf.Term)
	Terminate(self *Process, reason etf.Term)
}

// RemoteSender delivers a distribution message to a named peer node. node
// depends only on this interface so internal/connmgr can supply the
// transport without node importing it back.
type RemoteSender interface {
	SendMessage(target etf.Atom, msg dist.Message) error
}

// Process is one scheduled unit of the local runtime: a pid, a mailbox, and
// a Handler run in its own goroutine over that mailbox, plus the link and
// monitor bookkeeping exit signals fan out over when the process terminates.
type Process struct {
	Pid     etf.Pid
	mailbox *Mailbox
	node    *Node
	handler Handler
	done    chan struct{}

	mu         sync.Mutex
	links      map[etf.Pid]struct{}
	monitors   map[string]monitorEntry // refKey -> the pid watching this process
	monitoring map[string]monitorEntry // refKey -> the pid this process watches
}

// monitorEntry pairs a monitor's Reference with the pid on the other end.
// Reference itself cannot be a map key (its IDs field is a slice, so the
// type isn't comparable), so monitors and monitoring are keyed on refKey's
// derived string instead, with the original Reference kept here for
// messages that must carry it back out.
type monitorEntry struct {
	Ref etf.Reference
	Pid etf.Pid
}

// refKey derives a comparable map key from a Reference.
func refKey(r etf.Reference) string {
	return fmt.Sprintf("%s|%d|%v", r.Node.Name, r.Creation, r.IDs)
}

// Node owns one node's process runtime: pid allocation, the process
// registry, and the reference counter used for monitors. It implements
// dist.Dispatcher so internal/dist can hand it decoded remote messages
// directly.
type Node struct {
	Name     etf.Atom
	Pids     *PidAllocator
	Registry *ProcessRegistry
	Remote   RemoteSender
	log      *slog.Logger

	refCounter   atomic.Uint32
	metrics      *metrics.Metrics
	mailboxDepth atomic.Uint64
}

// NewNode returns a Node named name. remote may be nil until a connection
// manager is attached; outbound operations that need it fail with
// NoSuchProcessError until then rather than panicking.
func NewNode(name etf.Atom, remote RemoteSender, log *slog.Logger) *Node {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Node{
		Name:     name,
		Pids:     NewPidAllocator(name),
		Registry: NewProcessRegistry(),
		Remote:   remote,
		log:      log,
	}
}

// SetMetrics wires a metrics.Metrics value into the node so that process,
// registry, and mailbox gauges are recorded. Omitting it leaves those
// updates as no-ops.
func (n *Node) SetMetrics(m *metrics.Metrics) { n.metrics = m }

func (n *Node) metricsProcessSpawned() {
	if n.metrics != nil {
		n.metrics.ProcessCount.Set(float64(n.Registry.Count()))
	}
}

func (n *Node) metricsProcessTerminated() {
	if n.metrics != nil {
		n.metrics.ProcessCount.Set(float64(n.Registry.Count()))
	}
}

func (n *Node) metricsRegistryChanged() {
	if n.metrics != nil {
		n.metrics.RegistrySize.Set(float64(n.Registry.NameCount()))
	}
}

// observeMailboxDepth records depth against the high-water gauge, which
// only ever moves up: it reports the largest mailbox the node has seen
// since start, not the current instantaneous depth.
func (n *Node) observeMailboxDepth(depth int) {
	if n.metrics == nil || depth < 0 {
		return
	}
	d := uint64(depth)
	for {
		cur := n.mailboxDepth.Load()
		if d <= cur {
			return
		}
		if n.mailboxDepth.CompareAndSwap(cur, d) {
			n.metrics.MailboxDepth.Set(float64(d))
			return
		}
	}
}

// Spawn starts handler as a new Process with its own pid and mailbox
// (capacity <= 0 uses DefaultMailboxCapacity), registers it, and runs its
// message loop in a new goroutine.
func (n *Node) Spawn(handler Handler, mailboxCapacity int) *Process {
	pid := n.Pids.Next()
	p := &Process{
		Pid:        pid,
		mailbox:    NewMailbox(pid, mailboxCapacity),
		node:       n,
		handler:    handler,
		done:       make(chan struct{}),
		links:      make(map[etf.Pid]struct{}),
		monitors:   make(map[string]monitorEntry),
		monitoring: make(map[string]monitorEntry),
	}
	n.Registry.Register(p)
	n.metricsProcessSpawned()
	go p.run()
	return p
}

func (p *Process) run() {
	var reason etf.Term = etf.Atom{Name: "normal"}
loop:
	for {
		select {
		case msg := <-p.mailbox.Receive():
			stop, r := p.handler.HandleMessage(p, msg)
			if stop {
				reason = r
				break loop
			}
		case <-p.mailbox.Closed():
			// Drain whatever is already buffered before exiting; Close is
			// only called by terminate itself (self-initiated stop) or
			// never at all in the normal run, so this path only matters
			// for a handler-initiated stop racing an external Close.
			for {
				select {
				case msg := <-p.mailbox.Receive():
					stop, r := p.handler.HandleMessage(p, msg)
					if stop {
						reason = r
						break loop
					}
				default:
					break loop
				}
			}
		}
	}
	p.terminate(reason)
}

// terminate runs the handler's Terminate hook, deregisters the process, and
// fans the exit out to every link and monitor recorded at the moment of
// exit — each monitor receives exactly one MonitorPExit message.
func (p *Process) terminate(reason etf.Term) {
	p.handler.Terminate(p, reason)
	p.node.Registry.Unregister(p.Pid)
	p.node.metricsProcessTerminated()

	p.mu.Lock()
	links := make([]etf.Pid, 0, len(p.links))
	for linked := range p.links {
		links = append(links, linked)
	}
	watchers := make([]monitorEntry, 0, len(p.monitors))
	for _, entry := range p.monitors {
		watchers = append(watchers, entry)
	}
	p.mu.Unlock()

	for _, linked := range links {
		p.node.sendExit(p.Pid, linked, reason)
	}
	for _, w := range watchers {
		p.node.sendMonitorExit(p.Pid, w.Pid, w.Ref, reason)
	}

	p.mailbox.Close()
	close(p.done)
}

// Done returns a channel closed once the process has fully terminated.
func (p *Process) Done() <-chan struct{} { return p.done }

// Register binds name to this process in the owning node's registry.
func (p *Process) Register(name string) error {
	err := p.node.Registry.RegisterName(name, p.Pid)
	if err == nil {
		p.node.metricsRegistryChanged()
	}
	return err
}

// Unregister removes name's binding.
func (p *Process) Unregister(name string) error {
	err := p.node.Registry.UnregisterName(name)
	if err == nil {
		p.node.metricsRegistryChanged()
	}
	return err
}

// enqueue delivers msg to p's mailbox and samples the mailbox high-water
// gauge, so every send path — local or monitor/exit fan-out — is covered
// without each call site having to remember to record it.
func (p *Process) enqueue(msg Message) error {
	err := p.mailbox.Enqueue(msg)
	p.node.observeMailboxDepth(p.mailbox.Len())
	return err
}

// Link establishes a symmetric link to to, local or remote. Either side
// exiting sends an exit signal to the other.
func (p *Process) Link(to etf.Pid) error {
	p.mu.Lock()
	p.links[to] = struct{}{}
	p.mu.Unlock()

	if p.node.isLocal(to) {
		target, ok := p.node.Registry.Lookup(to)
		if !ok {
			return &edperr.NoSuchProcessError{Pid: to.String()}
		}
		target.mu.Lock()
		target.links[p.Pid] = struct{}{}
		target.mu.Unlock()
		return nil
	}
	return p.node.sendControl(to, dist.Control{Op: dist.OpLink, Link: &dist.LinkArgs{From: p.Pid, To: to}}, nil)
}

// Unlink removes a previously established link. For a remote peer this
// sends UnlinkId and removes local bookkeeping immediately rather than
// waiting on UnlinkIdAck; the ack, when it arrives, is a no-op confirmation
// the peer saw the unlink.
func (p *Process) Unlink(to etf.Pid) error {
	p.mu.Lock()
	delete(p.links, to)
	p.mu.Unlock()

	if p.node.isLocal(to) {
		if target, ok := p.node.Registry.Lookup(to); ok {
			target.mu.Lock()
			delete(target.links, p.Pid)
			target.mu.Unlock()
		}
		return nil
	}
	id := uint64(p.node.refCounter.Add(1))
	return p.node.sendControl(to, dist.Control{Op: dist.OpUnlinkId, UnlinkId: &dist.UnlinkIdArgs{ID: id, From: p.Pid, To: to}}, nil)
}

// Monitor starts watching target (a pid or a registered name), returning a
// reference that correlates the eventual MonitorExit message. If target
// cannot be resolved to a live local process, MonitorExit is delivered
// immediately with reason 'noproc'.
func (p *Process) Monitor(target etf.Term) (etf.Reference, error) {
	ref := p.node.NewReference()

	var targetPid etf.Pid
	switch t := target.(type) {
	case etf.Pid:
		targetPid = t
	case etf.Atom:
		pid, ok := p.node.Registry.WhereIs(t.Name)
		if !ok {
			_ = p.enqueue(Message{Kind: MonitorExit, Ref: ref, Reason: etf.Atom{Name: "noproc"}})
			return ref, nil
		}
		targetPid = pid
	default:
		return etf.Reference{}, &edperr.InvalidControlMessageError{Reason: "monitor target must be a pid or a registered name"}
	}

	key := refKey(ref)
	p.mu.Lock()
	p.monitoring[key] = monitorEntry{Ref: ref, Pid: targetPid}
	p.mu.Unlock()

	if p.node.isLocal(targetPid) {
		targetProc, ok := p.node.Registry.Lookup(targetPid)
		if !ok {
			_ = p.enqueue(Message{Kind: MonitorExit, Monitored: targetPid, Ref: ref, Reason: etf.Atom{Name: "noproc"}})
			return ref, nil
		}
		targetProc.mu.Lock()
		targetProc.monitors[key] = monitorEntry{Ref: ref, Pid: p.Pid}
		targetProc.mu.Unlock()
		return ref, nil
	}

	err := p.node.sendControl(targetPid, dist.Control{Op: dist.OpMonitorP, MonitorP: &dist.MonitorArgs{From: p.Pid, ToProc: targetPid, Ref: ref}}, nil)
	return ref, err
}

// Demonitor stops watching the process identified by ref. It is idempotent:
// demonitoring an already-demonitored or never-issued reference is a no-op.
func (p *Process) Demonitor(ref etf.Reference) {
	key := refKey(ref)
	p.mu.Lock()
	entry, ok := p.monitoring[key]
	if ok {
		delete(p.monitoring, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	targetPid := entry.Pid

	if p.node.isLocal(targetPid) {
		if target, ok := p.node.Registry.Lookup(targetPid); ok {
			target.mu.Lock()
			delete(target.monitors, key)
			target.mu.Unlock()
		}
		return
	}
	_ = p.node.sendControl(targetPid, dist.Control{Op: dist.OpDemonitorP, DemonitorP: &dist.MonitorArgs{From: p.Pid, ToProc: targetPid, Ref: ref}}, nil)
}

// ProcessCount returns the number of local processes currently spawned.
func (n *Node) ProcessCount() int { return n.Registry.Count() }

// RegistryCount returns the number of names currently registered.
func (n *Node) RegistryCount() int { return n.Registry.NameCount() }

// isLocal reports whether pid belongs to this node. Comparison is by name
// only, not full Atom equality: a pid decoded off the wire may carry a
// different AtomEncoding tag than this node's own locally-constructed Name,
// and the two still name the same node.
func (n *Node) isLocal(pid etf.Pid) bool { return pid.Node.Name == n.Name.Name }

// NewReference mints a reference scoped to this node's current incarnation.
func (n *Node) NewReference() etf.Reference {
	return etf.Reference{Node: n.Name, Creation: n.Pids.creation.Load(), IDs: []uint32{n.refCounter.Add(1), 0, 0}}
}

// Send delivers body to to: a local mailbox enqueue if to belongs to this
// node, otherwise an OpSend control message over the remote transport.
func (n *Node) Send(to etf.Pid, body etf.Term) error {
	if n.isLocal(to) {
		proc, ok := n.Registry.Lookup(to)
		if !ok {
			return &edperr.NoSuchProcessError{Pid: to.String()}
		}
		return proc.enqueue(Message{Kind: Regular, Body: body})
	}
	return n.sendControl(to, dist.Control{Op: dist.OpSend, Send: &dist.SendArgs{To: to}}, body)
}

// SendToName delivers body to the process registered as name on targetNode
// (local or remote), using OpRegSend for a remote destination.
func (n *Node) SendToName(from etf.Pid, targetNode etf.Atom, name string, body etf.Term) error {
	if targetNode.Name == n.Name.Name {
		pid, ok := n.Registry.WhereIs(name)
		if !ok {
			return &edperr.NameNotRegisteredError{Name: name}
		}
		return n.Send(pid, body)
	}
	ctrl := dist.Control{Op: dist.OpRegSend, RegSend: &dist.RegSendArgs{From: from, ToName: etf.Atom{Name: name}}}
	return n.sendControlToNode(targetNode, ctrl, body)
}

func (n *Node) sendExit(from, to etf.Pid, reason etf.Term) {
	if n.isLocal(to) {
		n.deliverLocal(to, Message{Kind: ExitSignal, From: from, Reason: reason})
		return
	}
	_ = n.sendControl(to, dist.Control{Op: dist.OpExit, Exit: &dist.ExitArgs{From: from, To: to, Reason: reason}}, nil)
}

func (n *Node) sendMonitorExit(from, watcher etf.Pid, ref etf.Reference, reason etf.Term) {
	if n.isLocal(watcher) {
		n.deliverLocal(watcher, Message{Kind: MonitorExit, Monitored: from, Ref: ref, Reason: reason})
		return
	}
	ctrl := dist.Control{Op: dist.OpMonitorPExit, MonitorPExit: &dist.MonitorExitArgs{FromProc: from, To: watcher, Ref: ref, Reason: reason}}
	_ = n.sendControl(watcher, ctrl, nil)
}

func (n *Node) deliverLocal(pid etf.Pid, msg Message) {
	proc, ok := n.Registry.Lookup(pid)
	if !ok {
		return // target already gone; exit and monitor signals are fire-and-forget
	}
	_ = proc.enqueue(msg)
}

func (n *Node) sendControl(to etf.Pid, ctrl dist.Control, payload etf.Term) error {
	return n.sendControlToNode(to.Node, ctrl, payload)
}

func (n *Node) sendControlToNode(target etf.Atom, ctrl dist.Control, payload etf.Term) error {
	if n.Remote == nil {
		return &edperr.NoSuchProcessError{Pid: target.Name}
	}
	return n.Remote.SendMessage(target, dist.Message{Control: ctrl, Payload: payload})
}

// Dispatch implements dist.Dispatcher: it routes one decoded remote message
// into local mailboxes and link/monitor bookkeeping, mirroring the
// same-node paths Send, Link, and Monitor take for local targets.
func (n *Node) Dispatch(msg dist.Message) {
	ctrl := msg.Control
	switch ctrl.Op {
	case dist.OpSend:
		n.deliverLocal(ctrl.Send.To, Message{Kind: Regular, Body: msg.Payload})

	case dist.OpRegSend:
		pid, ok := n.Registry.WhereIs(ctrl.RegSend.ToName.Name)
		if !ok {
			n.log.Warn("node: reg_send addressed an unregistered name", slog.String("name", ctrl.RegSend.ToName.Name))
			return
		}
		n.deliverLocal(pid, Message{Kind: Regular, Body: msg.Payload})

	case dist.OpLink:
		a := ctrl.Link
		if target, ok := n.Registry.Lookup(a.To); ok {
			target.mu.Lock()
			target.links[a.From] = struct{}{}
			target.mu.Unlock()
		}

	case dist.OpUnlink:
		a := ctrl.Unlink
		if target, ok := n.Registry.Lookup(a.To); ok {
			target.mu.Lock()
			delete(target.links, a.From)
			target.mu.Unlock()
		}

	case dist.OpUnlinkId:
		a := ctrl.UnlinkId
		if target, ok := n.Registry.Lookup(a.To); ok {
			target.mu.Lock()
			delete(target.links, a.From)
			target.mu.Unlock()
		}
		ack := dist.Control{Op: dist.OpUnlinkIdAck, UnlinkIdAck: &dist.UnlinkIdArgs{ID: a.ID, From: a.To, To: a.From}}
		_ = n.sendControl(a.From, ack, nil)

	case dist.OpUnlinkIdAck:
		// No correlation table to resolve against: Unlink already applied its
		// local bookkeeping change before sending UnlinkId, so the ack has
		// nothing left to do.

	case dist.OpExit, dist.OpExit2:
		a := ctrl.Exit
		if a == nil {
			a = ctrl.Exit2
		}
		n.deliverLocal(a.To, Message{Kind: ExitSignal, From: a.From, Reason: a.Reason})

	case dist.OpMonitorP:
		a := ctrl.MonitorP
		targetPid, ok := a.ToProc.(etf.Pid)
		if !ok {
			if name, isAtom := a.ToProc.(etf.Atom); isAtom {
				targetPid, ok = n.Registry.WhereIs(name.Name)
			}
		}
		if !ok {
			exitCtrl := dist.Control{Op: dist.OpMonitorPExit, MonitorPExit: &dist.MonitorExitArgs{FromProc: a.ToProc, To: a.From, Ref: a.Ref, Reason: etf.Atom{Name: "noproc"}}}
			_ = n.sendControl(a.From, exitCtrl, nil)
			return
		}
		if target, ok := n.Registry.Lookup(targetPid); ok {
			target.mu.Lock()
			target.monitors[refKey(a.Ref)] = monitorEntry{Ref: a.Ref, Pid: a.From}
			target.mu.Unlock()
		}

	case dist.OpDemonitorP:
		a := ctrl.DemonitorP
		if targetPid, ok := a.ToProc.(etf.Pid); ok {
			if target, ok := n.Registry.Lookup(targetPid); ok {
				target.mu.Lock()
				delete(target.monitors, refKey(a.Ref))
				target.mu.Unlock()
			}
		}

	case dist.OpMonitorPExit:
		a := ctrl.MonitorPExit
		n.deliverLocal(a.To, Message{Kind: MonitorExit, Ref: a.Ref, Reason: a.Reason})

	case dist.OpNodeLink:
		// Carries no addressable payload; its role is a connection-level
		// liveness signal already handled by the framer's tick cadence.

	default:
		n.log.Warn("node: dispatch received an unrouted op code", slog.Int64("op", int64(ctrl.Op)))
	}
}

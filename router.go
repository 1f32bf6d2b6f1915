package dbus

import (
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// outFrame is one queued outbound write: the serialized message bytes
// and the Unix file descriptors (if any) to pass alongside it. A nil
// *outFrame is the sentinel the router pushes to unblock and
// terminate the send-loop on disconnect.
type outFrame struct {
	bytes []byte
	fds   []int
}

// closeFDs releases the frame's FD duplicates, called by the
// send-loop once they have been handed to the kernel or will never
// be sent.
func (f *outFrame) closeFDs() {
	for _, fd := range f.fds {
		unix.Close(fd)
	}
	f.fds = nil
}

type replySlot struct {
	msg   *Message
	err   error
	ready bool
}

// Router is the central dispatcher: it serializes outbound messages
// into a queue for the transport's send-loop, blocks callers awaiting
// method call replies on a condition variable, and routes incoming
// messages to reply-waiters, registered method handlers, or matching
// signal handlers.
//
// A Router owns no socket; a Transport drains its outbound queue and
// feeds it incoming messages via Incoming, so the two never hold
// direct references to each other.
type Router struct {
	mu   sync.Mutex
	cond *sync.Cond

	waiters       map[uint32]*replySlot
	disconnected  bool
	disconnectErr error
	ownUniqueName string

	outQueue chan *outFrame
	done     chan struct{}

	Signals *Signals
	Methods *Methods
}

// NewRouter creates a Router with an outbound queue of the given
// capacity (0 means unbuffered, which is fine: the send-loop drains
// it continuously once running).
func NewRouter(queueDepth int) *Router {
	r := &Router{
		waiters:  map[uint32]*replySlot{},
		outQueue: make(chan *outFrame, queueDepth),
		done:     make(chan struct{}),
		Signals:  newSignals(),
		Methods:  newMethods(),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// SetOwnUniqueName records the unique name this connection was
// assigned by the bus daemon's Hello reply, consulted when evaluating
// unicast match rules.
func (r *Router) SetOwnUniqueName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ownUniqueName = name
}

// Outbound returns the channel the transport's send-loop reads
// queued frames from.
func (r *Router) Outbound() <-chan *outFrame {
	return r.outQueue
}

// Outgoing serializes msg, enqueues it for the send-loop, and — if it
// is a METHOD_CALL expecting a reply — blocks until the reply
// arrives, the timeout elapses, or the bus disconnects.
//
// A timeout of 0 means "no reply expected": NO_REPLY_EXPECTED is
// assumed already set in msg.Flags by the caller, and Outgoing
// returns immediately after enqueuing.
func (r *Router) Outgoing(msg *Message, requireFDPassing func() bool, timeout time.Duration) ([]any, error) {
	bs, err := msg.ToBytes()
	if err != nil {
		return nil, err
	}
	// Until a frame is enqueued, the message still owns its FD
	// duplicates; error returns before that point release them.
	closeFDs := func() {
		if msg.FDs != nil {
			msg.FDs.Close()
		}
	}
	var fds []int
	if msg.FDs != nil && msg.FDs.Len() > 0 {
		if requireFDPassing != nil && !requireFDPassing() {
			closeFDs()
			return nil, TransportError{Reason: "message carries unix file descriptors but transport does not support FD passing"}
		}
		fds = msg.FDs.All()
	}

	wantReply := msg.Type == MethodCall && msg.Flags&FlagNoReplyExpected == 0

	r.mu.Lock()
	if r.disconnected {
		err := r.disconnectErr
		r.mu.Unlock()
		closeFDs()
		return nil, err
	}
	var slot *replySlot
	if wantReply {
		slot = &replySlot{}
		r.waiters[msg.Serial] = slot
	}
	r.mu.Unlock()

	select {
	case r.outQueue <- &outFrame{bytes: bs, fds: fds}:
	case <-r.done:
		r.mu.Lock()
		err := r.disconnectErr
		delete(r.waiters, msg.Serial)
		r.mu.Unlock()
		closeFDs()
		return nil, err
	}

	if !wantReply {
		return nil, nil
	}
	return r.awaitReply(msg.Serial, slot, timeout)
}

// awaitReply blocks on the router's condition variable until slot is
// filled, timeout elapses, or the bus disconnects.
func (r *Router) awaitReply(serial uint32, slot *replySlot, timeout time.Duration) ([]any, error) {
	var timedOut bool
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			timedOut = true
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		})
		defer timer.Stop()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for !slot.ready && !r.disconnected && !timedOut {
		r.cond.Wait()
	}
	delete(r.waiters, serial)

	switch {
	case slot.ready:
		if slot.err != nil {
			return nil, slot.err
		}
		return slot.msg.Body, nil
	case r.disconnected:
		return nil, r.disconnectErr
	default:
		return nil, TransportError{Reason: fmt.Sprintf("Timeout: %v", timeout)}
	}
}

// Incoming routes a message received off the wire. msg == nil is the
// disconnect sentinel: it unblocks the send-loop and releases every
// reply waiter with the stored disconnect error.
func (r *Router) Incoming(bus *Bus, msg *Message) {
	if msg == nil {
		r.outQueue <- nil
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
		return
	}
	if msg.Type == InvalidMessage {
		return
	}

	switch msg.Type {
	case MethodReturn, ErrorMessage:
		r.completeReply(msg)
	case MethodCall:
		r.dispatchCall(bus, msg)
	case Signal:
		r.dispatchSignal(msg)
	}
}

func (r *Router) completeReply(msg *Message) {
	serial := msg.ReplySerial()
	r.mu.Lock()
	slot, ok := r.waiters[serial]
	if !ok {
		r.mu.Unlock()
		return
	}
	slot.msg = msg
	if msg.Type == ErrorMessage {
		slot.err = DBusError{Name: msg.ErrorName(), Sig: msg.BodySig, Args: msg.Body}
	}
	slot.ready = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *Router) dispatchCall(bus *Bus, msg *Message) {
	handler, sig, ok := r.Methods.Find(msg.Path(), msg.Interface(), msg.Member())
	if !ok {
		if h, s, ok := peerHandler(msg.Interface(), msg.Member()); ok {
			handler, sig = h, s
		} else {
			r.replyError(bus, msg, ErrUnknownMethod, "s", "no such method")
			return
		}
	}
	if sig != msg.BodySig {
		r.replyError(bus, msg, ErrInvalidArgs, "s", "signature mismatch")
		return
	}
	result := invokeMethodHandler(handler, bus, msg.Info())
	if msg.Flags&FlagNoReplyExpected != 0 {
		return
	}
	if result.Err != nil {
		r.replyError(bus, msg, result.Err.Name, result.Err.bodySig(), result.Err.Args...)
		return
	}
	if bus != nil {
		_ = bus.MethodReturn(msg.Serial, msg.Sender(), result.Sig, result.Args...)
	}
}

// invokeMethodHandler runs handler, converting a panic carrying a
// DBusError into the same typed result a handler can return directly,
// and logging (without crashing the recv-loop) any other panic.
func invokeMethodHandler(handler MethodHandler, bus *Bus, info MessageInfo) (result MethodResult) {
	defer func() {
		if p := recover(); p != nil {
			if de, ok := p.(DBusError); ok {
				result = MethodResult{Err: &de}
				return
			}
			log.Printf("dbus: method handler for %s panicked: %v", info.Member, p)
			result = MethodResult{Err: &DBusError{Name: ErrFailed, Args: []any{"internal error"}}}
		}
	}()
	return handler(bus, info)
}

func (r *Router) replyError(bus *Bus, msg *Message, name string, sig Signature, args ...any) {
	if bus == nil {
		return
	}
	if err := bus.SendError(name, msg.Serial, msg.Sender(), sig, args...); err != nil {
		log.Printf("dbus: failed to send error reply: %v", err)
	}
}

// peerHandler answers org.freedesktop.DBus.Peer methods, which every
// object implicitly supports regardless of what is registered at its
// path. It is consulted only when no explicit handler matched.
func peerHandler(iface, member string) (MethodHandler, Signature, bool) {
	if iface != "" && iface != "org.freedesktop.DBus.Peer" {
		return nil, "", false
	}
	switch member {
	case "Ping":
		return func(*Bus, MessageInfo) MethodResult {
			return MethodResult{}
		}, "", true
	case "GetMachineId":
		return func(*Bus, MessageInfo) MethodResult {
			id, err := localMachineID()
			if err != nil {
				return MethodResult{Err: &DBusError{Name: ErrFailed, Args: []any{err.Error()}}}
			}
			return MethodResult{Sig: "s", Args: []any{id}}
		}, "", true
	}
	return nil, "", false
}

func (r *Router) dispatchSignal(msg *Message) {
	r.mu.Lock()
	own := r.ownUniqueName
	r.mu.Unlock()
	for _, h := range r.Signals.Matches(msg, own) {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Printf("dbus: signal handler for %s.%s panicked: %v", msg.Interface(), msg.Member(), p)
				}
			}()
			h(msg.Info())
		}()
	}
}

// Disconnect marks the router as permanently disconnected with err,
// releasing all blocked reply waiters and unblocking the send-loop.
// It is idempotent.
func (r *Router) Disconnect(err error) {
	r.mu.Lock()
	if r.disconnected {
		r.mu.Unlock()
		return
	}
	r.disconnected = true
	r.disconnectErr = err
	r.mu.Unlock()
	close(r.done)
	r.Incoming(nil, nil)
}

// Disconnected reports whether the router has been torn down, and if
// so, the error that caused it.
func (r *Router) Disconnected() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected, r.disconnectErr
}

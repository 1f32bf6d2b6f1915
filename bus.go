package dbus

import (
	"errors"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/opendcar/dcar/fragments"
	"github.com/opendcar/dcar/transport"
)

// busIface and busPath are the bus daemon's own well-known interface
// and object path, used for Hello, AddMatch, and RemoveMatch.
const (
	busIface = "org.freedesktop.DBus"
	busPath  = ObjectPath("/org/freedesktop/DBus")
	busDest  = "org.freedesktop.DBus"
)

// defaultCallTimeout bounds the one method call Connect makes itself
// (Hello); application calls pick their own timeout.
const defaultCallTimeout = 25 * time.Second

// Bus is a connection to a D-Bus message bus: an address, a
// transport, and the Router that drives it.
//
// A Bus is connected with Connect and torn down with Disconnect; it
// is not reusable after disconnection. All exported methods are safe
// for concurrent use.
type Bus struct {
	addr   Address
	router *Router

	mu             sync.Mutex
	connected      bool
	conn           transport.Conn
	guid           string
	uniqueName     string
	unixFDsEnabled bool
	err            error
	loops          *taskgroup.Group
}

// Dial parses address and connects to the named bus.
func Dial(address string) (*Bus, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	b := &Bus{addr: addr, router: NewRouter(16)}
	if err := b.Connect(); err != nil {
		return nil, err
	}
	return b, nil
}

// SystemBus connects to the system bus.
func SystemBus() (*Bus, error) { return Dial("system") }

// SessionBus connects to the caller's session bus.
func SessionBus() (*Bus, error) { return Dial("session") }

// WithBus dials address, passes the connected Bus to fn, and
// disconnects it when fn returns, regardless of outcome.
func WithBus(address string, fn func(*Bus) error) error {
	b, err := Dial(address)
	if err != nil {
		return err
	}
	defer b.Disconnect()
	return fn(b)
}

// Connect establishes the transport connection and performs the
// Hello handshake. It is a single-shot operation: calling Connect
// again on an already-connected Bus is a no-op, and a Bus that has
// been disconnected cannot be reconnected. Dial a fresh Bus instead.
func (b *Bus) Connect() error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	if b.err != nil {
		b.mu.Unlock()
		return TransportError{Reason: "bus was disconnected and cannot be reconnected"}
	}
	b.mu.Unlock()

	conn, guid, unixFDsEnabled, err := b.dialAny()
	if err != nil {
		if errors.Is(err, transport.ErrAuthentication) {
			return AuthenticationError{Reason: err.Error()}
		}
		return TransportError{Reason: "connection failed", Err: err}
	}
	return b.start(conn, guid, unixFDsEnabled)
}

// start installs an already-authenticated transport connection,
// launches the send and receive loops, and performs the Hello
// handshake with the bus daemon.
func (b *Bus) start(conn transport.Conn, guid string, unixFDsEnabled bool) error {
	b.mu.Lock()
	b.conn = conn
	b.guid = guid
	b.unixFDsEnabled = unixFDsEnabled
	b.connected = true
	b.mu.Unlock()

	b.loops = taskgroup.New(nil)
	b.loops.Run(b.sendLoop)
	b.loops.Run(b.recvLoop)

	reply, err := b.Call(busPath, busIface, "Hello", busDest, Signature(""), nil, defaultCallTimeout)
	if err != nil {
		b.Disconnect()
		return TransportError{Reason: "Hello call failed", Err: err}
	}
	if len(reply) > 0 {
		if name, ok := reply[0].(string); ok {
			b.mu.Lock()
			b.uniqueName = name
			b.mu.Unlock()
			b.router.SetOwnUniqueName(name)
		}
	}
	return nil
}

// dialAny tries every transport entry in b.addr in turn, returning the
// first one that connects and authenticates successfully.
func (b *Bus) dialAny() (transport.Conn, string, bool, error) {
	var lastErr error
	for _, e := range b.addr.entries {
		res, err := transport.Dial(e.name, e.params)
		if err != nil {
			lastErr = err
			continue
		}
		return res.Conn, res.GUID, res.UnixFDsEnabled, nil
	}
	if lastErr == nil {
		lastErr = AddressError{b.addr.String(), "no usable transport entry"}
	}
	return nil, "", false, lastErr
}

// Address returns the address string this Bus was dialed with.
func (b *Bus) Address() string { return b.addr.String() }

// Connected reports whether the Bus is currently connected.
func (b *Bus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// UniqueName returns the unique bus name assigned by Hello.
func (b *Bus) UniqueName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uniqueName
}

// GUID returns the bus daemon's GUID, negotiated during authentication.
func (b *Bus) GUID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.guid
}

// UnixFDsEnabled reports whether the transport negotiated Unix file
// descriptor passing.
func (b *Bus) UnixFDsEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unixFDsEnabled
}

// Err returns the error that caused disconnection, if any.
func (b *Bus) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// RaiseOnError returns Err(), for callers that prefer an
// error-returning idiom at the end of a sequence of calls.
func (b *Bus) RaiseOnError() error { return b.Err() }

// Disconnect tears down the connection, idempotently. It unblocks any
// in-flight method calls with a disconnection error.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	conn := b.conn
	b.mu.Unlock()

	b.setErr(TransportError{Reason: ErrDisconnected})
	b.router.Disconnect(b.Err())
	if conn != nil {
		conn.Close()
	}
	b.loops.Wait()
	return nil
}

func (b *Bus) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

// fail records err as the cause of disconnection and tears the bus
// down, called from the send/recv loops on any I/O error.
func (b *Bus) fail(err error) {
	b.setErr(err)
	go b.Disconnect()
}

func (b *Bus) sendLoop() {
	for frame := range b.router.Outbound() {
		if frame == nil {
			return
		}
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			frame.closeFDs()
			b.drainOutbound()
			return
		}
		err := conn.Send(frame.bytes, frame.fds)
		// Ownership of the frame's FD duplicates transferred here: on
		// success the kernel holds its own references, on failure they
		// will never be sent. Either way they are closed now.
		frame.closeFDs()
		if err != nil {
			b.fail(TransportError{Reason: "write failed", Err: err})
			b.drainOutbound()
			return
		}
	}
}

// drainOutbound discards queued frames until the disconnect sentinel
// arrives, so that Router.Disconnect can always enqueue it even when
// the socket is already dead.
func (b *Bus) drainOutbound() {
	for frame := range b.router.Outbound() {
		if frame == nil {
			return
		}
		frame.closeFDs()
	}
}

func (b *Bus) recvLoop() {
	for {
		b.mu.Lock()
		conn := b.conn
		unixFDsEnabled := b.unixFDsEnabled
		b.mu.Unlock()
		if conn == nil {
			return
		}

		hdr, err := conn.Peek(HeaderPeekSize)
		if err != nil {
			b.fail(TransportError{Reason: "read failed", Err: err})
			return
		}
		total, fieldsSize, err := PeekSizes(hdr)
		if err != nil {
			b.fail(err)
			return
		}

		var fdCount int
		if unixFDsEnabled && conn.SupportsFDs() {
			fieldsHdr, err := conn.Peek(HeaderPeekSize + fieldsSize)
			if err != nil {
				b.fail(TransportError{Reason: "read failed", Err: err})
				return
			}
			fdCount, err = PeekUnixFDs(fieldsHdr, fieldsSize)
			if err != nil {
				b.fail(err)
				return
			}
		}

		buf := make([]byte, total)
		if err := conn.Recv(buf); err != nil {
			b.fail(TransportError{Reason: "read failed", Err: err})
			return
		}

		var fdList *fragments.FDList
		if fdCount > 0 {
			fds, err := conn.PopFDs(fdCount)
			if err != nil {
				b.fail(TransportError{Reason: "reading unix file descriptors", Err: err})
				return
			}
			fdList = &fragments.FDList{}
			fdList.Append(fds...)
		}

		msg, err := FromBytes(buf, fdList)
		if err != nil {
			b.fail(err)
			return
		}
		b.router.Incoming(b, msg)
	}
}

// CallOptions carries the optional parameters of Call beyond the
// method's addressing and arguments.
type CallOptions struct {
	Sender                        string
	Timeout                       time.Duration
	NoAutoStart                   bool
	AllowInteractiveAuthorization bool
}

// Call invokes a remote method and blocks for its reply. A zero
// timeout means "no reply expected": the call is sent with
// NO_REPLY_EXPECTED set and Call returns immediately with a nil body.
func (b *Bus) Call(path ObjectPath, iface, member, destination string, sig Signature, args []any, timeout time.Duration) ([]any, error) {
	return b.CallWithOptions(path, iface, member, destination, sig, args, CallOptions{Timeout: timeout})
}

// CallWithOptions is Call with the full set of per-call flags.
func (b *Bus) CallWithOptions(path ObjectPath, iface, member, destination string, sig Signature, args []any, opts CallOptions) ([]any, error) {
	if !b.Connected() {
		return nil, TransportError{Reason: "not connected"}
	}
	var flags HeaderFlags
	if opts.Timeout == 0 {
		flags |= FlagNoReplyExpected
	}
	if opts.NoAutoStart {
		flags |= FlagNoAutoStart
	}
	if opts.AllowInteractiveAuthorization {
		flags |= FlagAllowInteractiveAuth
	}
	fields := map[HeaderField]any{
		FieldPath:   path,
		FieldMember: member,
	}
	if destination != "" {
		fields[FieldDestination] = destination
	}
	if iface != "" {
		fields[FieldInterface] = iface
	}
	if opts.Sender != "" {
		fields[FieldSender] = opts.Sender
	}
	msg, err := NewMessage(fragments.NativeEndian, MethodCall, flags, fields, sig, args)
	if err != nil {
		return nil, err
	}
	return b.router.Outgoing(msg, b.transportSupportsFDs, opts.Timeout)
}

func (b *Bus) transportSupportsFDs() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unixFDsEnabled
}

// MethodReturn sends a METHOD_RETURN reply to replySerial.
func (b *Bus) MethodReturn(replySerial uint32, destination string, sig Signature, args ...any) error {
	fields := map[HeaderField]any{
		FieldReplySerial: replySerial,
	}
	if destination != "" {
		fields[FieldDestination] = destination
	}
	msg, err := NewMessage(fragments.NativeEndian, MethodReturn, FlagNoReplyExpected, fields, sig, args)
	if err != nil {
		return err
	}
	_, err = b.router.Outgoing(msg, b.transportSupportsFDs, 0)
	return err
}

// SendError sends an ERROR reply to replySerial.
func (b *Bus) SendError(name string, replySerial uint32, destination string, sig Signature, args ...any) error {
	fields := map[HeaderField]any{
		FieldErrorName:   name,
		FieldReplySerial: replySerial,
	}
	if destination != "" {
		fields[FieldDestination] = destination
	}
	msg, err := NewMessage(fragments.NativeEndian, ErrorMessage, FlagNoReplyExpected, fields, sig, args)
	if err != nil {
		return err
	}
	_, err = b.router.Outgoing(msg, b.transportSupportsFDs, 0)
	return err
}

// EmitSignal broadcasts a SIGNAL message from path.
func (b *Bus) EmitSignal(path ObjectPath, iface, signal, destination string, sig Signature, args ...any) error {
	fields := map[HeaderField]any{
		FieldPath:      path,
		FieldInterface: iface,
		FieldMember:    signal,
	}
	if destination != "" {
		fields[FieldDestination] = destination
	}
	msg, err := NewMessage(fragments.NativeEndian, Signal, FlagNoReplyExpected, fields, sig, args)
	if err != nil {
		return err
	}
	_, err = b.router.Outgoing(msg, b.transportSupportsFDs, 0)
	return err
}

// RegisterSignal registers handler against rule. Unless rule is
// unicast, this also sends AddMatch to the bus daemon; if that call
// fails, the local registration is rolled back.
func (b *Bus) RegisterSignal(rule MatchRule, handler SignalHandler, timeout time.Duration) (uint64, error) {
	id, err := b.router.Signals.Add(rule, handler)
	if err != nil {
		return 0, err
	}
	if rule.unicast {
		return id, nil
	}
	if _, err := b.Call(busPath, busIface, "AddMatch", busDest, "s", []any{rule.String()}, timeout); err != nil {
		b.router.Signals.Remove(id)
		return 0, err
	}
	return id, nil
}

// UnregisterSignal removes a signal registration and, for non-unicast
// rules, sends RemoveMatch to the bus daemon.
func (b *Bus) UnregisterSignal(id uint64, rule MatchRule, timeout time.Duration) error {
	b.router.Signals.Remove(id)
	if rule.unicast {
		return nil
	}
	_, err := b.Call(busPath, busIface, "RemoveMatch", busDest, "s", []any{rule.String()}, timeout)
	return err
}

// RegisterMethod registers handler to answer METHOD_CALLs to
// (path, iface, member).
func (b *Bus) RegisterMethod(path ObjectPath, iface, member string, handler MethodHandler, sig Signature) (uint64, error) {
	return b.router.Methods.Add(path, iface, member, handler, sig)
}

// UnregisterMethod removes a method registration.
func (b *Bus) UnregisterMethod(id uint64) {
	b.router.Methods.Remove(id)
}

package dbus

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opendcar/dcar/fragments"
)

// fakeConn is a scripted transport.Conn: tests feed it the bytes the
// "daemon" sends, and its onSend hook inspects everything the bus
// writes, optionally feeding back replies.
type fakeConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	fds    []int
	closed bool

	supportsFDs bool
	onSend      func(c *fakeConn, msg *Message)

	sentMu sync.Mutex
	sent   []*Message
}

func newFakeConn(onSend func(c *fakeConn, msg *Message)) *fakeConn {
	c := &fakeConn{onSend: onSend}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// feed queues bs as bytes arriving from the daemon.
func (c *fakeConn) feed(bs []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, bs...)
	c.cond.Broadcast()
}

// feedMsg serializes msg and queues it as daemon output.
func (c *fakeConn) feedMsg(msg *Message) {
	bs, err := msg.ToBytes()
	if err != nil {
		panic(err)
	}
	c.feed(bs)
}

func (c *fakeConn) waitFor(n int) error {
	for len(c.buf) < n && !c.closed {
		c.cond.Wait()
	}
	if len(c.buf) < n {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (c *fakeConn) Peek(n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.waitFor(n); err != nil {
		return nil, err
	}
	return append([]byte(nil), c.buf[:n]...), nil
}

func (c *fakeConn) Recv(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.waitFor(len(buf)); err != nil {
		return err
	}
	copy(buf, c.buf)
	c.buf = c.buf[len(buf):]
	return nil
}

func (c *fakeConn) PopFDs(n int) ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.fds) < n {
		return nil, errors.New("requested unix file descriptor not available")
	}
	out := c.fds[:n]
	c.fds = c.fds[n:]
	return out, nil
}

func (c *fakeConn) Send(bs []byte, fds []int) error {
	msg, err := FromBytes(bs, nil)
	if err != nil {
		return err
	}
	c.sentMu.Lock()
	c.sent = append(c.sent, msg)
	c.sentMu.Unlock()
	if c.onSend != nil {
		c.onSend(c, msg)
	}
	return nil
}

func (c *fakeConn) SupportsFDs() bool { return c.supportsFDs }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
	return nil
}

// awaitSent polls for a sent message satisfying pred.
func (c *fakeConn) awaitSent(t *testing.T, what string, pred func(*Message) bool) *Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.sentMu.Lock()
		for _, m := range c.sent {
			if pred(m) {
				c.sentMu.Unlock()
				return m
			}
		}
		c.sentMu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("bus never sent %s", what)
	return nil
}

// daemonScript answers the daemon-side methods a connecting Bus
// invokes: Hello with a fixed unique name, AddMatch and RemoveMatch
// with empty success replies.
func daemonScript(uniqueName string) func(c *fakeConn, msg *Message) {
	return func(c *fakeConn, msg *Message) {
		if msg.Type != MethodCall || msg.Destination() != "org.freedesktop.DBus" {
			return
		}
		reply := func(sig Signature, body ...any) {
			m, err := NewMessage(fragments.LittleEndian, MethodReturn, FlagNoReplyExpected, map[HeaderField]any{
				FieldReplySerial: msg.Serial,
				FieldSender:      "org.freedesktop.DBus",
			}, sig, body)
			if err != nil {
				panic(err)
			}
			c.feedMsg(m)
		}
		switch msg.Member() {
		case "Hello":
			reply("s", uniqueName)
		case "AddMatch", "RemoveMatch":
			reply("")
		}
	}
}

func newFakeBus(t *testing.T, conn *fakeConn) *Bus {
	t.Helper()
	b := &Bus{addr: Address{raw: "test:"}, router: NewRouter(16)}
	if err := b.start(conn, "test-guid", conn.supportsFDs); err != nil {
		t.Fatalf("starting bus on fake transport: %v", err)
	}
	t.Cleanup(func() { b.Disconnect() })
	return b
}

func TestBusHello(t *testing.T) {
	conn := newFakeConn(daemonScript(":1.42"))
	bus := newFakeBus(t, conn)

	if got := bus.UniqueName(); got != ":1.42" {
		t.Errorf("UniqueName() = %q, want :1.42", got)
	}
	if got := bus.GUID(); got != "test-guid" {
		t.Errorf("GUID() = %q, want test-guid", got)
	}
	hello := conn.awaitSent(t, "Hello", func(m *Message) bool { return m.Member() == "Hello" })
	if hello.Path() != "/org/freedesktop/DBus" || hello.Interface() != "org.freedesktop.DBus" {
		t.Errorf("Hello sent to (%s, %s), want the daemon's path and interface", hello.Path(), hello.Interface())
	}
}

func TestBusCallTimeout(t *testing.T) {
	conn := newFakeConn(daemonScript(":1.1"))
	bus := newFakeBus(t, conn)

	start := time.Now()
	_, err := bus.Call("/silent", "org.test.Silent", "Never", "org.test.Silent", "", nil, 100*time.Millisecond)
	var te TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Call = %v, want TransportError", err)
	}
	if !strings.Contains(te.Reason, "Timeout") {
		t.Errorf("timeout error reason = %q, want it to name the timeout", te.Reason)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timed-out call took %v", elapsed)
	}

	bus.router.mu.Lock()
	lingering := len(bus.router.waiters)
	bus.router.mu.Unlock()
	if lingering != 0 {
		t.Errorf("%d reply slots linger after timeout, want 0", lingering)
	}
}

func TestBusSignalDispatch(t *testing.T) {
	conn := newFakeConn(daemonScript(":1.5"))
	bus := newFakeBus(t, conn)

	got := make(chan MessageInfo, 2)
	rule := NewMatchRule().WithInterface("a.b").WithSignalName("X")
	if _, err := bus.RegisterSignal(rule, func(info MessageInfo) {
		got <- info
	}, time.Second); err != nil {
		t.Fatalf("RegisterSignal: %v", err)
	}
	conn.awaitSent(t, "AddMatch", func(m *Message) bool { return m.Member() == "AddMatch" })

	sig, err := NewMessage(fragments.LittleEndian, Signal, FlagNoReplyExpected, map[HeaderField]any{
		FieldPath:      ObjectPath("/whatever"),
		FieldInterface: "a.b",
		FieldMember:    "X",
		FieldSender:    ":1.9",
	}, "s", []any{"hi"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	conn.feedMsg(sig)

	select {
	case info := <-got:
		if len(info.Args) != 1 || info.Args[0] != "hi" {
			t.Errorf("handler args = %#v, want [hi]", info.Args)
		}
		if info.Sender != ":1.9" {
			t.Errorf("handler sender = %q, want :1.9", info.Sender)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("signal handler never invoked")
	}

	select {
	case <-got:
		t.Error("signal handler invoked more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusUnknownMethodReply(t *testing.T) {
	conn := newFakeConn(daemonScript(":1.2"))
	bus := newFakeBus(t, conn)
	_ = bus

	call, err := NewMessage(fragments.LittleEndian, MethodCall, 0, map[HeaderField]any{
		FieldPath:      ObjectPath("/nothing/here"),
		FieldInterface: "org.test.Missing",
		FieldMember:    "Nope",
		FieldSender:    ":1.77",
	}, "", nil)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	conn.feedMsg(call)

	reply := conn.awaitSent(t, "an error reply", func(m *Message) bool {
		return m.Type == ErrorMessage && m.ReplySerial() == call.Serial
	})
	if reply.ErrorName() != ErrUnknownMethod {
		t.Errorf("error name = %q, want %q", reply.ErrorName(), ErrUnknownMethod)
	}
	if reply.Destination() != ":1.77" {
		t.Errorf("error destination = %q, want the caller :1.77", reply.Destination())
	}
}

func TestBusMethodDispatch(t *testing.T) {
	conn := newFakeConn(daemonScript(":1.3"))
	bus := newFakeBus(t, conn)

	if _, err := bus.RegisterMethod("/obj", "org.test.Echo", "Echo",
		func(b *Bus, info MessageInfo) MethodResult {
			s, _ := info.Args[0].(string)
			return MethodResult{Sig: "s", Args: []any{"echo: " + s}}
		}, "s"); err != nil {
		t.Fatalf("RegisterMethod: %v", err)
	}

	call, err := NewMessage(fragments.LittleEndian, MethodCall, 0, map[HeaderField]any{
		FieldPath:      ObjectPath("/obj"),
		FieldInterface: "org.test.Echo",
		FieldMember:    "Echo",
		FieldSender:    ":1.50",
	}, "s", []any{"knock"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	conn.feedMsg(call)

	reply := conn.awaitSent(t, "a method return", func(m *Message) bool {
		return m.Type == MethodReturn && m.ReplySerial() == call.Serial
	})
	if len(reply.Body) != 1 || reply.Body[0] != "echo: knock" {
		t.Errorf("reply body = %#v, want [echo: knock]", reply.Body)
	}
}

func TestBusMethodSignatureMismatch(t *testing.T) {
	conn := newFakeConn(daemonScript(":1.4"))
	bus := newFakeBus(t, conn)

	if _, err := bus.RegisterMethod("/obj", "org.test.Echo", "Echo",
		func(b *Bus, info MessageInfo) MethodResult { return MethodResult{} }, "s"); err != nil {
		t.Fatalf("RegisterMethod: %v", err)
	}

	call, err := NewMessage(fragments.LittleEndian, MethodCall, 0, map[HeaderField]any{
		FieldPath:      ObjectPath("/obj"),
		FieldInterface: "org.test.Echo",
		FieldMember:    "Echo",
		FieldSender:    ":1.50",
	}, "u", []any{uint32(1)}) // handler expects "s"
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	conn.feedMsg(call)

	reply := conn.awaitSent(t, "an error reply", func(m *Message) bool {
		return m.Type == ErrorMessage && m.ReplySerial() == call.Serial
	})
	if reply.ErrorName() != ErrInvalidArgs {
		t.Errorf("error name = %q, want %q", reply.ErrorName(), ErrInvalidArgs)
	}
}

func TestBusHandlerError(t *testing.T) {
	conn := newFakeConn(daemonScript(":1.6"))
	bus := newFakeBus(t, conn)

	if _, err := bus.RegisterMethod("/obj", "org.test.Failing", "Fail",
		func(b *Bus, info MessageInfo) MethodResult {
			return MethodResult{Err: &DBusError{Name: "org.test.Error.Custom", Args: []any{"boom"}}}
		}, ""); err != nil {
		t.Fatalf("RegisterMethod: %v", err)
	}

	call, err := NewMessage(fragments.LittleEndian, MethodCall, 0, map[HeaderField]any{
		FieldPath:      ObjectPath("/obj"),
		FieldInterface: "org.test.Failing",
		FieldMember:    "Fail",
		FieldSender:    ":1.50",
	}, "", nil)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	conn.feedMsg(call)

	reply := conn.awaitSent(t, "an error reply", func(m *Message) bool {
		return m.Type == ErrorMessage && m.ReplySerial() == call.Serial
	})
	if reply.ErrorName() != "org.test.Error.Custom" {
		t.Errorf("error name = %q, want org.test.Error.Custom", reply.ErrorName())
	}
	if len(reply.Body) != 1 || reply.Body[0] != "boom" {
		t.Errorf("error body = %#v, want [boom]", reply.Body)
	}
}

func TestBusAddMatchFailureRollsBack(t *testing.T) {
	conn := newFakeConn(func(c *fakeConn, msg *Message) {
		if msg.Type != MethodCall || msg.Destination() != "org.freedesktop.DBus" {
			return
		}
		switch msg.Member() {
		case "Hello":
			m, err := NewMessage(fragments.LittleEndian, MethodReturn, FlagNoReplyExpected, map[HeaderField]any{
				FieldReplySerial: msg.Serial,
				FieldSender:      "org.freedesktop.DBus",
			}, "s", []any{":1.8"})
			if err != nil {
				panic(err)
			}
			c.feedMsg(m)
		case "AddMatch":
			m, err := NewMessage(fragments.LittleEndian, ErrorMessage, FlagNoReplyExpected, map[HeaderField]any{
				FieldReplySerial: msg.Serial,
				FieldErrorName:   "org.freedesktop.DBus.Error.MatchRuleInvalid",
				FieldSender:      "org.freedesktop.DBus",
			}, "s", []any{"no"})
			if err != nil {
				panic(err)
			}
			c.feedMsg(m)
		}
	})
	bus := newFakeBus(t, conn)

	rule := NewMatchRule().WithInterface("a.b")
	handler := func(MessageInfo) {}
	if _, err := bus.RegisterSignal(rule, handler, time.Second); err == nil {
		t.Fatal("RegisterSignal succeeded despite AddMatch failure")
	}

	// The failed registration must have been rolled back: the same
	// pair can be registered again without a duplicate error.
	if _, err := bus.router.Signals.Add(rule, handler); err != nil {
		t.Errorf("registry still holds the rolled-back registration: %v", err)
	}
}

func TestBusDisconnectReleasesCallers(t *testing.T) {
	conn := newFakeConn(daemonScript(":1.7"))
	bus := newFakeBus(t, conn)

	done := make(chan error, 1)
	go func() {
		_, err := bus.Call("/x", "org.test.X", "Slow", "org.test.X", "", nil, 30*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	bus.Disconnect()

	select {
	case err := <-done:
		if err == nil {
			t.Error("in-flight call returned nil after disconnect, want error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call not released by disconnect")
	}

	if bus.Err() == nil {
		t.Error("Err() = nil after disconnect")
	}
	if err := bus.Connect(); err == nil {
		t.Error("Connect after Disconnect succeeded, want error")
	}
}

func TestBusEmitSignal(t *testing.T) {
	conn := newFakeConn(daemonScript(":1.10"))
	bus := newFakeBus(t, conn)

	if err := bus.EmitSignal("/from/here", "org.test.Events", "Happened", "", "s", "payload"); err != nil {
		t.Fatalf("EmitSignal: %v", err)
	}
	sig := conn.awaitSent(t, "the emitted signal", func(m *Message) bool {
		return m.Type == Signal && m.Member() == "Happened"
	})
	if sig.Path() != "/from/here" || sig.Interface() != "org.test.Events" {
		t.Errorf("signal addressed (%s, %s)", sig.Path(), sig.Interface())
	}
	if len(sig.Body) != 1 || sig.Body[0] != "payload" {
		t.Errorf("signal body = %#v, want [payload]", sig.Body)
	}
}

// Package integration exercises the library against a real
// dbus-daemon, covering the paths a scripted fake transport cannot:
// authentication, the daemon's name registry, broadcast signal
// routing, and cross-connection method calls.
package integration

import (
	"errors"
	"strings"
	"testing"
	"time"

	dbus "github.com/opendcar/dcar"
	"github.com/opendcar/dcar/dcartest"
)

const timeout = 10 * time.Second

func TestHello(t *testing.T) {
	daemon := dcartest.Start(t)
	bus := daemon.MustDial(t)

	if name := bus.UniqueName(); !strings.HasPrefix(name, ":") {
		t.Errorf("UniqueName() = %q, want a unique name", name)
	}
	if !bus.Connected() {
		t.Error("Connected() = false after successful dial")
	}
	if bus.Err() != nil {
		t.Errorf("Err() = %v after successful dial", bus.Err())
	}
}

func TestMethodCallBetweenConnections(t *testing.T) {
	daemon := dcartest.Start(t)
	server := daemon.MustDial(t)
	client := daemon.MustDial(t)

	_, err := server.RegisterMethod("/test", "org.test.Echo", "Echo",
		func(b *dbus.Bus, info dbus.MessageInfo) dbus.MethodResult {
			s, _ := info.Args[0].(string)
			return dbus.MethodResult{Sig: "s", Args: []any{"echo: " + s}}
		}, "s")
	if err != nil {
		t.Fatalf("RegisterMethod: %v", err)
	}

	reply, err := client.Call("/test", "org.test.Echo", "Echo", server.UniqueName(), "s", []any{"hi"}, timeout)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(reply) != 1 || reply[0] != "echo: hi" {
		t.Errorf("Call reply = %#v, want [echo: hi]", reply)
	}
}

func TestMethodCallErrors(t *testing.T) {
	daemon := dcartest.Start(t)
	server := daemon.MustDial(t)
	client := daemon.MustDial(t)

	_, err := server.RegisterMethod("/test", "org.test.Failing", "Fail",
		func(b *dbus.Bus, info dbus.MessageInfo) dbus.MethodResult {
			return dbus.MethodResult{Err: &dbus.DBusError{
				Name: "org.test.Error.Deliberate",
				Args: []any{"requested failure"},
			}}
		}, "")
	if err != nil {
		t.Fatalf("RegisterMethod: %v", err)
	}

	_, err = client.Call("/test", "org.test.Failing", "Fail", server.UniqueName(), "", nil, timeout)
	var dbusErr dbus.DBusError
	if !errors.As(err, &dbusErr) {
		t.Fatalf("Call returned %v, want DBusError", err)
	}
	if dbusErr.Name != "org.test.Error.Deliberate" {
		t.Errorf("error name = %q, want org.test.Error.Deliberate", dbusErr.Name)
	}

	_, err = client.Call("/test", "org.test.Missing", "Nope", server.UniqueName(), "", nil, timeout)
	if !errors.As(err, &dbusErr) {
		t.Fatalf("Call of unregistered method returned %v, want DBusError", err)
	}
	if dbusErr.Name != dbus.ErrUnknownMethod {
		t.Errorf("error name = %q, want %q", dbusErr.Name, dbus.ErrUnknownMethod)
	}
}

func TestSignalDelivery(t *testing.T) {
	daemon := dcartest.Start(t)
	receiver := daemon.MustDial(t)
	sender := daemon.MustDial(t)

	got := make(chan dbus.MessageInfo, 1)
	rule := dbus.NewMatchRule().
		WithInterface("org.test.Events").
		WithSignalName("Ping")
	id, err := receiver.RegisterSignal(rule, func(info dbus.MessageInfo) {
		select {
		case got <- info:
		default:
		}
	}, timeout)
	if err != nil {
		t.Fatalf("RegisterSignal: %v", err)
	}

	if err := sender.EmitSignal("/test", "org.test.Events", "Ping", "", "s", "hello"); err != nil {
		t.Fatalf("EmitSignal: %v", err)
	}

	select {
	case info := <-got:
		if !info.IsSignal {
			t.Error("handler info.IsSignal = false for a signal")
		}
		if len(info.Args) != 1 || info.Args[0] != "hello" {
			t.Errorf("signal args = %#v, want [hello]", info.Args)
		}
		if info.Interface != "org.test.Events" || info.Member != "Ping" {
			t.Errorf("signal addressed %s.%s, want org.test.Events.Ping", info.Interface, info.Member)
		}
	case <-time.After(timeout):
		t.Fatal("signal not delivered")
	}

	if err := receiver.UnregisterSignal(id, rule, timeout); err != nil {
		t.Errorf("UnregisterSignal: %v", err)
	}
}

func TestNameRegistry(t *testing.T) {
	daemon := dcartest.Start(t)
	bus := daemon.MustDial(t)
	observer := daemon.MustDial(t)

	const name = "org.test.Claimed"
	reply, err := bus.RequestName(name, dbus.NameDoNotQueue, timeout)
	if err != nil {
		t.Fatalf("RequestName: %v", err)
	}
	if reply != dbus.NamePrimaryOwner {
		t.Fatalf("RequestName = %v, want primary owner", reply)
	}

	has, err := observer.NameHasOwner(name, timeout)
	if err != nil {
		t.Fatalf("NameHasOwner: %v", err)
	}
	if !has {
		t.Errorf("NameHasOwner(%q) = false after RequestName", name)
	}

	owner, err := observer.GetNameOwner(name, timeout)
	if err != nil {
		t.Fatalf("GetNameOwner: %v", err)
	}
	if owner != bus.UniqueName() {
		t.Errorf("GetNameOwner(%q) = %q, want %q", name, owner, bus.UniqueName())
	}

	names, err := observer.ListNames(timeout)
	if err != nil {
		t.Fatalf("ListNames: %v", err)
	}
	found := false
	for _, n := range names {
		if n == name {
			found = true
		}
	}
	if !found {
		t.Errorf("ListNames() does not include %q", name)
	}

	if err := bus.ReleaseName(name, timeout); err != nil {
		t.Fatalf("ReleaseName: %v", err)
	}
	has, err = observer.NameHasOwner(name, timeout)
	if err != nil {
		t.Fatalf("NameHasOwner: %v", err)
	}
	if has {
		t.Errorf("NameHasOwner(%q) = true after ReleaseName", name)
	}
}

func TestPeerPing(t *testing.T) {
	daemon := dcartest.Start(t)
	server := daemon.MustDial(t)
	client := daemon.MustDial(t)

	// Every connection answers org.freedesktop.DBus.Peer implicitly.
	if err := client.Peer(server.UniqueName()).Ping(timeout); err != nil {
		t.Errorf("Ping(%s): %v", server.UniqueName(), err)
	}
	if err := client.Peer("org.freedesktop.DBus").Ping(timeout); err != nil {
		t.Errorf("Ping(org.freedesktop.DBus): %v", err)
	}
}

func TestBusID(t *testing.T) {
	daemon := dcartest.Start(t)
	bus := daemon.MustDial(t)

	id, err := bus.BusID(timeout)
	if err != nil {
		t.Fatalf("BusID: %v", err)
	}
	if id == "" {
		t.Error("BusID() returned an empty ID")
	}
}

func TestIntrospectDaemon(t *testing.T) {
	daemon := dcartest.Start(t)
	bus := daemon.MustDial(t)

	desc, err := bus.Peer("org.freedesktop.DBus").Object("/org/freedesktop/DBus").Introspect(timeout)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if _, ok := desc.Interfaces["org.freedesktop.DBus"]; !ok {
		t.Error("daemon introspection is missing the org.freedesktop.DBus interface")
	}
}

func TestDisconnectIsFinal(t *testing.T) {
	daemon := dcartest.Start(t)
	bus := daemon.MustDial(t)

	if err := bus.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if bus.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
	if err := bus.Connect(); err == nil {
		t.Error("Connect after Disconnect succeeded, want error")
	}
	if _, err := bus.Call("/", "org.test.X", "Y", "org.freedesktop.DBus", "", nil, timeout); err == nil {
		t.Error("Call on a disconnected bus succeeded, want error")
	}
}

func TestNameOwnerChangedSignal(t *testing.T) {
	daemon := dcartest.Start(t)
	watcher := daemon.MustDial(t)
	claimer := daemon.MustDial(t)

	got := make(chan dbus.NameOwnerChanged, 4)
	rule := dbus.NewMatchRule().
		WithInterface("org.freedesktop.DBus").
		WithSignalName("NameOwnerChanged")
	if _, err := watcher.RegisterSignal(rule, func(info dbus.MessageInfo) {
		if change, ok := dbus.NameOwnerChangedFrom(info.Args); ok {
			got <- change
		}
	}, timeout); err != nil {
		t.Fatalf("RegisterSignal: %v", err)
	}

	const name = "org.test.Watched"
	if _, err := claimer.RequestName(name, dbus.NameDoNotQueue, timeout); err != nil {
		t.Fatalf("RequestName: %v", err)
	}

	deadline := time.After(timeout)
	for {
		select {
		case change := <-got:
			if change.Name == name && change.NewOwner == claimer.UniqueName() {
				return
			}
		case <-deadline:
			t.Fatal("NameOwnerChanged for claimed name not delivered")
		}
	}
}

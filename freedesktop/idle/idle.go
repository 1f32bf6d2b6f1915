// Package idle provides an interface to the Freedesktop session
// idleness management and locking DBus API.
//
// For historical reasons, the DBus interface for this API is called
// org.freedesktop.ScreenSaver, which is a bit of a misnomer: the API
// is primarily concerned with managing the locking of a session due
// to idleness, although it also provides a method to explicitly lock
// the session immediately as well.
//
// The API also provides a way for applications to temporarily inhibit
// idleness-based session locking, for example so that movie playback
// isn't disrupted.
package idle

import (
	"time"

	dbus "github.com/opendcar/dcar"
)

type Idle struct{ iface dbus.Interface }

// New returns an interface to the session locking management service.
func New(bus *dbus.Bus) Idle {
	obj := bus.Peer("org.freedesktop.ScreenSaver").Object("/org/freedesktop/ScreenSaver")
	return Interface(obj)
}

// Interface returns a session locking management interface on the
// given object.
func Interface(obj dbus.Object) Idle {
	return Idle{
		iface: obj.Interface("org.freedesktop.ScreenSaver"),
	}
}

// Locked reports whether the session is currently locked.
func (iface Idle) Locked(timeout time.Duration) (bool, error) {
	reply, err := iface.iface.Call("GetActive", "", nil, timeout)
	if err != nil {
		return false, err
	}
	if len(reply) == 0 {
		return false, nil
	}
	v, _ := reply[0].(bool)
	return v, nil
}

// LockedTime reports the amount of time the session has been locked,
// or 0 if the session is not locked.
func (iface Idle) LockedTime(timeout time.Duration) (time.Duration, error) {
	reply, err := iface.iface.Call("GetActiveTime", "", nil, timeout)
	if err != nil {
		return 0, err
	}
	return seconds(reply), nil
}

// IdleTime reports the amount of time the session has been idle.
//
// A session may be idle with or without being locked. Idleness has no
// precise definition, but usually translates to a lack of
// keyboard/mouse inputs.
func (iface Idle) IdleTime(timeout time.Duration) (time.Duration, error) {
	reply, err := iface.iface.Call("GetSessionIdleTime", "", nil, timeout)
	if err != nil {
		return 0, err
	}
	return seconds(reply), nil
}

// Inhibit prevents the session from locking due to being idle.
//
// application and reason are human-readable strings that should
// explain what is preventing idle session from locking, and why.
//
// The returned cancellation function should be called when the idle
// lock inhibition should be lifted.
func (iface Idle) Inhibit(application, reason string, timeout time.Duration) (cancel func(time.Duration) error, err error) {
	reply, err := iface.iface.Call("Inhibit", "ss", []any{application, reason}, timeout)
	if err != nil {
		return nil, err
	}
	var cookie uint32
	if len(reply) > 0 {
		cookie, _ = reply[0].(uint32)
	}
	cancel = func(timeout time.Duration) error {
		_, err := iface.iface.Call("UnInhibit", "u", []any{cookie}, timeout)
		return err
	}
	return cancel, nil
}

// Lock asks the session to lock immediately.
func (iface Idle) Lock(timeout time.Duration) error {
	_, err := iface.iface.Call("Lock", "", nil, timeout)
	return err
}

func seconds(reply []any) time.Duration {
	if len(reply) == 0 {
		return 0
	}
	n, _ := reply[0].(uint32)
	return time.Duration(n) * time.Second
}

// SessionStateChanged signals that the session has become
// locked/unlocked, carried as the single bool argument of
// org.freedesktop.ScreenSaver.ActiveChanged.
type SessionStateChanged struct {
	Locked bool
}

// SessionStateChangedFrom decodes an ActiveChanged signal's body.
func SessionStateChangedFrom(args []any) (SessionStateChanged, bool) {
	if len(args) != 1 {
		return SessionStateChanged{}, false
	}
	v, ok := args[0].(bool)
	return SessionStateChanged{Locked: v}, ok
}

// Package powermanagement provides an interface to the Freedesktop
// power management DBus API.
package powermanagement

import (
	"time"

	dbus "github.com/opendcar/dcar"
)

type PowerManagement struct {
	main    dbus.Interface
	inhibit dbus.Interface
}

// New returns an interface to the power management service.
func New(bus *dbus.Bus) PowerManagement {
	obj := bus.Peer("org.freedesktop.PowerManagement").Object("/org/freedesktop/PowerManagement")
	return Interface(obj)
}

// Interface returns a power management interface on the given object.
func Interface(obj dbus.Object) PowerManagement {
	return PowerManagement{
		main:    obj.Interface("org.freedesktop.PowerManagement"),
		inhibit: obj.Interface("org.freedesktop.PowerManagement.Inhibit"),
	}
}

func callBool(iface dbus.Interface, member string, timeout time.Duration) (bool, error) {
	reply, err := iface.Call(member, "", nil, timeout)
	if err != nil {
		return false, err
	}
	if len(reply) == 0 {
		return false, nil
	}
	v, _ := reply[0].(bool)
	return v, nil
}

// CanHibernate reports whether the system is capable of hibernating.
//
// Hibernation, also known as "suspend to disk", saves the system
// state to durable storage and powers the computer off entirely.
func (iface PowerManagement) CanHibernate(timeout time.Duration) (bool, error) {
	return callBool(iface.main, "CanHibernate", timeout)
}

// CanHybridSuspend reports whether the system is capable of entering
// hybrid sleep.
func (iface PowerManagement) CanHybridSuspend(timeout time.Duration) (bool, error) {
	return callBool(iface.main, "CanHybridSuspend", timeout)
}

// CanSuspend reports whether the system is capable of suspending.
func (iface PowerManagement) CanSuspend(timeout time.Duration) (bool, error) {
	return callBool(iface.main, "CanSuspend", timeout)
}

// CanSuspendThenHibernate reports whether the system is capable of
// "suspend then hibernate" sleep.
func (iface PowerManagement) CanSuspendThenHibernate(timeout time.Duration) (bool, error) {
	return callBool(iface.main, "CanSuspendThenHibernate", timeout)
}

// ShouldSavePower reports whether the caller should try to lower its
// power consumption.
func (iface PowerManagement) ShouldSavePower(timeout time.Duration) (bool, error) {
	return callBool(iface.main, "GetPowerSaveStatus", timeout)
}

// Hibernate asks the system to hibernate.
func (iface PowerManagement) Hibernate(timeout time.Duration) error {
	_, err := iface.main.Call("Hibernate", "", nil, timeout)
	return err
}

// Suspend asks the system to suspend.
func (iface PowerManagement) Suspend(timeout time.Duration) error {
	_, err := iface.main.Call("Suspend", "", nil, timeout)
	return err
}

// HasInhibit reports whether the system is currently being prevented
// from sleeping by an application.
func (iface PowerManagement) HasInhibit(timeout time.Duration) (bool, error) {
	return callBool(iface.inhibit, "HasInhibit", timeout)
}

// InhibitSleep prevents the system from going to sleep.
//
// application and reason are human-readable strings that should
// explain what is preventing the system from sleeping, and why.
//
// The returned cancellation function should be called when the sleep
// inhibition should be lifted.
func (iface PowerManagement) InhibitSleep(application, reason string, timeout time.Duration) (cancel func(time.Duration) error, err error) {
	reply, err := iface.inhibit.Call("Inhibit", "ss", []any{application, reason}, timeout)
	if err != nil {
		return nil, err
	}
	var cookie uint32
	if len(reply) > 0 {
		cookie, _ = reply[0].(uint32)
	}
	cancel = func(timeout time.Duration) error {
		_, err := iface.inhibit.Call("UnInhibit", "u", []any{cookie}, timeout)
		return err
	}
	return cancel, nil
}

// CanHibernateChanged signals that the system's ability to hibernate
// has changed.
type CanHibernateChanged struct{ CanHibernate bool }

// CanSuspendChanged signals that the system's ability to suspend to
// RAM has changed.
type CanSuspendChanged struct{ CanSuspend bool }

// HasInhibitChanged signals that the system's sleep inhibition state
// has changed.
type HasInhibitChanged struct{ HasInhibit bool }

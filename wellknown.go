package dbus

import (
	"fmt"
	"time"
)

// NameFlags is a bitset of the flags argument to RequestName.
type NameFlags uint32

const (
	// NameAllowReplacement lets another connection take the name
	// away from the caller with NameReplaceExisting set.
	NameAllowReplacement NameFlags = 1 << 0
	// NameReplaceExisting asks the daemon to take the name away from
	// its current owner, if that owner set NameAllowReplacement.
	NameReplaceExisting NameFlags = 1 << 1
	// NameDoNotQueue asks RequestName to fail instead of placing the
	// caller in the queue of backup owners if the name is taken.
	NameDoNotQueue NameFlags = 1 << 2
)

// NameReply is the result code RequestName receives from the daemon.
type NameReply uint32

const (
	NamePrimaryOwner NameReply = 1
	NameInQueue      NameReply = 2
	NameExists       NameReply = 3
	NameAlreadyOwner NameReply = 4
)

func (r NameReply) String() string {
	switch r {
	case NamePrimaryOwner:
		return "primary owner"
	case NameInQueue:
		return "in queue"
	case NameExists:
		return "exists"
	case NameAlreadyOwner:
		return "already owner"
	default:
		return fmt.Sprintf("NameReply(%d)", uint32(r))
	}
}

// RequestName asks the bus daemon to assign name to this Bus, per
// the org.freedesktop.DBus.RequestName method.
func (b *Bus) RequestName(name string, flags NameFlags, timeout time.Duration) (NameReply, error) {
	reply, err := b.Call(busPath, busIface, "RequestName", busDest, "su", []any{name, uint32(flags)}, timeout)
	if err != nil {
		return 0, err
	}
	code, ok := firstUint32(reply)
	if !ok {
		return 0, MessageError{Reason: "RequestName reply did not contain a uint32"}
	}
	return NameReply(code), nil
}

// ReleaseName asks the bus daemon to release a name previously
// acquired with RequestName.
func (b *Bus) ReleaseName(name string, timeout time.Duration) error {
	_, err := b.Call(busPath, busIface, "ReleaseName", busDest, "s", []any{name}, timeout)
	return err
}

// ListNames returns the bus names currently connected to the bus.
func (b *Bus) ListNames(timeout time.Duration) ([]string, error) {
	reply, err := b.Call(busPath, busIface, "ListNames", busDest, "", nil, timeout)
	if err != nil {
		return nil, err
	}
	names, ok := firstStringSlice(reply)
	if !ok {
		return nil, MessageError{Reason: "ListNames reply was not a string array"}
	}
	return names, nil
}

// ListActivatableNames returns the bus names that are available to be
// auto-started, whether or not they currently have an owner.
func (b *Bus) ListActivatableNames(timeout time.Duration) ([]string, error) {
	reply, err := b.Call(busPath, busIface, "ListActivatableNames", busDest, "", nil, timeout)
	if err != nil {
		return nil, err
	}
	names, ok := firstStringSlice(reply)
	if !ok {
		return nil, MessageError{Reason: "ListActivatableNames reply was not a string array"}
	}
	return names, nil
}

// NameHasOwner reports whether name currently has an owner on the
// bus.
func (b *Bus) NameHasOwner(name string, timeout time.Duration) (bool, error) {
	reply, err := b.Call(busPath, busIface, "NameHasOwner", busDest, "s", []any{name}, timeout)
	if err != nil {
		return false, err
	}
	if len(reply) == 0 {
		return false, MessageError{Reason: "NameHasOwner reply was empty"}
	}
	v, _ := reply[0].(bool)
	return v, nil
}

// GetNameOwner returns the unique bus name currently owning name.
func (b *Bus) GetNameOwner(name string, timeout time.Duration) (string, error) {
	reply, err := b.Call(busPath, busIface, "GetNameOwner", busDest, "s", []any{name}, timeout)
	if err != nil {
		return "", err
	}
	s, ok := firstString(reply)
	if !ok {
		return "", MessageError{Reason: "GetNameOwner reply did not contain a string"}
	}
	return s, nil
}

// BusID returns the bus daemon's unique, persistent identifier, per
// org.freedesktop.DBus.GetId.
func (b *Bus) BusID(timeout time.Duration) (string, error) {
	reply, err := b.Call(busPath, busIface, "GetId", busDest, "", nil, timeout)
	if err != nil {
		return "", err
	}
	s, ok := firstString(reply)
	if !ok {
		return "", MessageError{Reason: "GetId reply did not contain a string"}
	}
	return s, nil
}

// Features lists the optional feature set the bus daemon implements,
// read from the org.freedesktop.DBus.Features property.
func (b *Bus) Features(timeout time.Duration) ([]string, error) {
	v, err := b.Peer(busDest).Object(busPath).Interface(busIface).GetProperty("Features", timeout)
	if err != nil {
		return nil, err
	}
	vals, ok := v.([]any)
	if !ok {
		return nil, MessageError{Reason: "Features property was not an array"}
	}
	out := make([]string, 0, len(vals))
	for _, e := range vals {
		s, _ := e.(string)
		out = append(out, s)
	}
	return out, nil
}

// Ping invokes the standard org.freedesktop.DBus.Peer.Ping method
// against p, which every conforming peer implements on every object
// path.
func (p Peer) Ping(timeout time.Duration) error {
	_, err := p.bus.Call("/", "org.freedesktop.DBus.Peer", "Ping", p.name, "", nil, timeout)
	return err
}

// Credentials is the subset of connection credentials reported by
// GetConnectionCredentials that this library understands. Unknown
// carries any additional entries the daemon returns.
type Credentials struct {
	PID     *uint32
	UID     *uint32
	GIDs    []uint32
	Unknown map[string]any
}

// Identity asks the bus daemon for p's connection credentials, per
// org.freedesktop.DBus.GetConnectionCredentials.
func (p Peer) Identity(timeout time.Duration) (Credentials, error) {
	reply, err := p.bus.Call(busPath, busIface, "GetConnectionCredentials", busDest, "s", []any{p.name}, timeout)
	if err != nil {
		return Credentials{}, err
	}
	if len(reply) == 0 {
		return Credentials{}, MessageError{Reason: "GetConnectionCredentials reply was empty"}
	}
	raw, ok := reply[0].(anyMap)
	if !ok {
		return Credentials{}, MessageError{Reason: "GetConnectionCredentials reply was not a dict"}
	}
	var creds Credentials
	creds.Unknown = map[string]any{}
	for k, rawV := range raw {
		key, _ := k.(string)
		v := rawV
		if variant, ok := rawV.(Variant); ok {
			v = variant.Value
		}
		switch key {
		case "UnixUserID":
			if n, ok := v.(uint32); ok {
				creds.UID = &n
			}
		case "ProcessID":
			if n, ok := v.(uint32); ok {
				creds.PID = &n
			}
		case "UnixGroupIDs":
			if arr, ok := v.([]any); ok {
				for _, e := range arr {
					if n, ok := e.(uint32); ok {
						creds.GIDs = append(creds.GIDs, n)
					}
				}
			}
		default:
			creds.Unknown[key] = v
		}
	}
	return creds, nil
}

func firstUint32(reply []any) (uint32, bool) {
	if len(reply) == 0 {
		return 0, false
	}
	v, ok := reply[0].(uint32)
	return v, ok
}

func firstStringSlice(reply []any) ([]string, bool) {
	if len(reply) == 0 {
		return nil, false
	}
	arr, ok := reply[0].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		s, _ := e.(string)
		out = append(out, s)
	}
	return out, true
}

// NameOwnerChanged is the well-known signal
// org.freedesktop.DBus.NameOwnerChanged, broadcast whenever a bus
// name's ownership changes.
type NameOwnerChanged struct {
	Name     string
	OldOwner string
	NewOwner string
}

// NameOwnerChangedFrom decodes a NameOwnerChanged signal's body, as
// delivered to a [SignalHandler] registered against the
// org.freedesktop.DBus interface.
func NameOwnerChangedFrom(args []any) (NameOwnerChanged, bool) {
	if len(args) != 3 {
		return NameOwnerChanged{}, false
	}
	name, ok1 := args[0].(string)
	old, ok2 := args[1].(string)
	now, ok3 := args[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return NameOwnerChanged{}, false
	}
	return NameOwnerChanged{Name: name, OldOwner: old, NewOwner: now}, true
}

// NameLost and NameAcquired are the well-known signals
// org.freedesktop.DBus.NameLost and .NameAcquired, sent to a
// connection when it loses or gains ownership of a bus name.
type (
	NameLost     struct{ Name string }
	NameAcquired struct{ Name string }
)

// NameLostFrom and NameAcquiredFrom decode the single string argument
// carried by the corresponding signal.
func NameLostFrom(args []any) (NameLost, bool) {
	s, ok := firstString(args)
	return NameLost{Name: s}, ok
}

func NameAcquiredFrom(args []any) (NameAcquired, bool) {
	s, ok := firstString(args)
	return NameAcquired{Name: s}, ok
}

// PropertiesChanged is the well-known signal
// org.freedesktop.DBus.Properties.PropertiesChanged, emitted by
// objects that support change notification on their properties.
type PropertiesChanged struct {
	Interface       string
	Changed         map[string]any
	InvalidatedKeys []string
}

// PropertiesChangedFrom decodes a PropertiesChanged signal's body
// (signature "sa{sv}as").
func PropertiesChangedFrom(args []any) (PropertiesChanged, bool) {
	if len(args) != 3 {
		return PropertiesChanged{}, false
	}
	iface, ok := args[0].(string)
	if !ok {
		return PropertiesChanged{}, false
	}
	raw, ok := args[1].(anyMap)
	if !ok {
		return PropertiesChanged{}, false
	}
	changed := make(map[string]any, len(raw))
	for k, v := range raw {
		name, _ := k.(string)
		if variant, ok := v.(Variant); ok {
			changed[name] = variant.Value
		} else {
			changed[name] = v
		}
	}
	invArr, ok := args[2].([]any)
	if !ok {
		return PropertiesChanged{}, false
	}
	invalidated := make([]string, 0, len(invArr))
	for _, e := range invArr {
		s, _ := e.(string)
		invalidated = append(invalidated, s)
	}
	return PropertiesChanged{Interface: iface, Changed: changed, InvalidatedKeys: invalidated}, true
}

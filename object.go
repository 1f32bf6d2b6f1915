package dbus

import (
	"cmp"
	"strings"
	"time"
)

// Peer is a named endpoint on a [Bus]: a well-known or unique bus
// name, not yet bound to a particular object path.
type Peer struct {
	bus  *Bus
	name string
}

// Peer returns a handle to the peer owning name. No I/O is performed;
// name need not currently exist on the bus.
func (b *Bus) Peer(name string) Peer {
	return Peer{bus: b, name: name}
}

// Name is the peer's bus name, as given to [Bus.Peer].
func (p Peer) Name() string { return p.name }

// Object returns a handle to the object at path, exported by p.
func (p Peer) Object(path ObjectPath) Object {
	return Object{peer: p, path: path}
}

// Object is a remote object exported by a peer at a fixed path. Object
// values are cheap and stateless; they can be created and discarded
// freely.
type Object struct {
	peer Peer
	path ObjectPath
}

// Peer returns the peer exporting this object.
func (o Object) Peer() Peer { return o.peer }

// Path is the object's path on its peer.
func (o Object) Path() ObjectPath { return o.path }

// Child returns the object at relPath, appended to o's path. relPath
// is relative, as returned in an [ObjectDescription]'s Children list,
// and may contain multiple path components.
func (o Object) Child(relPath string) Object {
	if o.path == "/" {
		return Object{peer: o.peer, path: ObjectPath("/" + relPath)}
	}
	return Object{peer: o.peer, path: ObjectPath(string(o.path) + "/" + relPath)}
}

// Compare orders two objects first by peer name, then by path, for
// use as a sort or priority-queue key.
func (o Object) Compare(other Object) int {
	if c := cmp.Compare(o.peer.name, other.peer.name); c != 0 {
		return c
	}
	return strings.Compare(string(o.path), string(other.path))
}

// Interface returns a handle bound to one of the object's interfaces.
func (o Object) Interface(name string) Interface {
	return Interface{obj: o, name: name}
}

// Introspect fetches and parses the object's introspection XML from
// org.freedesktop.DBus.Introspectable.Introspect.
func (o Object) Introspect(timeout time.Duration) (*ObjectDescription, error) {
	reply, err := o.peer.bus.Call(o.path, "org.freedesktop.DBus.Introspectable", "Introspect", o.peer.name, "", nil, timeout)
	if err != nil {
		return nil, err
	}
	xmlStr, _ := firstString(reply)
	return parseIntrospection(xmlStr)
}

// Interface is a remote object restricted to one of its interfaces,
// the unit at which methods, properties, and signals are named.
type Interface struct {
	obj  Object
	name string
}

// Object returns the object this interface belongs to.
func (i Interface) Object() Object { return i.obj }

// Name is the interface name.
func (i Interface) Name() string { return i.name }

// Call invokes member, blocking until a reply or error arrives or
// timeout elapses, and returns the reply body.
func (i Interface) Call(member string, sig Signature, args []any, timeout time.Duration) ([]any, error) {
	return i.obj.peer.bus.Call(i.obj.path, i.name, member, i.obj.peer.name, sig, args, timeout)
}

// CallWithOptions is like Call but allows overriding sender, timeout,
// and the NO_AUTO_START / ALLOW_INTERACTIVE_AUTHORIZATION flags.
func (i Interface) CallWithOptions(member string, sig Signature, args []any, opts CallOptions) ([]any, error) {
	return i.obj.peer.bus.CallWithOptions(i.obj.path, i.name, member, i.obj.peer.name, sig, args, opts)
}

// OneWay invokes member without waiting for a reply, for methods
// annotated org.freedesktop.DBus.Method.NoReply. Timeout is always
// zero, which Bus.CallWithOptions treats as NO_REPLY_EXPECTED.
func (i Interface) OneWay(member string, sig Signature, args []any) error {
	_, err := i.obj.peer.bus.CallWithOptions(i.obj.path, i.name, member, i.obj.peer.name, sig, args, CallOptions{})
	return err
}

// GetProperty reads a single property through
// org.freedesktop.DBus.Properties.Get, unwrapping the Variant reply.
func (i Interface) GetProperty(name string, timeout time.Duration) (any, error) {
	reply, err := i.obj.peer.bus.Call(i.obj.path, propertiesIface, "Get", i.obj.peer.name, "ss", []any{i.name, name}, timeout)
	if err != nil {
		return nil, err
	}
	v, ok := firstVariant(reply)
	if !ok {
		return nil, MessageError{Reason: "Properties.Get reply did not contain a variant"}
	}
	return v.Value, nil
}

// GetAllProperties reads every property on the interface through
// org.freedesktop.DBus.Properties.GetAll.
func (i Interface) GetAllProperties(timeout time.Duration) (map[string]any, error) {
	reply, err := i.obj.peer.bus.Call(i.obj.path, propertiesIface, "GetAll", i.obj.peer.name, "s", []any{i.name}, timeout)
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		return nil, MessageError{Reason: "Properties.GetAll reply was empty"}
	}
	raw, ok := reply[0].(anyMap)
	if !ok {
		return nil, MessageError{Reason: "Properties.GetAll reply was not a dict"}
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		name, _ := k.(string)
		if variant, ok := v.(Variant); ok {
			out[name] = variant.Value
		} else {
			out[name] = v
		}
	}
	return out, nil
}

// SetProperty writes a single property through
// org.freedesktop.DBus.Properties.Set.
func (i Interface) SetProperty(name string, sig Signature, value any, timeout time.Duration) error {
	v := Variant{Sig: sig, Value: value}
	_, err := i.obj.peer.bus.Call(i.obj.path, propertiesIface, "Set", i.obj.peer.name, "ssv", []any{i.name, name, v}, timeout)
	return err
}

// Subscribe registers handler to run whenever signal is emitted by
// this interface on this object, returning an ID for
// [Interface.Unsubscribe].
func (i Interface) Subscribe(signal string, handler SignalHandler, timeout time.Duration) (uint64, error) {
	rule := NewMatchRule().
		WithInterface(i.name).
		WithSignalName(signal).
		WithObjectPath(i.obj.path).
		WithSender(i.obj.peer.name)
	return i.obj.peer.bus.RegisterSignal(rule, handler, timeout)
}

// Unsubscribe undoes a prior Subscribe call.
func (i Interface) Unsubscribe(id uint64, signal string, timeout time.Duration) error {
	rule := NewMatchRule().
		WithInterface(i.name).
		WithSignalName(signal).
		WithObjectPath(i.obj.path).
		WithSender(i.obj.peer.name)
	return i.obj.peer.bus.UnregisterSignal(id, rule, timeout)
}

const propertiesIface = "org.freedesktop.DBus.Properties"

func firstString(reply []any) (string, bool) {
	if len(reply) == 0 {
		return "", false
	}
	s, ok := reply[0].(string)
	return s, ok
}

func firstVariant(reply []any) (Variant, bool) {
	if len(reply) == 0 {
		return Variant{}, false
	}
	v, ok := reply[0].(Variant)
	return v, ok
}

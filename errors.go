package dbus

import (
	"fmt"
	"strings"
)

// AddressError reports a bad or missing bus address string.
type AddressError struct {
	Address string
	Reason  string
}

func (e AddressError) Error() string {
	return fmt.Sprintf("dbus address %q: %s", e.Address, e.Reason)
}

// AuthenticationError reports a failure of the SASL-style
// authentication handshake.
type AuthenticationError struct {
	Mechanism string
	Reason    string
}

func (e AuthenticationError) Error() string {
	if e.Mechanism == "" {
		return fmt.Sprintf("dbus authentication failed: %s", e.Reason)
	}
	return fmt.Sprintf("dbus authentication failed (%s): %s", e.Mechanism, e.Reason)
}

// TransportError reports a socket I/O failure, disconnection,
// missing transport for an address, a timed out method call, use of a
// disconnected bus, or an attempt to pass file descriptors over a
// transport that does not support it.
type TransportError struct {
	Reason string
	Err    error
}

func (e TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dbus transport error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("dbus transport error: %s", e.Reason)
}

func (e TransportError) Unwrap() error {
	return e.Err
}

// ValidationError reports an invalid object path, bus name, error
// name, member name, serial, or UNIX_FDS count.
type ValidationError struct {
	Kind   string
	Value  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.Value, e.Reason)
}

// RegisterError reports a duplicate or malformed signal/method
// registration.
type RegisterError struct {
	Reason string
}

func (e RegisterError) Error() string {
	return fmt.Sprintf("dbus registration error: %s", e.Reason)
}

// MessageError reports a malformed header, non-zero padding bytes, a
// missing trailing NUL, a protocol version mismatch, a body/signature
// mismatch, or variant nesting beyond the run-time limit.
type MessageError struct {
	Reason string
	Err    error
}

func (e MessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed dbus message: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed dbus message: %s", e.Reason)
}

func (e MessageError) Unwrap() error {
	return e.Err
}

// SignatureError reports a failure to parse a type signature string.
type SignatureError struct {
	Signature string
	Reason    string
}

func (e SignatureError) Error() string {
	return fmt.Sprintf("invalid dbus signature %q: %s", e.Signature, e.Reason)
}

// TooLongError reports a message, array, Unix FD list, or match rule
// string that exceeds its wire format size limit.
type TooLongError struct {
	Kind  string
	Limit int
}

func (e TooLongError) Error() string {
	return fmt.Sprintf("%s exceeds maximum length of %d", e.Kind, e.Limit)
}

// DBusError represents an ERROR message received from a peer, or an
// error a method handler wants serialized back to its caller as an
// ERROR message.
type DBusError struct {
	// Name is the D-Bus error name, e.g.
	// "org.freedesktop.DBus.Error.UnknownMethod".
	Name string
	// Sig is the signature of Args. Left empty with non-empty Args,
	// the error is serialized with one string per argument, the
	// conventional error body shape.
	Sig Signature
	// Args is the error message's body, conventionally a single
	// human-readable string.
	Args []any
}

// bodySig returns the signature to serialize Args with.
func (e DBusError) bodySig() Signature {
	if e.Sig != "" || len(e.Args) == 0 {
		return e.Sig
	}
	return Signature(strings.Repeat("s", len(e.Args)))
}

func (e DBusError) Error() string {
	if len(e.Args) > 0 {
		if s, ok := e.Args[0].(string); ok {
			return fmt.Sprintf("%s: %s", e.Name, s)
		}
	}
	return e.Name
}

// Well-known error names used by the bus daemon and this library.
const (
	ErrUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrInvalidArgs   = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNoReply       = "org.freedesktop.DBus.Error.NoReply"
	ErrDisconnected  = "org.freedesktop.DBus.Error.Disconnected"
	ErrFailed        = "org.freedesktop.DBus.Error.Failed"
)

package dbus

// ObjectPath is a D-Bus object path string (wire code 'o').
type ObjectPath string

// UnixFD is a Unix file descriptor value (wire code 'h'). The wire
// format never carries a raw descriptor number inline: it carries an
// index into the message's out-of-band FD list, which this type
// hides from callers.
//
// A value received from Unmarshal owns its descriptor; the
// application must close it when done. A value passed to Marshal is
// duplicated by the encoder, so the caller retains ownership of the
// original and may close it immediately after the call returns.
type UnixFD struct {
	fd int
}

// NewUnixFD wraps an existing, open file descriptor for marshaling.
func NewUnixFD(fd int) UnixFD { return UnixFD{fd} }

// Int returns the underlying descriptor number.
func (f UnixFD) Int() int { return f.fd }

// FDSource is implemented by types that can hand out a raw file
// descriptor for D-Bus marshaling, such as *os.File. It lets Marshal
// accept either a bare int or a richer handle type.
type FDSource interface {
	Fd() uintptr
}

// Struct is an ordered, heterogeneous tuple corresponding to a D-Bus
// struct value. Each element's Go type must match the struct's
// signature at the same position.
type Struct []any

// Variant pairs the signature of exactly one complete type with a
// value of that type, corresponding to a D-Bus variant.
type Variant struct {
	Sig   Signature
	Value any
}

// anyMap is the value shape of an array of dict-entries: a key-unique
// map with insertion order irrelevant. Unmarshal produces it for any
// "a{..}" signature, and Marshal expects it back.
type anyMap = map[any]any

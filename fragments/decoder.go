package fragments

import (
	"fmt"
	"io"
)

// A Decoder reads a D-Bus wire format message body from a byte
// stream.
//
// Methods advance the read cursor as needed to account for the
// padding required by D-Bus alignment rules, except for
// [Decoder.Read] which reads bytes verbatim.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// FDs is the list of Unix file descriptors that arrived alongside
	// this message as ancillary data, consulted by UnixFD.
	FDs *FDList
	// Nesting tracks variant nesting depth for EnterVariant and the
	// exit function it returns.
	Nesting NestingGuard
	// In is the input stream to read.
	In io.Reader

	// offset is the number of bytes consumed off the front of In so
	// far, used to compute alignment: alignment depends on the global
	// offset within the message, not local context.
	offset int
}

// Pad consumes padding bytes as needed to reach a multiple of align
// bytes, failing with ErrNonZeroPadding if any skipped byte is
// nonzero.
func (d *Decoder) Pad(align int) error {
	extra := d.offset % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	bs := make([]byte, skip)
	if _, err := io.ReadFull(d.In, bs); err != nil {
		return err
	}
	for _, b := range bs {
		if b != 0 {
			return ErrNonZeroPadding
		}
	}
	d.offset += skip
	return nil
}

// Read reads n bytes, with no framing or padding.
func (d *Decoder) Read(n int) ([]byte, error) {
	bs := make([]byte, n)
	if _, err := io.ReadFull(d.In, bs); err != nil {
		return nil, err
	}
	d.offset += n
	return bs, nil
}

// Bytes reads a D-Bus byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.Read(int(ln))
}

// String reads a length-prefixed, NUL-terminated string and returns
// its content without the terminator. Returns an error if the
// terminator byte is missing or nonzero.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	ret, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if ret[len(ret)-1] != 0 {
		return "", fmt.Errorf("string missing trailing NUL")
	}
	return string(ret[:len(ret)-1]), nil
}

// Sig reads a length-prefixed (1 byte), NUL-terminated signature
// string.
func (d *Decoder) Sig() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	ret, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if ret[len(ret)-1] != 0 {
		return "", fmt.Errorf("signature missing trailing NUL")
	}
	return string(ret[:len(ret)-1]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Bool reads a D-Bus 32-bit boolean, rejecting any value other than 0
// or 1.
func (d *Decoder) Bool() (bool, error) {
	u, err := d.Uint32()
	if err != nil {
		return false, err
	}
	switch u {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean value %d", u)
	}
}

// UnixFD reads a uint32 index and resolves it against d.FDs.
func (d *Decoder) UnixFD() (int, error) {
	idx, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if d.FDs == nil {
		return 0, fmt.Errorf("unix fd index %d but no FDs attached", idx)
	}
	fd, ok := d.FDs.At(int(idx))
	if !ok {
		return 0, fmt.Errorf("unix fd index %d out of range (have %d)", idx, d.FDs.Len())
	}
	return fd, nil
}

// Array reads an array. readElement is called repeatedly, passing the
// index of the element to decode, until the array's byte length is
// exhausted. elemAlign is the alignment of the element type, consumed
// from the array header even if the array is empty.
func (d *Decoder) Array(elemAlign int, readElement func(idx int) error) (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if err := d.Pad(elemAlign); err != nil {
		return 0, err
	}
	if ln == 0 {
		return 0, nil
	}
	start := d.offset
	idx := 0
	for d.offset-start < int(ln) {
		if err := readElement(idx); err != nil {
			return idx, err
		}
		idx++
	}
	if d.offset-start != int(ln) {
		return idx, fmt.Errorf("array element boundary mismatch: consumed %d bytes, array declared %d", d.offset-start, ln)
	}
	return idx, nil
}

// Struct reads a struct. Fields must be read within the provided
// fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// EnterVariant scopes the nesting-depth counter around unmarshaling a
// variant's inner value. The returned function must be called exactly
// once, typically via defer, regardless of outcome.
func (d *Decoder) EnterVariant() (func(), error) {
	if err := d.Nesting.Enter(); err != nil {
		return func() {}, err
	}
	return d.Nesting.Exit, nil
}

// ByteOrderFlag reads a D-Bus byte order flag byte and sets d.Order
// to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	order, ok := ByteOrderForFlag(v)
	if !ok {
		return fmt.Errorf("unknown byte order flag %q", v)
	}
	d.Order = order
	return nil
}

// Offset returns the number of bytes consumed so far, used by callers
// that need to know the absolute cursor position (e.g. the message
// header's peek helpers).
func (d *Decoder) Offset() int {
	return d.offset
}

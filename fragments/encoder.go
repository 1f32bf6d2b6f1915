package fragments

// An Encoder writes a D-Bus wire format message body to a byte slice.
//
// Methods insert padding as needed to conform to D-Bus alignment
// rules, except for [Encoder.Write] which outputs bytes verbatim.
// Encoder has no knowledge of D-Bus signatures or the dynamic value
// model; callers drive it directly from a signature tree (see
// marshal.go).
type Encoder struct {
	// Order is the byte order to use when encoding multi-byte values.
	Order ByteOrder
	// FDs accumulates Unix file descriptors referenced by 'h' values
	// encoded through this Encoder. May be nil if the message body
	// contains no 'h' values.
	FDs *FDList
	// Nesting tracks variant nesting depth for EnterVariant and the
	// exit function it returns.
	Nesting NestingGuard
	// Out is the encoded output.
	Out []byte
}

// Pad inserts padding bytes as needed to make the message a multiple
// of align bytes.
func (e *Encoder) Pad(align int) {
	extra := len(e.Out) % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	e.Out = append(e.Out, pad[:align-extra]...)
}

// Write writes bs as-is to the output.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Bytes writes bs as a D-Bus byte array (length-prefixed, no
// terminator).
func (e *Encoder) Bytes(bs []byte) {
	e.Pad(4)
	e.Uint32(uint32(len(bs)))
	e.Out = append(e.Out, bs...)
}

// String writes s as a length-prefixed, NUL-terminated string. s must
// already be valid UTF-8; callers validate before calling String.
func (e *Encoder) String(s string) {
	e.Pad(4)
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Sig writes s as a length-prefixed (1 byte), NUL-terminated
// signature string.
func (e *Encoder) Sig(s string) {
	e.Uint8(uint8(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Uint8 writes a uint8.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Uint16 writes a uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes a uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes a uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// Bool writes a bool as a D-Bus 32-bit boolean.
func (e *Encoder) Bool(b bool) {
	if b {
		e.Uint32(1)
	} else {
		e.Uint32(0)
	}
}

// UnixFD duplicates fd into e.FDs and writes the duplicate's index as
// a uint32. The caller keeps ownership of fd and may close it once
// UnixFD returns; the duplicate travels with the FD list.
func (e *Encoder) UnixFD(fd int) error {
	if e.FDs == nil {
		e.FDs = &FDList{}
	}
	idx, err := e.FDs.Add(fd)
	if err != nil {
		return err
	}
	e.Uint32(uint32(idx))
	return nil
}

// Array writes an array. Elements must be added within the provided
// elements function, which is responsible for padding each element to
// its own alignment. elemAlign is the alignment of the element type,
// used to pad the array header even when the array is empty.
//
// Array returns ErrTooLong if the encoded array body exceeds
// MaxArrayLen.
func (e *Encoder) Array(elemAlign int, elements func() error) error {
	e.Pad(4)
	offset := len(e.Out)
	e.Uint32(0)
	e.Pad(elemAlign)

	start := len(e.Out)
	err := elements()
	end := len(e.Out)
	if n := end - start; n > MaxArrayLen {
		return ErrTooLong
	}
	e.Order.PutUint32(e.Out[offset:], uint32(end-start))
	return err
}

// Struct writes a struct. Fields must be added within the provided
// elements function.
func (e *Encoder) Struct(elements func() error) error {
	e.Pad(8)
	return elements()
}

// EnterVariant scopes the nesting-depth counter around marshaling a
// variant's inner value. The returned function must be called exactly
// once, typically via defer, regardless of outcome.
func (e *Encoder) EnterVariant() (func(), error) {
	if err := e.Nesting.Enter(); err != nil {
		return func() {}, err
	}
	return e.Nesting.Exit, nil
}

// ByteOrderFlag writes the D-Bus byte order flag byte ('l' or 'B')
// that matches e.Order.
func (e *Encoder) ByteOrderFlag() {
	e.Write([]byte{e.Order.dbusFlag()})
}

// SetUint32At backfills a uint32 previously reserved at offset pos,
// used to patch in a message's body length and serial after the body
// has been marshaled.
func (e *Encoder) SetUint32At(pos int, v uint32) {
	e.Order.PutUint32(e.Out[pos:], v)
}

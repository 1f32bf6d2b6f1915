package dbus

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/opendcar/dcar/fragments"
)

// serialCounter is the process-wide monotonic message serial
// allocator. D-Bus serials are per-connection in principle, but one
// process-wide counter satisfies that trivially. Wraparound after
// 2**32 messages is the caller's problem.
var serialCounter uint32

// nextSerial returns the next nonzero serial, thread-safely.
func nextSerial() uint32 {
	for {
		s := atomic.AddUint32(&serialCounter, 1)
		if s != 0 {
			return s
		}
	}
}

// Message is an immutable D-Bus message: a header-field map plus a
// typed body.
type Message struct {
	Order   fragments.ByteOrder
	Type    MessageType
	Flags   HeaderFlags
	Serial  uint32
	Fields  map[HeaderField]any
	BodySig Signature
	Body    []any
	FDs     *fragments.FDList
}

// MessageInfo is the snapshot of a METHOD_CALL or SIGNAL message
// handed to registered handlers, decoupled from the Message's wire
// representation.
type MessageInfo struct {
	Serial                        uint32
	Sender                        string
	Path                          ObjectPath
	Interface                     string
	Member                        string
	Args                          []any
	NoReplyExpected               bool
	AllowInteractiveAuthorization bool
	IsSignal                      bool
}

func (m *Message) field(f HeaderField) (any, bool) {
	v, ok := m.Fields[f]
	return v, ok
}

func (m *Message) stringField(f HeaderField) string {
	v, ok := m.field(f)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Path, Interface, Member, ErrorName, Destination, Sender, and
// ReplySerial read the corresponding well-known header fields, zero
// valued if absent.
func (m *Message) Path() ObjectPath {
	v, ok := m.field(FieldPath)
	if !ok {
		return ""
	}
	p, _ := v.(ObjectPath)
	return p
}
func (m *Message) Interface() string   { return m.stringField(FieldInterface) }
func (m *Message) Member() string      { return m.stringField(FieldMember) }
func (m *Message) ErrorName() string   { return m.stringField(FieldErrorName) }
func (m *Message) Destination() string { return m.stringField(FieldDestination) }
func (m *Message) Sender() string      { return m.stringField(FieldSender) }
func (m *Message) ReplySerial() uint32 {
	v, ok := m.field(FieldReplySerial)
	if !ok {
		return 0
	}
	s, _ := v.(uint32)
	return s
}

// Info derives a MessageInfo snapshot for a METHOD_CALL or SIGNAL
// message, suitable for handler dispatch.
func (m *Message) Info() MessageInfo {
	return MessageInfo{
		Serial:                        m.Serial,
		Sender:                        m.Sender(),
		Path:                          m.Path(),
		Interface:                     m.Interface(),
		Member:                        m.Member(),
		Args:                          m.Body,
		NoReplyExpected:               m.Flags&FlagNoReplyExpected != 0,
		AllowInteractiveAuthorization: m.Flags&FlagAllowInteractiveAuth != 0,
		IsSignal:                      m.Type == Signal,
	}
}

// NewMessage builds and validates a Message. fields should not include
// FieldSignature or FieldUnixFDs; those are derived automatically
// from body and the encoder's FD list at serialization time.
func NewMessage(order fragments.ByteOrder, typ MessageType, flags HeaderFlags, fields map[HeaderField]any, bodySig Signature, body []any) (*Message, error) {
	m := &Message{
		Order:   order,
		Type:    typ,
		Flags:   flags,
		Serial:  nextSerial(),
		Fields:  fields,
		BodySig: bodySig,
		Body:    body,
	}
	if err := m.validateFields(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) validateFields() error {
	for _, req := range requiredFields[m.Type] {
		if _, ok := m.Fields[req]; !ok {
			return MessageError{Reason: fmt.Sprintf("%s message missing required header field %d", m.Type, req)}
		}
	}
	for f, v := range m.Fields {
		if err := validateField(f, v); err != nil {
			return MessageError{Reason: fmt.Sprintf("header field %d", f), Err: err}
		}
	}
	return nil
}

// validateField applies the per-field validator to one header field
// value. The value's dynamic type is checked too: on the inbound path
// field values arrive typed by the sender's variant signature, which
// need not match the field's defined type.
func validateField(f HeaderField, v any) error {
	badType := func(want string) error {
		return MessageError{Reason: fmt.Sprintf("value %v (%T) is not %s", v, v, want)}
	}
	switch f {
	case FieldPath:
		p, ok := v.(ObjectPath)
		if !ok {
			return badType("an object path")
		}
		return ValidateObjectPath(p)
	case FieldInterface:
		s, ok := v.(string)
		if !ok {
			return badType("a string")
		}
		return ValidateInterfaceName(s)
	case FieldMember:
		s, ok := v.(string)
		if !ok {
			return badType("a string")
		}
		return ValidateMemberName(s)
	case FieldErrorName:
		s, ok := v.(string)
		if !ok {
			return badType("a string")
		}
		return ValidateErrorName(s)
	case FieldReplySerial:
		u, ok := v.(uint32)
		if !ok {
			return badType("a uint32")
		}
		return ValidateSerial(u)
	case FieldDestination, FieldSender:
		s, ok := v.(string)
		if !ok {
			return badType("a string")
		}
		return ValidateBusName(s, true)
	case FieldSignature:
		sig, ok := v.(Signature)
		if !ok {
			return badType("a signature")
		}
		_, err := sig.Parse()
		return err
	case FieldUnixFDs:
		u, ok := v.(uint32)
		if !ok {
			return badType("a uint32")
		}
		return ValidateUnixFDCount(u)
	default:
		// Unknown fields must be ignored, per the wire protocol.
		return nil
	}
}

// ToBytes serializes m to the D-Bus wire format, gathering any Unix
// file descriptors referenced by 'h' values in the body into m.FDs.
func (m *Message) ToBytes() ([]byte, error) {
	bodyTypes, err := m.BodySig.Parse()
	if err != nil {
		return nil, err
	}
	bodyBytes, fds, err := Marshal(m.Order, bodyTypes, m.Body)
	if err != nil {
		return nil, err
	}
	m.FDs = fds

	// The body's FD duplicates are owned by this message until they
	// reach the transport; a failure after this point must release
	// them.
	fail := func(err error) ([]byte, error) {
		if fds != nil {
			fds.Close()
			m.FDs = nil
		}
		return nil, err
	}

	fields := map[HeaderField]any{}
	for k, v := range m.Fields {
		fields[k] = v
	}
	if len(m.Body) > 0 {
		fields[FieldSignature] = m.BodySig
	}
	if fds != nil && fds.Len() > 0 {
		if err := ValidateUnixFDCount(uint32(fds.Len())); err != nil {
			return fail(err)
		}
		fields[FieldUnixFDs] = uint32(fds.Len())
	}

	enc := &fragments.Encoder{Order: m.Order}
	enc.ByteOrderFlag()
	enc.Uint8(byte(m.Type))
	enc.Uint8(byte(m.Flags))
	enc.Uint8(ProtocolVersion)
	lengthPos := len(enc.Out)
	enc.Uint32(uint32(len(bodyBytes)))
	serialPos := len(enc.Out)
	enc.Uint32(m.Serial)

	if err := enc.Array(8, func() error {
		for f, v := range fields {
			if err := enc.Struct(func() error {
				enc.Uint8(byte(f))
				sig := headerFieldSig[f]
				return marshalValue(enc, Type{Kind: KindVariant}, Variant{Sig: Signature(sig.String()), Value: v})
			}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fail(err)
	}
	enc.Pad(8)

	enc.SetUint32At(lengthPos, uint32(len(bodyBytes)))
	enc.SetUint32At(serialPos, m.Serial)

	out := append(enc.Out, bodyBytes...)
	if len(out) > fragments.MaxMessageLen {
		return fail(TooLongError{"message", fragments.MaxMessageLen})
	}
	return out, nil
}

// HeaderPeekSize is the number of leading bytes of a message required
// to learn its total on-wire size and header fields-array size,
// without decoding anything else. The transport's recv-loop peeks
// this many bytes to size its read buffer.
const HeaderPeekSize = 16

// PeekSizes reads the fixed 16-byte header prefix of hdr and returns
// the total message size and the header fields-array size, without
// requiring the rest of the message to be present.
func PeekSizes(hdr []byte) (totalSize, fieldsSize int, err error) {
	if len(hdr) < HeaderPeekSize {
		return 0, 0, MessageError{Reason: "header peek buffer shorter than 16 bytes"}
	}
	order, ok := fragments.ByteOrderForFlag(hdr[0])
	if !ok {
		return 0, 0, MessageError{Reason: "unknown byte order flag"}
	}
	bodyLen := order.Uint32(hdr[4:8])
	fieldsLen := order.Uint32(hdr[12:16])
	headerLen := 16 + int(fieldsLen)
	if extra := headerLen % 8; extra != 0 {
		headerLen += 8 - extra
	}
	total := headerLen + int(bodyLen)
	if total > fragments.MaxMessageLen {
		return 0, 0, TooLongError{"message", fragments.MaxMessageLen}
	}
	return total, int(fieldsLen), nil
}

// PeekUnixFDs reads the UNIX_FDS header field (if present) out of
// buf, which must contain at least the first 16+fieldsSize bytes of
// the message, without decoding the rest of the header or the body.
func PeekUnixFDs(buf []byte, fieldsSize int) (int, error) {
	need := HeaderPeekSize + fieldsSize
	if len(buf) < need {
		return 0, MessageError{Reason: "unix fd peek buffer too short"}
	}
	order, ok := fragments.ByteOrderForFlag(buf[0])
	if !ok {
		return 0, MessageError{Reason: "unknown byte order flag"}
	}
	// Decode from the true start of the message (rather than slicing
	// at offset 12) so the decoder's internal offset tracking, which
	// alignment depends on, matches the message's real byte
	// positions.
	dec := &fragments.Decoder{Order: order, In: bytes.NewReader(buf[:need])}
	if _, err := dec.Read(4); err != nil { // order, type, flags, version
		return 0, err
	}
	if _, err := dec.Uint32(); err != nil { // body length
		return 0, err
	}
	if _, err := dec.Uint32(); err != nil { // serial
		return 0, err
	}
	fdsSeen := 0
	_, err := dec.Array(8, func(idx int) error {
		return dec.Struct(func() error {
			code, err := dec.Uint8()
			if err != nil {
				return err
			}
			sig, err := dec.Sig()
			if err != nil {
				return err
			}
			types, err := Signature(sig).Parse()
			if err != nil || len(types) != 1 {
				return MessageError{Reason: "malformed header field variant signature"}
			}
			v, err := unmarshalValue(dec, types[0])
			if err != nil {
				return err
			}
			if HeaderField(code) == FieldUnixFDs {
				if u, ok := v.(uint32); ok {
					fdsSeen = int(u)
				}
			}
			return nil
		})
	})
	return fdsSeen, err
}

// FromBytes parses a complete message (header + body, exactly
// len(bs) bytes, with fds as its attached Unix file descriptor side
// channel) from the wire format.
func FromBytes(bs []byte, fds *fragments.FDList) (*Message, error) {
	dec := &fragments.Decoder{In: bytes.NewReader(bs), FDs: fds}
	if err := dec.ByteOrderFlag(); err != nil {
		return nil, MessageError{Reason: "reading byte order flag", Err: err}
	}
	typ, err := dec.Uint8()
	if err != nil {
		return nil, MessageError{Reason: "reading message type", Err: err}
	}
	flags, err := dec.Uint8()
	if err != nil {
		return nil, MessageError{Reason: "reading flags", Err: err}
	}
	version, err := dec.Uint8()
	if err != nil {
		return nil, MessageError{Reason: "reading protocol version", Err: err}
	}
	if version != ProtocolVersion {
		return nil, MessageError{Reason: fmt.Sprintf("unsupported protocol version %d", version)}
	}
	bodyLen, err := dec.Uint32()
	if err != nil {
		return nil, MessageError{Reason: "reading body length", Err: err}
	}
	serial, err := dec.Uint32()
	if err != nil {
		return nil, MessageError{Reason: "reading serial", Err: err}
	}
	if serial == 0 {
		return nil, MessageError{Reason: "serial must be nonzero"}
	}

	fields := map[HeaderField]any{}
	if _, err := dec.Array(8, func(idx int) error {
		return dec.Struct(func() error {
			code, err := dec.Uint8()
			if err != nil {
				return err
			}
			sig, err := dec.Sig()
			if err != nil {
				return err
			}
			types, err := Signature(sig).Parse()
			if err != nil || len(types) != 1 {
				return MessageError{Reason: "malformed header field variant signature"}
			}
			v, err := unmarshalValue(dec, types[0])
			if err != nil {
				return err
			}
			fields[HeaderField(code)] = v
			return nil
		})
	}); err != nil {
		return nil, MessageError{Reason: "reading header fields", Err: err}
	}
	if err := dec.Pad(8); err != nil {
		return nil, MessageError{Reason: "reading header padding", Err: err}
	}

	m := &Message{
		Order:  dec.Order,
		Type:   MessageType(typ),
		Flags:  HeaderFlags(flags),
		Serial: serial,
		Fields: fields,
		FDs:    fds,
	}
	if m.Type != InvalidMessage {
		if err := m.validateFields(); err != nil {
			return nil, err
		}
	}

	if sig, ok := fields[FieldSignature]; ok {
		bodySig, ok := sig.(Signature)
		if !ok {
			return nil, MessageError{Reason: "SIGNATURE header field is not a signature"}
		}
		m.BodySig = bodySig
		types, err := bodySig.Parse()
		if err != nil {
			return nil, err
		}
		body := make([]any, len(types))
		for i, t := range types {
			v, err := unmarshalValue(dec, t)
			if err != nil {
				return nil, MessageError{Reason: "reading message body", Err: err}
			}
			body[i] = v
		}
		m.Body = body
	} else if bodyLen != 0 {
		return nil, MessageError{Reason: "body present but no SIGNATURE header field"}
	}
	if dec.Offset() != len(bs) {
		return nil, MessageError{Reason: fmt.Sprintf("%d trailing bytes after message body", len(bs)-dec.Offset())}
	}
	return m, nil
}

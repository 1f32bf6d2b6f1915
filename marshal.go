package dbus

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/opendcar/dcar/fragments"
)

// Marshal encodes values against types using order, returning the
// wire bytes and the deduplicated list of Unix file descriptors (if
// any) referenced by 'h' values in the body. It fails with
// MessageError or TooLongError if len(values) != len(types) or any
// value does not conform to its signature.
func Marshal(order fragments.ByteOrder, types []Type, values []any) ([]byte, *fragments.FDList, error) {
	if len(values) != len(types) {
		return nil, nil, MessageError{Reason: fmt.Sprintf("marshal: %d values for %d types", len(values), len(types))}
	}
	enc := &fragments.Encoder{Order: order}
	for i, t := range types {
		if err := marshalValue(enc, t, values[i]); err != nil {
			if enc.FDs != nil {
				enc.FDs.Close()
			}
			return nil, nil, err
		}
	}
	return enc.Out, enc.FDs, nil
}

func marshalValue(enc *fragments.Encoder, t Type, v any) error {
	switch t.Kind {
	case KindByte:
		b, ok := v.(byte)
		if !ok {
			return typeMismatch(t, v)
		}
		enc.Uint8(b)
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return typeMismatch(t, v)
		}
		enc.Bool(b)
	case KindInt16:
		n, ok := v.(int16)
		if !ok {
			return typeMismatch(t, v)
		}
		enc.Uint16(uint16(n))
	case KindUint16:
		n, ok := v.(uint16)
		if !ok {
			return typeMismatch(t, v)
		}
		enc.Uint16(n)
	case KindInt32:
		n, ok := v.(int32)
		if !ok {
			return typeMismatch(t, v)
		}
		enc.Uint32(uint32(n))
	case KindUint32:
		n, ok := v.(uint32)
		if !ok {
			return typeMismatch(t, v)
		}
		enc.Uint32(n)
	case KindInt64:
		n, ok := v.(int64)
		if !ok {
			return typeMismatch(t, v)
		}
		enc.Uint64(uint64(n))
	case KindUint64:
		n, ok := v.(uint64)
		if !ok {
			return typeMismatch(t, v)
		}
		enc.Uint64(n)
	case KindFloat64:
		f, ok := v.(float64)
		if !ok {
			return typeMismatch(t, v)
		}
		enc.Uint64(math.Float64bits(f))
	case KindUnixFD:
		fd, err := coerceFD(v)
		if err != nil {
			return err
		}
		if err := enc.UnixFD(fd); err != nil {
			if errors.Is(err, fragments.ErrTooLong) {
				return TooLongError{"unix fds", fragments.MaxUnixFDs}
			}
			return err
		}
	case KindString:
		s, ok := v.(string)
		if !ok {
			return typeMismatch(t, v)
		}
		if !utf8.ValidString(s) {
			return MessageError{Reason: "string value is not valid UTF-8"}
		}
		enc.String(s)
	case KindObjPath:
		p, ok := v.(ObjectPath)
		if !ok {
			return typeMismatch(t, v)
		}
		if err := ValidateObjectPath(p); err != nil {
			return err
		}
		enc.String(string(p))
	case KindSignature:
		s, ok := v.(Signature)
		if !ok {
			return typeMismatch(t, v)
		}
		if s != "" {
			if _, err := s.Parse(); err != nil {
				return err
			}
		}
		enc.Sig(string(s))
	case KindVariant:
		return marshalVariant(enc, v)
	case KindArray:
		return marshalArray(enc, t, v)
	case KindStruct:
		return marshalStruct(enc, t, v)
	default:
		return MessageError{Reason: fmt.Sprintf("cannot marshal type kind %q", byte(t.Kind))}
	}
	return nil
}

func marshalVariant(enc *fragments.Encoder, v any) error {
	vv, ok := v.(Variant)
	if !ok {
		return MessageError{Reason: fmt.Sprintf("variant value must be dbus.Variant, got %T", v)}
	}
	inner, err := vv.Sig.Parse()
	if err != nil {
		return err
	}
	if len(inner) != 1 {
		return MessageError{Reason: "variant signature must name exactly one complete type"}
	}
	exit, err := enc.EnterVariant()
	if err != nil {
		return MessageError{Reason: "marshaling variant", Err: err}
	}
	defer exit()
	enc.Sig(string(vv.Sig))
	return marshalValue(enc, inner[0], vv.Value)
}

func marshalArray(enc *fragments.Encoder, t Type, v any) error {
	elem := *t.Elem
	if elem.Kind == KindByte {
		if bs, ok := v.([]byte); ok {
			return arrayErr(enc.Array(1, func() error {
				for _, b := range bs {
					enc.Uint8(b)
				}
				return nil
			}))
		}
	}
	if elem.Kind == KindDictEntry {
		m, ok := v.(anyMap)
		if !ok {
			return typeMismatch(t, v)
		}
		return arrayErr(enc.Array(8, func() error {
			for k, val := range m {
				if err := enc.Struct(func() error {
					if err := marshalValue(enc, *elem.Key, k); err != nil {
						return err
					}
					return marshalValue(enc, *elem.Value, val)
				}); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	vals, ok := v.([]any)
	if !ok {
		return typeMismatch(t, v)
	}
	return arrayErr(enc.Array(elem.Align(), func() error {
		for _, elv := range vals {
			if err := marshalValue(enc, elem, elv); err != nil {
				return err
			}
		}
		return nil
	}))
}

// arrayErr maps the encoder's size sentinel onto this package's error
// taxonomy; element errors pass through unchanged.
func arrayErr(err error) error {
	if errors.Is(err, fragments.ErrTooLong) {
		return TooLongError{"array", fragments.MaxArrayLen}
	}
	return err
}

func marshalStruct(enc *fragments.Encoder, t Type, v any) error {
	fields, ok := v.(Struct)
	if !ok {
		return typeMismatch(t, v)
	}
	if len(fields) != len(t.Fields) {
		return MessageError{Reason: fmt.Sprintf("struct has %d fields, signature wants %d", len(fields), len(t.Fields))}
	}
	return enc.Struct(func() error {
		for i, ft := range t.Fields {
			if err := marshalValue(enc, ft, fields[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func typeMismatch(t Type, v any) error {
	return MessageError{Reason: fmt.Sprintf("value %v (%T) does not match signature %q", v, v, t.String())}
}

func coerceFD(v any) (int, error) {
	switch x := v.(type) {
	case UnixFD:
		return x.Int(), nil
	case int:
		return x, nil
	case FDSource:
		return int(x.Fd()), nil
	default:
		return 0, MessageError{Reason: fmt.Sprintf("cannot use %T as a unix fd", v)}
	}
}

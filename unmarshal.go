package dbus

import (
	"bytes"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/opendcar/dcar/fragments"
)

// Unmarshal decodes len(types) values from bs in wire order, using
// order as the byte order and fds (if non-nil) as the Unix file
// descriptor side channel for any 'h' values encountered.
func Unmarshal(order fragments.ByteOrder, fds *fragments.FDList, bs []byte, types []Type) ([]any, error) {
	dec := &fragments.Decoder{Order: order, FDs: fds, In: bytes.NewReader(bs)}
	values := make([]any, len(types))
	for i, t := range types {
		v, err := unmarshalValue(dec, t)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func unmarshalValue(dec *fragments.Decoder, t Type) (any, error) {
	switch t.Kind {
	case KindByte:
		return dec.Uint8()
	case KindBool:
		return dec.Bool()
	case KindInt16:
		u, err := dec.Uint16()
		return int16(u), err
	case KindUint16:
		return dec.Uint16()
	case KindInt32:
		u, err := dec.Uint32()
		return int32(u), err
	case KindUint32:
		return dec.Uint32()
	case KindInt64:
		u, err := dec.Uint64()
		return int64(u), err
	case KindUint64:
		return dec.Uint64()
	case KindFloat64:
		u, err := dec.Uint64()
		return math.Float64frombits(u), err
	case KindUnixFD:
		fd, err := dec.UnixFD()
		return NewUnixFD(fd), err
	case KindString:
		s, err := dec.String()
		if err != nil {
			return nil, err
		}
		if !utf8.ValidString(s) {
			return nil, MessageError{Reason: "string value is not valid UTF-8"}
		}
		return s, nil
	case KindObjPath:
		s, err := dec.String()
		if err != nil {
			return nil, err
		}
		p := ObjectPath(s)
		if err := ValidateObjectPath(p); err != nil {
			return nil, err
		}
		return p, nil
	case KindSignature:
		s, err := dec.Sig()
		if err != nil {
			return nil, err
		}
		if s != "" {
			if _, err := Signature(s).Parse(); err != nil {
				return nil, err
			}
		}
		return Signature(s), nil
	case KindVariant:
		return unmarshalVariant(dec)
	case KindArray:
		return unmarshalArray(dec, t)
	case KindStruct:
		return unmarshalStruct(dec, t)
	default:
		return nil, MessageError{Reason: fmt.Sprintf("cannot unmarshal type kind %q", byte(t.Kind))}
	}
}

func unmarshalVariant(dec *fragments.Decoder) (any, error) {
	sig, err := dec.Sig()
	if err != nil {
		return nil, err
	}
	inner, err := Signature(sig).Parse()
	if err != nil {
		return nil, err
	}
	if len(inner) != 1 {
		return nil, MessageError{Reason: "variant signature must name exactly one complete type"}
	}
	exit, err := dec.EnterVariant()
	if err != nil {
		return nil, MessageError{Reason: "unmarshaling variant", Err: err}
	}
	defer exit()
	v, err := unmarshalValue(dec, inner[0])
	if err != nil {
		return nil, err
	}
	return Variant{Sig: Signature(sig), Value: v}, nil
}

func unmarshalArray(dec *fragments.Decoder, t Type) (any, error) {
	elem := *t.Elem
	if elem.Kind == KindByte {
		var bs []byte
		_, err := dec.Array(1, func(idx int) error {
			b, err := dec.Uint8()
			if err != nil {
				return err
			}
			bs = append(bs, b)
			return nil
		})
		if bs == nil {
			bs = []byte{}
		}
		return bs, err
	}
	if elem.Kind == KindDictEntry {
		m := anyMap{}
		_, err := dec.Array(8, func(idx int) error {
			var k, v any
			err := dec.Struct(func() error {
				var err error
				k, err = unmarshalValue(dec, *elem.Key)
				if err != nil {
					return err
				}
				v, err = unmarshalValue(dec, *elem.Value)
				return err
			})
			if err != nil {
				return err
			}
			m[k] = v
			return nil
		})
		return m, err
	}
	vals := []any{}
	_, err := dec.Array(elem.Align(), func(idx int) error {
		v, err := unmarshalValue(dec, elem)
		if err != nil {
			return err
		}
		vals = append(vals, v)
		return nil
	})
	return vals, err
}

func unmarshalStruct(dec *fragments.Decoder, t Type) (any, error) {
	fields := make(Struct, len(t.Fields))
	err := dec.Struct(func() error {
		for i, ft := range t.Fields {
			v, err := unmarshalValue(dec, ft)
			if err != nil {
				return err
			}
			fields[i] = v
		}
		return nil
	})
	return fields, err
}

package fragments_test

import (
	"bytes"
	"testing"

	"github.com/opendcar/dcar/fragments"
)

type mustDecoder struct {
	t *testing.T
	*fragments.Decoder
}

func (d *mustDecoder) MustRead(n int, want []byte) {
	got, err := d.Read(n)
	if err != nil {
		d.t.Fatalf("Read(%d) got err: %v", n, err)
	}
	if !bytes.Equal(got, want) {
		d.t.Fatalf("Read(%d) wrong output:\n  got: % x\n want: % x", n, got, want)
	}
}

func (d *mustDecoder) MustBytes(want []byte) {
	got, err := d.Bytes()
	if err != nil {
		d.t.Fatalf("Bytes() got err: %v", err)
	}
	if !bytes.Equal(got, want) {
		d.t.Fatalf("Bytes() wrong output:\n  got: % x\n want: % x", got, want)
	}
}

func (d *mustDecoder) MustString(want string) {
	got, err := d.String()
	if err != nil {
		d.t.Fatalf("String() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("String() got %q, want %q", got, want)
	}
}

func (d *mustDecoder) MustSig(want string) {
	got, err := d.Sig()
	if err != nil {
		d.t.Fatalf("Sig() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Sig() got %q, want %q", got, want)
	}
}

func (d *mustDecoder) MustUint8(want uint8) {
	got, err := d.Uint8()
	if err != nil {
		d.t.Fatalf("Uint8() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint8() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint16(want uint16) {
	got, err := d.Uint16()
	if err != nil {
		d.t.Fatalf("Uint16() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint16() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint32(want uint32) {
	got, err := d.Uint32()
	if err != nil {
		d.t.Fatalf("Uint32() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint32() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint64(want uint64) {
	got, err := d.Uint64()
	if err != nil {
		d.t.Fatalf("Uint64() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint64() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustBool(want bool) {
	got, err := d.Bool()
	if err != nil {
		d.t.Fatalf("Bool() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Bool() got %v, want %v", got, want)
	}
}

func (d *mustDecoder) MustArray(elemAlign, wantElems int) {
	got, err := d.Array(elemAlign, func(idx int) error {
		_, err := d.Uint16()
		return err
	})
	if err != nil {
		d.t.Fatalf("Array() got err: %v", err)
	}
	if got != wantElems {
		d.t.Fatalf("Array() read %d elements, want %d", got, wantElems)
	}
}

func (d *mustDecoder) MustByteOrderFlag(want fragments.ByteOrder) {
	if err := d.ByteOrderFlag(); err != nil {
		d.t.Fatalf("ByteOrderFlag() got err: %v", err)
	}
	if d.Order != want {
		d.t.Fatalf("ByteOrderFlag() set order %v, want %v", d.Order, want)
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name   string
		in     []byte
		decode func(*mustDecoder)
	}{
		{
			"raw bytes",
			[]byte{0x01, 0x02, 0x03},
			func(d *mustDecoder) {
				d.MustRead(3, []byte{1, 2, 3})
			},
		},

		{
			"byte array",
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x01, 0x02, 0x03, // val
			},
			func(d *mustDecoder) {
				d.MustBytes([]byte{1, 2, 3})
			},
		},

		{
			"string",
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x66, 0x6f, 0x6f, // val
				0x00, // terminator
			},
			func(d *mustDecoder) {
				d.MustString("foo")
			},
		},

		{
			"signature",
			[]byte{
				0x03,             // length
				0x66, 0x6f, 0x6f, // val
				0x00, // terminator
			},
			func(d *mustDecoder) {
				d.MustSig("foo")
			},
		},

		{
			"uints",
			[]byte{
				0x2a,
				0x00, // pad
				0x00, 0x42,
				0x00, 0x00, 0x00, 0x2a,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
			},
			func(d *mustDecoder) {
				d.MustUint8(42)
				d.MustUint16(66)
				d.MustUint32(42)
				d.MustUint64(66)
			},
		},

		{
			"uints padding",
			[]byte{
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
				0x00,             // raw
				0x00, 0x00, 0x00, // pad
				0x00, 0x00, 0x00, 0x2a,
				0x00, // raw
				0x00, // pad
				0x00, 0x42,
				0x00, // raw
				0x2a,
			},
			func(d *mustDecoder) {
				d.MustUint64(66)
				d.MustRead(1, []byte{0})
				d.MustUint32(42)
				d.MustRead(1, []byte{0})
				d.MustUint16(66)
				d.MustRead(1, []byte{0})
				d.MustUint8(42)
			},
		},

		{
			"bool",
			[]byte{
				0x00, 0x00, 0x00, 0x01,
				0x00, 0x00, 0x00, 0x00,
			},
			func(d *mustDecoder) {
				d.MustBool(true)
				d.MustBool(false)
			},
		},

		{
			"struct padding",
			[]byte{
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
				0x00, 0x00, 0x00, 0x2a,
				0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x42,
			},
			func(d *mustDecoder) {
				d.Struct(func() error {
					d.MustUint64(66)
					return nil
				})
				d.Struct(func() error {
					d.MustUint32(42)
					return nil
				})
				d.Struct(func() error {
					d.MustUint16(66)
					return nil
				})
			},
		},

		{
			"array",
			[]byte{
				0x00, 0x00, 0x00, 0x04, // length
				0x00, 0x01,
				0x00, 0x02,
			},
			func(d *mustDecoder) {
				d.MustArray(2, 2)
			},
		},

		{
			"empty array",
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
			},
			func(d *mustDecoder) {
				d.MustArray(2, 0)
			},
		},

		{
			"struct array",
			[]byte{
				0x00, 0x00, 0x00, 0x0a, // length
				0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x01,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x02,
			},
			func(d *mustDecoder) {
				got, err := d.Array(8, func(idx int) error {
					return d.Decoder.Struct(func() error {
						_, err := d.Uint16()
						return err
					})
				})
				if err != nil {
					d.t.Fatalf("Array() got err: %v", err)
				}
				if got != 2 {
					d.t.Fatalf("Array() read %d elements, want 2", got)
				}
			},
		},

		{
			"empty struct array",
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
				0x00, 0x00, 0x00, 0x00, // pad
			},
			func(d *mustDecoder) {
				d.MustArray(8, 0)
			},
		},

		{
			"unix fd index",
			[]byte{
				0x00, 0x00, 0x00, 0x01,
			},
			func(d *mustDecoder) {
				got, err := d.UnixFD()
				if err != nil {
					d.t.Fatalf("UnixFD() got err: %v", err)
				}
				if got != 41 {
					d.t.Fatalf("UnixFD() = %d, want 41", got)
				}
			},
		},

		{
			"byte order flag",
			[]byte{'B', 'l'},
			func(d *mustDecoder) {
				d.MustByteOrderFlag(fragments.BigEndian)
				d.MustByteOrderFlag(fragments.LittleEndian)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fds := &fragments.FDList{}
			fds.Append(40, 41)
			d := mustDecoder{
				t: t,
				Decoder: &fragments.Decoder{
					Order: fragments.BigEndian,
					FDs:   fds,
					In:    bytes.NewReader(tc.in),
				},
			}
			tc.decode(&d)
			if remain := len(tc.in) - d.Offset(); remain > 0 {
				t.Fatalf("decoder failed to consume %d trailing bytes", remain)
			}
		})
	}
}

func TestDecoderErrors(t *testing.T) {
	tests := []struct {
		name   string
		in     []byte
		decode func(*fragments.Decoder) error
	}{
		{
			"short read",
			[]byte{0x00},
			func(d *fragments.Decoder) error {
				_, err := d.Uint32()
				return err
			},
		},
		{
			"nonzero padding",
			[]byte{0x01, 0xff, 0x00, 0x02},
			func(d *fragments.Decoder) error {
				if _, err := d.Uint8(); err != nil {
					return err
				}
				_, err := d.Uint16()
				return err
			},
		},
		{
			"string missing terminator",
			[]byte{
				0x00, 0x00, 0x00, 0x03,
				0x66, 0x6f, 0x6f,
				0x01, // not a NUL
			},
			func(d *fragments.Decoder) error {
				_, err := d.String()
				return err
			},
		},
		{
			"invalid bool",
			[]byte{0x00, 0x00, 0x00, 0x02},
			func(d *fragments.Decoder) error {
				_, err := d.Bool()
				return err
			},
		},
		{
			"unix fd index out of range",
			[]byte{0x00, 0x00, 0x00, 0x05},
			func(d *fragments.Decoder) error {
				_, err := d.UnixFD()
				return err
			},
		},
		{
			"unknown byte order flag",
			[]byte{'?'},
			func(d *fragments.Decoder) error {
				return d.ByteOrderFlag()
			},
		},
		{
			"array boundary mismatch",
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length not a multiple of u16
				0x00, 0x01,
				0x00, 0x02,
			},
			func(d *fragments.Decoder) error {
				_, err := d.Array(2, func(idx int) error {
					_, err := d.Uint16()
					return err
				})
				return err
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fds := &fragments.FDList{}
			fds.Append(40)
			d := &fragments.Decoder{
				Order: fragments.BigEndian,
				FDs:   fds,
				In:    bytes.NewReader(tc.in),
			}
			if err := tc.decode(d); err == nil {
				t.Error("decode succeeded, want error")
			}
		})
	}
}

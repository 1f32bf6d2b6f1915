// Package fragments provides the low-level primitives used to marshal
// and unmarshal the D-Bus wire format: byte-order-aware scalar
// encoding, alignment padding, array/struct framing, and a
// deduplicated Unix file descriptor side channel.
package fragments

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

type ByteOrder interface {
	byteOrder
	dbusFlag() byte
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type wrapStd struct {
	byteOrder
}

func (w wrapStd) dbusFlag() byte {
	switch w.byteOrder {
	case binary.BigEndian:
		return 'B'
	case binary.LittleEndian:
		return 'l'
	case binary.NativeEndian:
		if cpu.IsBigEndian {
			return 'B'
		}
		return 'l'
	default:
		panic("unknown ByteOrder")
	}
}

var (
	BigEndian    = wrapStd{binary.BigEndian}
	LittleEndian = wrapStd{binary.LittleEndian}
	NativeEndian = wrapStd{binary.NativeEndian}
)

// ByteOrderForFlag returns the ByteOrder matching a wire byte-order
// flag byte ('l' or 'B').
func ByteOrderForFlag(flag byte) (ByteOrder, bool) {
	switch flag {
	case 'l':
		return LittleEndian, true
	case 'B':
		return BigEndian, true
	default:
		return nil, false
	}
}

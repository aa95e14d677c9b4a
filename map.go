package kbpf

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// Arrays are allocated up front, refuse anything larger than this.
	maxArrayBytes = 1 << 28
	// MaxKeySize is the largest key of any map, the size of a program's stack.
	MaxKeySize = 512
	// MaxValueSize is the largest value of any map.
	MaxValueSize = 1 << 20
)

// MapAttr describes a map. It is fixed at creation.
type MapAttr struct {
	Type       MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
}

func (ma MapAttr) String() string {
	return fmt.Sprintf("%s(keySize=%d, valueSize=%d, maxEntries=%d)", ma.Type, ma.KeySize, ma.ValueSize, ma.MaxEntries)
}

// Map is a typed key/value store shared by user space and programs.
//
// Keys and values are raw bytes of exactly KeySize and ValueSize length.
// Implementations are safe for concurrent use, returned slices are owned by
// the caller.
type Map interface {
	// Lookup returns a copy of the value stored at key.
	Lookup(key []byte) ([]byte, error)
	// Update stores value at key according to flags.
	Update(key, value []byte, flags MapUpdateFlags) error
	// Delete removes key.
	Delete(key []byte) error
	// NextKey returns the key following key in iteration order. A nil key
	// starts the iteration. Returns ErrEndOfIteration after the last key.
	NextKey(key []byte) ([]byte, error)
	// Attr returns the attributes the map was created with.
	Attr() MapAttr
	// Len returns the number of elements present in the map.
	Len() int
}

// NewMap creates a map of the kind selected by attr.Type.
//
// Unknown map types are rejected here rather than on first use.
func NewMap(attr MapAttr) (Map, error) {
	if attr.KeySize == 0 || attr.ValueSize == 0 || attr.MaxEntries == 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "map %s: sizes and max entries must be non-zero", attr)
	}
	if attr.KeySize > MaxKeySize || attr.ValueSize > MaxValueSize {
		return nil, errors.Wrapf(ErrInvalidArgument, "map %s: key exceeds %d or value exceeds %d bytes", attr, MaxKeySize, MaxValueSize)
	}

	switch attr.Type {
	case Array:
		return newArrayMap(attr)
	case Hash:
		return newHashMap(attr), nil
	default:
		return nil, errors.Wrapf(ErrInvalidArgument, "unsupported map type %s", attr.Type)
	}
}

func checkSize(what string, buf []byte, size uint32) error {
	if uint32(len(buf)) != size {
		return errors.Wrapf(ErrInvalidArgument, "%s has %d bytes instead of %d", what, len(buf), size)
	}
	return nil
}

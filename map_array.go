package kbpf

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/kbpf-dev/kbpf/internal/sys"
)

// ArrayMap stores MaxEntries values indexed by a 4 byte little endian key.
//
// Every index always holds a value, zero until written, so elements can be
// neither created nor deleted.
type ArrayMap struct {
	attr MapAttr

	mu     sync.RWMutex
	values []byte
}

var _ Map = (*ArrayMap)(nil)

func newArrayMap(attr MapAttr) (*ArrayMap, error) {
	if attr.KeySize != 4 {
		return nil, errors.Wrapf(ErrInvalidArgument, "array key size must be 4, not %d", attr.KeySize)
	}
	size := uint64(attr.ValueSize) * uint64(attr.MaxEntries)
	if size > maxArrayBytes {
		return nil, errors.Wrapf(ErrInvalidArgument, "array of %d bytes exceeds %d", size, maxArrayBytes)
	}

	return &ArrayMap{
		attr:   attr,
		values: make([]byte, size),
	}, nil
}

func (m *ArrayMap) index(key []byte) (uint32, error) {
	if err := checkSize("key", key, m.attr.KeySize); err != nil {
		return 0, err
	}
	return sys.ByteOrder.Uint32(key), nil
}

func (m *ArrayMap) slot(idx uint32) []byte {
	off := uint64(idx) * uint64(m.attr.ValueSize)
	return m.values[off : off+uint64(m.attr.ValueSize)]
}

func (m *ArrayMap) Lookup(key []byte) ([]byte, error) {
	idx, err := m.index(key)
	if err != nil {
		return nil, err
	}
	if idx >= m.attr.MaxEntries {
		return nil, errors.Wrapf(ErrKeyNotExist, "index %d", idx)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]byte(nil), m.slot(idx)...), nil
}

func (m *ArrayMap) Update(key, value []byte, flags MapUpdateFlags) error {
	if !flags.valid() {
		return errors.Wrapf(ErrInvalidArgument, "flags %d", uint64(flags))
	}
	idx, err := m.index(key)
	if err != nil {
		return err
	}
	if err := checkSize("value", value, m.attr.ValueSize); err != nil {
		return err
	}
	if idx >= m.attr.MaxEntries {
		return errors.Wrapf(ErrInvalidArgument, "index %d out of range", idx)
	}
	if flags == UpdateNoExist {
		return errors.Wrapf(ErrKeyExist, "index %d", idx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.slot(idx), value)
	return nil
}

// Delete always fails, array elements can't be removed.
func (m *ArrayMap) Delete(key []byte) error {
	return errors.Wrap(ErrInvalidArgument, "can't delete from an array")
}

func (m *ArrayMap) NextKey(key []byte) ([]byte, error) {
	next := uint32(0)
	if key != nil {
		idx, err := m.index(key)
		if err != nil {
			return nil, err
		}
		if idx < m.attr.MaxEntries {
			if idx == m.attr.MaxEntries-1 {
				return nil, ErrEndOfIteration
			}
			next = idx + 1
		}
	}

	out := make([]byte, 4)
	sys.ByteOrder.PutUint32(out, next)
	return out, nil
}

func (m *ArrayMap) Attr() MapAttr {
	return m.attr
}

func (m *ArrayMap) Len() int {
	return int(m.attr.MaxEntries)
}

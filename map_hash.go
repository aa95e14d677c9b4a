package kbpf

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// HashMap associates opaque keys with values, holding at most MaxEntries
// elements.
//
// Iteration follows insertion order. Deleting an element keeps the relative
// order of the remaining ones.
type HashMap struct {
	attr MapAttr

	mu      sync.RWMutex
	index   map[string]int
	entries []hashEntry
}

type hashEntry struct {
	key   []byte
	value []byte
}

var _ Map = (*HashMap)(nil)

func newHashMap(attr MapAttr) *HashMap {
	return &HashMap{
		attr:  attr,
		index: make(map[string]int),
	}
}

func (m *HashMap) Lookup(key []byte) ([]byte, error) {
	if err := checkSize("key", key, m.attr.KeySize); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.index[string(key)]
	if !ok {
		return nil, ErrKeyNotExist
	}
	return append([]byte(nil), m.entries[i].value...), nil
}

func (m *HashMap) Update(key, value []byte, flags MapUpdateFlags) error {
	if !flags.valid() {
		return errors.Wrapf(ErrInvalidArgument, "flags %d", uint64(flags))
	}
	if err := checkSize("key", key, m.attr.KeySize); err != nil {
		return err
	}
	if err := checkSize("value", value, m.attr.ValueSize); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i, exists := m.index[string(key)]
	switch {
	case exists && flags == UpdateNoExist:
		return ErrKeyExist
	case !exists && flags == UpdateExist:
		return ErrKeyNotExist
	case exists:
		copy(m.entries[i].value, value)
		return nil
	}

	if uint32(len(m.entries)) >= m.attr.MaxEntries {
		return errors.Wrapf(ErrMapFull, "%d entries", m.attr.MaxEntries)
	}

	m.index[string(key)] = len(m.entries)
	m.entries = append(m.entries, hashEntry{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (m *HashMap) Delete(key []byte) error {
	if err := checkSize("key", key, m.attr.KeySize); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[string(key)]
	if !ok {
		return ErrKeyNotExist
	}

	delete(m.index, string(key))
	m.entries = slices.Delete(m.entries, i, i+1)
	for j := i; j < len(m.entries); j++ {
		m.index[string(m.entries[j].key)] = j
	}
	return nil
}

// NextKey returns the first key if key is nil or not present in the map.
func (m *HashMap) NextKey(key []byte) ([]byte, error) {
	if key != nil {
		if err := checkSize("key", key, m.attr.KeySize); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	next := 0
	if i, ok := m.index[string(key)]; ok && key != nil {
		next = i + 1
	}
	if next >= len(m.entries) {
		return nil, ErrEndOfIteration
	}
	return append([]byte(nil), m.entries[next].key...), nil
}

func (m *HashMap) Attr() MapAttr {
	return m.attr
}

func (m *HashMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

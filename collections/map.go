package collections

import (
	"bytes"
	"iter"

	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
	"github.com/wippyai/capmem/factory"
	"github.com/wippyai/capmem/memory"
)

// bucket states
const (
	slotEmpty byte = iota
	slotFull
	slotTombstone
)

// Map is a hash map with a fixed bucket table inside one provider.
//
// Buckets are laid out as [state][key][value]. Collisions are resolved by
// linear probing over encoded keys hashed with FNV-1a; removals leave
// tombstones. The table never rehashes: inserting a new key into a table
// with no free bucket fails with CapacityExceeded.
type Map[K, V any] struct {
	handle *factory.Handle
	mem    *memory.Provider
	keys   Codec[K]
	vals   Codec[V]
	key    []byte // encoded key being looked up
	probe  []byte // key read back from a bucket
	val    []byte
	width  uint32
	slots  int
	n      int
}

// NewMap sizes the bucket table to fill h's provider.
func NewMap[K, V any](h *factory.Handle, keys Codec[K], vals Codec[V]) (*Map[K, V], error) {
	width := 1 + keys.Size() + vals.Size()
	if h == nil {
		return nil, errors.InvalidInput(errors.PhaseCollection, "nil handle")
	}
	slots := h.Provider().Capacity() / width
	if err := checkLayout(h, width, slots); err != nil {
		return nil, err
	}
	m := &Map[K, V]{
		handle: h,
		mem:    h.Provider(),
		keys:   keys,
		vals:   vals,
		key:    make([]byte, keys.Size()),
		probe:  make([]byte, keys.Size()),
		val:    make([]byte, vals.Size()),
		width:  uint32(width),
		slots:  slots,
	}
	// providers start zeroed, but a reused handle may not be
	if err := m.mem.Fill(0, uint32(slots)*m.width, 0); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMapFrom acquires room for buckets entries for owner and builds a map
// over it. The map owns the handle.
func NewMapFrom[K, V any](f *factory.Factory, owner capability.OwnerID, keys Codec[K], vals Codec[V], buckets int) (*Map[K, V], error) {
	if buckets <= 0 {
		return nil, errors.InvalidInput(errors.PhaseCollection, "map needs at least one bucket")
	}
	width := uint64(1 + keys.Size() + vals.Size())
	h, err := f.Acquire(owner, uint64(buckets)*width)
	if err != nil {
		return nil, err
	}
	m, err := NewMap(h, keys, vals)
	if err != nil {
		_ = h.Release()
		return nil, err
	}
	return m, nil
}

func fnv1a(b []byte) uint32 {
	const (
		offset = 2166136261
		prime  = 16777619
	)
	h := uint32(offset)
	for _, c := range b {
		h ^= uint32(c)
		h *= prime
	}
	return h
}

func (m *Map[K, V]) base(slot int) uint32 {
	return uint32(slot) * m.width
}

// find probes for the encoded key in m.key. It returns the bucket holding
// it, or the bucket a new entry should take, or -1 if neither exists.
func (m *Map[K, V]) find() (slot int, found bool, err error) {
	start := int(fnv1a(m.key) % uint32(m.slots))
	free := -1
	for i := 0; i < m.slots; i++ {
		slot := (start + i) % m.slots
		state, err := m.mem.ReadU8(m.base(slot))
		if err != nil {
			return -1, false, err
		}
		switch state {
		case slotEmpty:
			if free < 0 {
				free = slot
			}
			return free, false, nil
		case slotTombstone:
			if free < 0 {
				free = slot
			}
		case slotFull:
			if err := m.mem.ReadInto(m.base(slot)+1, m.probe); err != nil {
				return -1, false, err
			}
			if bytes.Equal(m.probe, m.key) {
				return slot, true, nil
			}
		default:
			return -1, false, m.handle.Fail(errors.InvariantViolation(errors.PhaseCollection, "corrupt bucket state"))
		}
	}
	return free, false, nil
}

// Insert sets k to v, updating an existing entry in place.
func (m *Map[K, V]) Insert(k K, v V) error {
	if err := m.keys.Encode(m.key, k); err != nil {
		return err
	}
	if err := m.vals.Encode(m.val, v); err != nil {
		return err
	}
	slot, found, err := m.find()
	if err != nil {
		return err
	}
	if slot < 0 {
		return errors.New(errors.PhaseCollection, errors.KindCapacityExceeded).
			Owner(m.handle.Owner()).
			Value(m.slots).
			Detail("map full (%d buckets)", m.slots).
			Build()
	}
	off := m.base(slot)
	if !found {
		if err := m.mem.Write(off+1, m.key); err != nil {
			return err
		}
	}
	if err := m.mem.Write(off+1+uint32(len(m.key)), m.val); err != nil {
		return err
	}
	if !found {
		if err := m.mem.WriteU8(off, slotFull); err != nil {
			return err
		}
		m.n++
	}
	return nil
}

// Get returns the value stored for k.
func (m *Map[K, V]) Get(k K) (V, bool, error) {
	var zero V
	if err := m.keys.Encode(m.key, k); err != nil {
		return zero, false, err
	}
	slot, found, err := m.find()
	if err != nil || !found {
		return zero, false, err
	}
	if err := m.mem.ReadInto(m.base(slot)+1+uint32(len(m.key)), m.val); err != nil {
		return zero, false, err
	}
	return m.vals.Decode(m.val), true, nil
}

// Contains reports whether k is present.
func (m *Map[K, V]) Contains(k K) (bool, error) {
	_, ok, err := m.Get(k)
	return ok, err
}

// Remove deletes k and reports whether it was present.
func (m *Map[K, V]) Remove(k K) (bool, error) {
	if err := m.keys.Encode(m.key, k); err != nil {
		return false, err
	}
	slot, found, err := m.find()
	if err != nil || !found {
		return false, err
	}
	if err := m.mem.WriteU8(m.base(slot), slotTombstone); err != nil {
		return false, err
	}
	m.n--
	return true, nil
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int { return m.n }

// Cap returns the bucket count, the most entries the map can hold.
func (m *Map[K, V]) Cap() int { return m.slots }

// Clear removes every entry and tombstone.
func (m *Map[K, V]) Clear() error {
	if err := m.mem.Fill(0, uint32(m.slots)*m.width, 0); err != nil {
		return err
	}
	m.n = 0
	return nil
}

// All yields entries in bucket order.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		kbuf := make([]byte, m.keys.Size())
		vbuf := make([]byte, m.vals.Size())
		for slot := 0; slot < m.slots; slot++ {
			off := m.base(slot)
			state, err := m.mem.ReadU8(off)
			if err != nil {
				return
			}
			if state != slotFull {
				continue
			}
			if m.mem.ReadInto(off+1, kbuf) != nil || m.mem.ReadInto(off+1+uint32(len(kbuf)), vbuf) != nil {
				return
			}
			if !yield(m.keys.Decode(kbuf), m.vals.Decode(vbuf)) {
				return
			}
		}
	}
}

// Handle returns the handle backing the map.
func (m *Map[K, V]) Handle() *factory.Handle { return m.handle }

// Release releases the backing handle.
func (m *Map[K, V]) Release() error {
	m.n = 0
	return m.handle.Release()
}

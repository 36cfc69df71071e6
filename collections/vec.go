package collections

import (
	"iter"

	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
	"github.com/wippyai/capmem/factory"
	"github.com/wippyai/capmem/memory"
)

// Vec is a vector of at most Cap() elements stored contiguously in one
// provider. It never grows: pushing onto a full vector is an error.
type Vec[T any] struct {
	handle  *factory.Handle
	mem     *memory.Provider
	codec   Codec[T]
	scratch []byte
	width   uint32
	max     int
	n       int
}

// NewVec lays out a vector of up to capacity elements over h's provider.
// capacity elements must fit the provider.
func NewVec[T any](h *factory.Handle, codec Codec[T], capacity int) (*Vec[T], error) {
	if err := checkLayout(h, codec.Size(), capacity); err != nil {
		return nil, err
	}
	return &Vec[T]{
		handle:  h,
		mem:     h.Provider(),
		codec:   codec,
		scratch: make([]byte, codec.Size()),
		width:   uint32(codec.Size()),
		max:     capacity,
	}, nil
}

// NewVecFrom acquires exactly capacity*codec.Size() bytes for owner and builds
// a vector over them. The vector owns the handle.
func NewVecFrom[T any](f *factory.Factory, owner capability.OwnerID, codec Codec[T], capacity int) (*Vec[T], error) {
	if capacity <= 0 || codec.Size() <= 0 {
		return nil, errors.InvalidInput(errors.PhaseCollection, "vector needs a positive capacity and element width")
	}
	h, err := f.Acquire(owner, uint64(capacity)*uint64(codec.Size()))
	if err != nil {
		return nil, err
	}
	v, err := NewVec(h, codec, capacity)
	if err != nil {
		_ = h.Release()
		return nil, err
	}
	return v, nil
}

func checkLayout(h *factory.Handle, width, count int) error {
	switch {
	case h == nil:
		return errors.InvalidInput(errors.PhaseCollection, "nil handle")
	case h.Released():
		return errors.Released(errors.PhaseCollection, "handle")
	case width <= 0 || count <= 0:
		return errors.InvalidInput(errors.PhaseCollection, "collection needs a positive capacity and element width")
	case uint64(width)*uint64(count) > uint64(h.Provider().Capacity()):
		return errors.New(errors.PhaseCollection, errors.KindInvalidInput).
			Owner(h.Owner()).
			Detail("%d elements of %d bytes do not fit a %d byte provider", count, width, h.Provider().Capacity()).
			Build()
	}
	return nil
}

func (v *Vec[T]) full() error {
	return errors.New(errors.PhaseCollection, errors.KindCapacityExceeded).
		Owner(v.handle.Owner()).
		Value(v.max).
		Detail("vector full (%d elements)", v.max).
		Build()
}

func (v *Vec[T]) offset(i int) uint32 {
	return uint32(i) * v.width
}

func (v *Vec[T]) store(i int, x T) error {
	if err := v.codec.Encode(v.scratch, x); err != nil {
		return err
	}
	return v.mem.Write(v.offset(i), v.scratch)
}

func (v *Vec[T]) load(i int) (T, error) {
	var zero T
	if err := v.mem.ReadInto(v.offset(i), v.scratch); err != nil {
		return zero, err
	}
	return v.codec.Decode(v.scratch), nil
}

// Push appends x. On a full vector it returns CapacityExceeded and the
// length is unchanged.
func (v *Vec[T]) Push(x T) error {
	if v.n == v.max {
		return v.full()
	}
	if err := v.store(v.n, x); err != nil {
		return err
	}
	v.n++
	return nil
}

// Pop removes and returns the last element.
func (v *Vec[T]) Pop() (T, error) {
	if v.n == 0 {
		var zero T
		return zero, errors.IndexOutOfBounds(errors.PhaseCollection, -1, 0)
	}
	x, err := v.load(v.n - 1)
	if err != nil {
		return x, err
	}
	v.n--
	return x, nil
}

// Get returns element i.
func (v *Vec[T]) Get(i int) (T, error) {
	if i < 0 || i >= v.n {
		var zero T
		return zero, errors.IndexOutOfBounds(errors.PhaseCollection, i, v.n)
	}
	return v.load(i)
}

// Set replaces element i.
func (v *Vec[T]) Set(i int, x T) error {
	if i < 0 || i >= v.n {
		return errors.IndexOutOfBounds(errors.PhaseCollection, i, v.n)
	}
	return v.store(i, x)
}

// Insert places x at index i, shifting later elements up.
func (v *Vec[T]) Insert(i int, x T) error {
	if i < 0 || i > v.n {
		return errors.IndexOutOfBounds(errors.PhaseCollection, i, v.n)
	}
	if v.n == v.max {
		return v.full()
	}
	if err := v.codec.Encode(v.scratch, x); err != nil {
		return err
	}
	if i < v.n {
		if err := v.mem.Move(v.offset(i+1), v.offset(i), uint32(v.n-i)*v.width); err != nil {
			return err
		}
	}
	if err := v.mem.Write(v.offset(i), v.scratch); err != nil {
		return err
	}
	v.n++
	return nil
}

// Remove deletes element i, shifting later elements down, and returns it.
func (v *Vec[T]) Remove(i int) (T, error) {
	x, err := v.Get(i)
	if err != nil {
		return x, err
	}
	if i < v.n-1 {
		if err := v.mem.Move(v.offset(i), v.offset(i+1), uint32(v.n-i-1)*v.width); err != nil {
			return x, err
		}
	}
	v.n--
	return x, nil
}

// Len returns the number of elements.
func (v *Vec[T]) Len() int { return v.n }

// Cap returns the fixed maximum number of elements.
func (v *Vec[T]) Cap() int { return v.max }

// IsEmpty reports whether the vector has no elements.
func (v *Vec[T]) IsEmpty() bool { return v.n == 0 }

// IsFull reports whether Push would fail.
func (v *Vec[T]) IsFull() bool { return v.n == v.max }

// Clear removes every element.
func (v *Vec[T]) Clear() {
	v.n = 0
}

// Truncate shortens the vector to n elements. Longer n is a no-op.
func (v *Vec[T]) Truncate(n int) {
	if n >= 0 && n < v.n {
		v.n = n
	}
}

// All yields index/element pairs in order. Iteration stops at the first
// element that cannot be read.
func (v *Vec[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i := 0; i < v.n; i++ {
			x, err := v.load(i)
			if err != nil || !yield(i, x) {
				return
			}
		}
	}
}

// Handle returns the handle backing the vector.
func (v *Vec[T]) Handle() *factory.Handle { return v.handle }

// Release releases the backing handle; the vector is unusable afterwards.
func (v *Vec[T]) Release() error {
	v.n = 0
	return v.handle.Release()
}

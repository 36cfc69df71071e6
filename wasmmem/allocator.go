// Package wasmmem backs wazero linear memories with capability-checked
// regions, so guest memory counts against an owner's budget like any other
// allocation.
//
//	a, err := wasmmem.New(f, capability.Host)
//	ctx = wasmmem.WithAllocator(ctx, a)
//	mod, err := rt.InstantiateWithConfig(ctx, bin, cfg)
//
// Each memory reserves its maximum size up front, capped at what the owner
// has left, and never moves. Growing past the reservation fails the
// guest's memory.grow instead of reallocating.
package wasmmem

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
	"github.com/wippyai/capmem/factory"
)

// Allocator implements experimental.MemoryAllocator on top of a factory.
type Allocator struct {
	f     *factory.Factory
	live  atomic.Int32
	owner capability.OwnerID
}

var _ experimental.MemoryAllocator = (*Allocator)(nil)

// New returns an allocator charging owner. Guest code writes memory
// directly, so only Dynamic capabilities qualify.
func New(f *factory.Factory, owner capability.OwnerID) (*Allocator, error) {
	if f == nil {
		return nil, errors.InvalidInput(errors.PhaseAcquire, "nil factory")
	}
	c, ok := f.Registry().Lookup(owner)
	if !ok {
		return nil, errors.CapabilityDenied(errors.PhaseAcquire, owner.String(), "no capability registered")
	}
	if c.Kind != capability.Dynamic {
		return nil, errors.CapabilityDenied(errors.PhaseAcquire, owner.String(),
			c.Kind.String()+" capability cannot back guest memory")
	}
	return &Allocator{f: f, owner: owner}, nil
}

// WithAllocator registers a on ctx for module instantiation.
func WithAllocator(ctx context.Context, a *Allocator) context.Context {
	return experimental.WithMemoryAllocator(ctx, a)
}

// Owner returns the owner charged for memories.
func (a *Allocator) Owner() capability.OwnerID {
	return a.owner
}

// Live returns the number of memories not yet freed.
func (a *Allocator) Live() int {
	return int(a.live.Load())
}

// Allocate reserves min(limit, remaining budget) bytes. The interface has no
// error return, so a refused acquisition panics with the factory error, and
// a budget below the initial capacity panics with BudgetExhausted.
func (a *Allocator) Allocate(capacity, limit uint64) experimental.LinearMemory {
	if limit == 0 {
		return &linearMemory{a: a, buf: []byte{}}
	}
	size := a.f.BudgetRemaining(a.owner)
	if size == 0 || size > limit {
		size = limit
	}
	if want := min(capacity, limit); size < want {
		panic(errors.New(errors.PhaseAcquire, errors.KindBudgetExhausted).
			Owner(a.owner).
			Value(want).
			Detail("initial capacity %d above remaining budget %d", want, size).
			Build())
	}
	h, err := a.f.Acquire(a.owner, size)
	if err != nil {
		panic(err)
	}
	a.live.Add(1)
	return &linearMemory{a: a, h: h, buf: h.Provider().Raw()}
}

type linearMemory struct {
	a   *Allocator
	h   *factory.Handle
	buf []byte
}

func (m *linearMemory) Reallocate(size uint64) []byte {
	if m.buf == nil || size > uint64(len(m.buf)) {
		return nil
	}
	return m.buf[:size:len(m.buf)]
}

func (m *linearMemory) Free() {
	if m.buf == nil {
		return
	}
	m.buf = nil
	if m.h == nil {
		return
	}
	m.a.live.Add(-1)
	if err := m.h.Release(); err != nil {
		factory.Logger().Warn("release guest memory",
			zap.Stringer("owner", m.a.owner),
			zap.Error(err))
	}
}

package platform

import (
	"sort"
	"strconv"
	"sync"

	"github.com/wippyai/capmem/errors"
)

// Alignment of regions handed out by StaticPool.
const Alignment = 8

type extent struct {
	off, size int
}

// StaticPool carves regions out of one fixed array, the way a target
// without an operating system embeds its memory statically. Allocation is
// first-fit over a sorted free list; frees coalesce with their neighbours.
type StaticPool struct {
	mu   sync.Mutex
	mem  []byte
	free []extent // sorted by offset, never adjacent
	live map[*byte]extent
	used int
}

// NewStaticPool creates a pool over a new array of capacity bytes.
func NewStaticPool(capacity int) *StaticPool {
	return NewStaticPoolFrom(make([]byte, capacity))
}

// NewStaticPoolFrom creates a pool over an existing array, typically a
// package-level variable.
func NewStaticPoolFrom(mem []byte) *StaticPool {
	p := &StaticPool{
		mem:  mem,
		live: make(map[*byte]extent),
	}
	if len(mem) > 0 {
		p.free = []extent{{off: 0, size: len(mem)}}
	}
	return p
}

func alignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Allocate carves a zeroed region of size bytes.
func (p *StaticPool) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.InvalidInput(errors.PhasePlatform, "region size must be positive")
	}
	need := alignUp(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.free {
		if e.size < need {
			continue
		}
		if e.size == need {
			p.free = append(p.free[:i], p.free[i+1:]...)
		} else {
			p.free[i] = extent{off: e.off + need, size: e.size - need}
		}
		region := p.mem[e.off : e.off+size : e.off+size]
		clear(region)
		p.live[&region[0]] = extent{off: e.off, size: need}
		p.used += need
		return region, nil
	}
	return nil, errors.New(errors.PhasePlatform, errors.KindBudgetExhausted).
		Detail("static pool: no free extent of %d bytes (%d of %d used)", need, p.used, len(p.mem)).
		Build()
}

// Free returns a region to the pool.
func (p *StaticPool) Free(region []byte) error {
	if len(region) == 0 {
		return errors.InvalidInput(errors.PhasePlatform, "free of empty region")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := &region[0]
	e, ok := p.live[key]
	if !ok {
		return errors.InvalidInput(errors.PhasePlatform, "region not owned by static pool")
	}
	delete(p.live, key)
	p.used -= e.size
	p.insertFree(e)
	return nil
}

func (p *StaticPool) insertFree(e extent) {
	i := sort.Search(len(p.free), func(i int) bool { return p.free[i].off > e.off })
	p.free = append(p.free, extent{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = e

	// merge with the right neighbour, then the left
	if i+1 < len(p.free) && p.free[i].off+p.free[i].size == p.free[i+1].off {
		p.free[i].size += p.free[i+1].size
		p.free = append(p.free[:i+1], p.free[i+2:]...)
	}
	if i > 0 && p.free[i-1].off+p.free[i-1].size == p.free[i].off {
		p.free[i-1].size += p.free[i].size
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
}

// Name implements Backend.
func (p *StaticPool) Name() string {
	return "static(" + strconv.Itoa(len(p.mem)) + ")"
}

// Capacity returns the size of the backing array.
func (p *StaticPool) Capacity() int {
	return len(p.mem)
}

// Used returns the bytes handed out, including alignment padding.
func (p *StaticPool) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Largest returns the size of the largest free extent.
func (p *StaticPool) Largest() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.free {
		if e.size > n {
			n = e.size
		}
	}
	return n
}

package platform

import (
	"sync/atomic"

	"github.com/wippyai/capmem/errors"
)

// Backend supplies raw fixed-size byte regions. The factory calls Allocate
// exactly once per provider construction and Free exactly once per
// destruction; regions are never resized.
type Backend interface {
	// Allocate returns a zeroed region of exactly size bytes.
	Allocate(size int) ([]byte, error)

	// Free returns a region obtained from Allocate.
	Free(region []byte) error

	// Name identifies the backend in logs and reports.
	Name() string
}

// Heap allocates regions as Go slices. It is the hosted default.
type Heap struct {
	live  atomic.Int64
	bytes atomic.Int64
}

// NewHeap creates a heap backend.
func NewHeap() *Heap {
	return &Heap{}
}

// Allocate returns a new zeroed slice of size bytes.
func (h *Heap) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.InvalidInput(errors.PhasePlatform, "region size must be positive")
	}
	h.live.Add(1)
	h.bytes.Add(int64(size))
	return make([]byte, size), nil
}

// Free drops the region; the garbage collector reclaims it.
func (h *Heap) Free(region []byte) error {
	if region == nil {
		return errors.InvalidInput(errors.PhasePlatform, "free of nil region")
	}
	h.live.Add(-1)
	h.bytes.Add(-int64(len(region)))
	return nil
}

// Name implements Backend.
func (h *Heap) Name() string { return "heap" }

// Live returns the number of outstanding regions.
func (h *Heap) Live() int { return int(h.live.Load()) }

// Bytes returns the total size of outstanding regions.
func (h *Heap) Bytes() int { return int(h.bytes.Load()) }

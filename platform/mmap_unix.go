//go:build unix

package platform

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/wippyai/capmem/errors"
)

// Mmap backs each region with its own anonymous private mapping, the hosted
// page-allocator case. Regions are released to the OS on Free.
type Mmap struct {
	live atomic.Int64
}

// NewMmap creates an mmap backend.
func NewMmap() *Mmap {
	return &Mmap{}
}

// Allocate maps size bytes of zeroed, readable and writable memory.
func (m *Mmap) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.InvalidInput(errors.PhasePlatform, "region size must be positive")
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(errors.PhasePlatform, errors.KindBudgetExhausted, err, "mmap region")
	}
	m.live.Add(1)
	return b, nil
}

// Free unmaps a region returned by Allocate. The slice must be the one
// Allocate returned, not a reslice of it.
func (m *Mmap) Free(region []byte) error {
	if len(region) == 0 {
		return errors.InvalidInput(errors.PhasePlatform, "free of empty region")
	}
	if err := unix.Munmap(region); err != nil {
		return errors.Wrap(errors.PhasePlatform, errors.KindInvalidInput, err, "munmap region")
	}
	m.live.Add(-1)
	return nil
}

// Name implements Backend.
func (m *Mmap) Name() string { return "mmap" }

// Live returns the number of outstanding mappings.
func (m *Mmap) Live() int { return int(m.live.Load()) }

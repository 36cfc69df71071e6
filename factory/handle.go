package factory

import (
	"runtime"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/capmem/budget"
	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
	"github.com/wippyai/capmem/memory"
)

// state is the release bookkeeping of one allocation. It is kept apart
// from Handle so the cleanup backstop can run once the Handle itself is
// unreachable.
type state struct {
	factory  *Factory
	provider *memory.Provider
	res      budget.Reservation
	released atomic.Bool
	id       HandleID
	owner    capability.OwnerID
	kind     capability.Kind
}

func (s *state) release() error {
	if !s.released.CompareAndSwap(false, true) {
		err := errors.DoubleRelease(s.owner.String(), uint32(s.id))
		s.factory.notify(Event{
			Type:   EventDoubleRelease,
			Owner:  s.owner,
			Kind:   s.kind,
			Handle: s.id,
			Size:   s.res.Size(),
			Err:    err,
		})
		return err
	}

	f := s.factory
	region := s.provider.Detach()
	err := f.backend.Free(region)
	err = multierr.Append(err, f.hierarchy.Release(s.res))
	f.table.remove(s)

	f.notify(Event{
		Type:   EventReleased,
		Owner:  s.owner,
		Kind:   s.kind,
		Handle: s.id,
		Size:   s.res.Size(),
		Err:    err,
	})
	if errors.IsFatal(err) {
		f.violation(s.owner, err)
	}
	return err
}

func (s *state) leaked() {
	if s.released.Load() {
		return
	}
	s.factory.log.Warn("releasing unreachable handle",
		zap.Stringer("owner", s.owner),
		zap.Uint32("handle", uint32(s.id)),
		zap.Uint64("size", s.res.Size()))
	_ = s.release()
}

// Handle is the scoped owner of one provider and its budget reservation.
//
// Release returns the budget and frees the region; a second Release is
// rejected with a DoubleRelease error and changes nothing. Handles that
// become unreachable without Release are released by a cleanup, but
// callers should not rely on it: use Release, Close or Factory.With.
type Handle struct {
	s       *state
	cleanup runtime.Cleanup
}

// ID returns the handle's identifier within its factory.
func (h *Handle) ID() HandleID {
	return h.s.id
}

// Owner returns the owner the allocation was charged to.
func (h *Handle) Owner() capability.OwnerID {
	return h.s.owner
}

// Kind returns the capability kind the allocation was made under.
func (h *Handle) Kind() capability.Kind {
	return h.s.kind
}

// Size returns the reserved size in bytes.
func (h *Handle) Size() uint64 {
	return h.s.res.Size()
}

// Reservation returns the budget path charged for the allocation.
func (h *Handle) Reservation() budget.Reservation {
	return h.s.res
}

// Provider returns the handle's memory. It must not outlive the handle.
func (h *Handle) Provider() *memory.Provider {
	return h.s.provider
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	return h.s.released.Load()
}

// Release restores the reserved budget and frees the region.
func (h *Handle) Release() error {
	err := h.s.release()
	if !isDoubleRelease(err) {
		h.cleanup.Stop()
	}
	return err
}

// Fail reports err, raised by code laid out over the handle's provider,
// and returns it. A fatal err revokes the handle's owner.
func (h *Handle) Fail(err error) error {
	if errors.IsFatal(err) {
		h.s.factory.violation(h.s.owner, err)
	}
	return err
}

// Close implements io.Closer.
func (h *Handle) Close() error {
	return h.Release()
}

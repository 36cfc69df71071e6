package capability

import (
	"sync/atomic"

	"github.com/wippyai/capmem/errors"
)

// Registry maps owner identities to their granted capability.
//
// Slots are written at most once with compare-and-swap and read with a
// single atomic load; no lock is taken on any path.
type Registry struct {
	slots   [MaxOwners]atomic.Pointer[Capability]
	revoked [MaxOwners]atomic.Bool
	sealed  atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register grants cap to owner. Capabilities are immutable once set:
// a second registration is rejected, never overwritten.
func (r *Registry) Register(owner OwnerID, c Capability) error {
	if !owner.Valid() {
		return errors.InvalidInput(errors.PhaseRegister, "owner id out of range: "+owner.String())
	}
	if !c.Kind.Valid() {
		return errors.InvalidInput(errors.PhaseRegister, "invalid capability kind: "+c.Kind.String())
	}
	if c.MaxSize == 0 {
		return errors.InvalidInput(errors.PhaseRegister, "capability max size must be positive")
	}
	if r.revoked[owner].Load() {
		return errors.CapabilityDenied(errors.PhaseRegister, owner.String(), "owner revoked")
	}
	if r.sealed.Load() {
		return errors.CapabilityDenied(errors.PhaseRegister, owner.String(), "registry sealed")
	}
	if !c.Level.Allows(c.Kind) {
		return errors.CapabilityDenied(errors.PhaseRegister, owner.String(),
			c.Level.String()+" forbids "+c.Kind.String()+" capabilities")
	}

	stored := c
	if !r.slots[owner].CompareAndSwap(nil, &stored) {
		return errors.AlreadyRegistered(owner.String())
	}
	return nil
}

// Lookup returns the capability granted to owner. Revoked and unregistered
// owners report false.
func (r *Registry) Lookup(owner OwnerID) (Capability, bool) {
	if !owner.Valid() || r.revoked[owner].Load() {
		return Capability{}, false
	}
	c := r.slots[owner].Load()
	if c == nil {
		return Capability{}, false
	}
	return *c, true
}

// Registered reports whether owner ever received a capability, including
// owners that were revoked since.
func (r *Registry) Registered(owner OwnerID) bool {
	return owner.Valid() && r.slots[owner].Load() != nil
}

// Revoke permanently withdraws the owner's capability. It is the fail-fast
// response to an integrity or invariant violation and cannot be undone.
// Returns true only for the call that performed the revocation.
func (r *Registry) Revoke(owner OwnerID) bool {
	if !owner.Valid() {
		return false
	}
	return r.revoked[owner].CompareAndSwap(false, true)
}

// Revoked reports whether owner has been revoked.
func (r *Registry) Revoked(owner OwnerID) bool {
	return owner.Valid() && r.revoked[owner].Load()
}

// Seal ends the initialization phase. Later registrations are denied.
func (r *Registry) Seal() {
	r.sealed.Store(true)
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Entry describes one registry slot for iteration.
type Entry struct {
	Owner      OwnerID
	Capability Capability
	Revoked    bool
}

// Each calls fn for every registered owner in ascending owner order,
// including revoked ones. Iteration stops when fn returns false.
func (r *Registry) Each(fn func(Entry) bool) {
	for i := range r.slots {
		c := r.slots[i].Load()
		if c == nil {
			continue
		}
		e := Entry{
			Owner:      OwnerID(i),
			Capability: *c,
			Revoked:    r.revoked[i].Load(),
		}
		if !fn(e) {
			return
		}
	}
}

// Len returns the number of registered owners.
func (r *Registry) Len() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].Load() != nil {
			n++
		}
	}
	return n
}

package factory

import (
	stderrors "errors"
	"math"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/capmem/budget"
	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
	"github.com/wippyai/capmem/memory"
	"github.com/wippyai/capmem/platform"
)

// DefaultMaxHandles bounds live handles when Config.MaxHandles is zero.
const DefaultMaxHandles = 4096

// Config holds factory settings. A nil *Config selects the defaults.
type Config struct {
	// Backend supplies raw regions. Defaults to platform.NewHeap().
	Backend platform.Backend

	// Logger overrides the package logger.
	Logger *zap.Logger

	// Observers receive every lifecycle event.
	Observers []Observer

	// MaxHandles bounds live handles. Negative means unbounded.
	MaxHandles int

	// DefaultParent is the budget node RegisterOwner attaches owners to.
	DefaultParent budget.NodeID
}

// Factory is the single entry point for capability-checked allocation.
type Factory struct {
	registry  *capability.Registry
	hierarchy *budget.Hierarchy
	backend   platform.Backend
	log       *zap.Logger
	table     *table
	observers []Observer
	obsMu     sync.RWMutex
	nodes     [capability.MaxOwners]atomic.Uint32 // owner -> NodeID+1
	parent    budget.NodeID
	closed    atomic.Bool
}

// New creates a factory over registry and hierarchy.
func New(registry *capability.Registry, hierarchy *budget.Hierarchy, cfg *Config) *Factory {
	if cfg == nil {
		cfg = &Config{}
	}
	f := &Factory{
		registry:  registry,
		hierarchy: hierarchy,
		backend:   cfg.Backend,
		log:       cfg.Logger,
		parent:    cfg.DefaultParent,
		observers: append([]Observer(nil), cfg.Observers...),
	}
	if f.backend == nil {
		f.backend = platform.NewHeap()
	}
	if f.log == nil {
		f.log = Logger()
	}
	limit := cfg.MaxHandles
	switch {
	case limit == 0:
		limit = DefaultMaxHandles
	case limit < 0:
		limit = 0
	}
	f.table = newTable(limit)
	return f
}

// Registry returns the capability registry.
func (f *Factory) Registry() *capability.Registry {
	return f.registry
}

// Hierarchy returns the budget hierarchy.
func (f *Factory) Hierarchy() *budget.Hierarchy {
	return f.hierarchy
}

// Backend returns the region backend.
func (f *Factory) Backend() platform.Backend {
	return f.backend
}

// Subscribe adds an observer for lifecycle events.
func (f *Factory) Subscribe(o Observer) {
	f.obsMu.Lock()
	defer f.obsMu.Unlock()
	f.observers = append(f.observers, o)
}

func (f *Factory) notify(e Event) {
	f.obsMu.RLock()
	defer f.obsMu.RUnlock()
	for _, o := range f.observers {
		o.OnAllocEvent(e)
	}
}

// RegisterOwner grants owner a capability of kind and maxSize and attaches
// its budget node to the default parent.
func (f *Factory) RegisterOwner(owner capability.OwnerID, kind capability.Kind, maxSize uint64) error {
	return f.RegisterOwnerUnder(owner, capability.Capability{Kind: kind, MaxSize: maxSize}, f.parent)
}

// RegisterOwnerUnder registers c for owner and creates the owner's budget
// node under parent with a grant of c.MaxSize.
//
// Registration belongs to the initialization phase and must not race with
// Seal or Revoke for the same owner. If one lands between node creation and
// registration, the owner is left with an unused node; since a sealed
// registry or a revoked owner refuses registration anyway, the node only
// ever shows zero consumption.
func (f *Factory) RegisterOwnerUnder(owner capability.OwnerID, c capability.Capability, parent budget.NodeID) error {
	if err := f.precheck(owner, c); err != nil {
		return err
	}
	// the node is created first: AddOwner rejects a second node for the same
	// owner, so concurrent registrations of one owner cannot both pass.
	id, err := f.hierarchy.AddOwner(owner, parent, c.MaxSize)
	if err != nil {
		return err
	}
	if err := f.registry.Register(owner, c); err != nil {
		return err
	}
	f.nodes[owner].Store(uint32(id) + 1)
	f.log.Debug("owner registered",
		zap.Stringer("owner", owner),
		zap.Stringer("capability", c),
		zap.Uint16("node", uint16(id)))
	return nil
}

// precheck repeats the registry's validation so a doomed registration does
// not leave an orphan budget node behind.
func (f *Factory) precheck(owner capability.OwnerID, c capability.Capability) error {
	switch {
	case !owner.Valid():
		return errors.InvalidInput(errors.PhaseRegister, "owner out of range")
	case !c.Kind.Valid():
		return errors.InvalidInput(errors.PhaseRegister, "unknown capability kind")
	case c.MaxSize == 0:
		return errors.InvalidInput(errors.PhaseRegister, "capability max size must be positive")
	case f.registry.Revoked(owner):
		return errors.CapabilityDenied(errors.PhaseRegister, owner.String(), "owner revoked")
	case f.registry.Registered(owner):
		return errors.AlreadyRegistered(owner.String())
	case f.registry.Sealed():
		return errors.CapabilityDenied(errors.PhaseRegister, owner.String(), "registry sealed")
	case !c.Level.Allows(c.Kind):
		return errors.CapabilityDenied(errors.PhaseRegister, owner.String(),
			c.Kind.String()+" capability not allowed at "+c.Level.String())
	}
	return nil
}

func (f *Factory) ownerNode(owner capability.OwnerID) (budget.NodeID, bool) {
	if !owner.Valid() {
		return budget.None, false
	}
	if v := f.nodes[owner].Load(); v != 0 {
		return budget.NodeID(v - 1), true
	}
	// owners registered on the registry directly, outside this factory
	id, ok := f.hierarchy.OwnerNode(owner)
	if ok {
		f.nodes[owner].Store(uint32(id) + 1)
	}
	return id, ok
}

// Acquire checks owner's capability, reserves size bytes along the owner's
// budget path and returns a handle to a fresh provider of exactly size
// bytes.
//
// Failures: CapabilityDenied for unknown or revoked owners, SizeMismatch
// for a Static capability asked for anything but its exact size,
// CapacityExceeded when the request is above the owner's remaining
// allowance, BudgetExhausted when an ancestor budget is short. A failed
// call leaves every budget counter as it was.
func (f *Factory) Acquire(owner capability.OwnerID, size uint64) (*Handle, error) {
	h, err := f.acquire(owner, size)
	if err != nil {
		f.deny(owner, size, err)
		return nil, err
	}
	return h, nil
}

func (f *Factory) acquire(owner capability.OwnerID, size uint64) (*Handle, error) {
	if f.closed.Load() {
		return nil, errors.Released(errors.PhaseAcquire, "factory")
	}
	c, ok := f.registry.Lookup(owner)
	if !ok {
		reason := "no capability registered"
		if f.registry.Revoked(owner) {
			reason = "owner revoked"
		}
		return nil, errors.CapabilityDenied(errors.PhaseAcquire, owner.String(), reason)
	}
	node, ok := f.ownerNode(owner)
	if !ok {
		return nil, errors.CapabilityDenied(errors.PhaseAcquire, owner.String(), "no budget node")
	}
	if size == 0 {
		return nil, errors.InvalidInput(errors.PhaseAcquire, "zero-sized allocation")
	}
	if size > math.MaxInt {
		return nil, errors.InvalidInput(errors.PhaseAcquire, "allocation size overflows int")
	}

	consumed := f.hierarchy.Consumed(node)
	var avail uint64
	if consumed < c.MaxSize {
		avail = c.MaxSize - consumed
	}
	switch c.Kind {
	case capability.Static:
		if size != c.MaxSize {
			return nil, errors.SizeMismatch(owner.String(), size, c.MaxSize)
		}
		if consumed != 0 {
			return nil, errors.CapacityExceeded(errors.PhaseAcquire, owner.String(), size, 0)
		}
	case capability.Dynamic, capability.Verified:
		if size > avail {
			return nil, errors.CapacityExceeded(errors.PhaseAcquire, owner.String(), size, avail)
		}
	default:
		return nil, errors.InvariantViolation(errors.PhaseAcquire, "unknown capability kind "+c.Kind.String())
	}

	res, err := f.hierarchy.Reserve(node, size)
	if err != nil {
		return nil, f.reserveFailed(owner, node, size, err)
	}

	region, err := f.backend.Allocate(int(size))
	if err != nil {
		return nil, multierr.Append(
			errors.Wrap(errors.PhaseAcquire, kindOr(err, errors.KindBudgetExhausted), err,
				"backend "+f.backend.Name()+" refused region"),
			f.hierarchy.Release(res))
	}

	s := &state{
		factory: f,
		res:     res,
		owner:   owner,
		kind:    c.Kind,
	}
	s.provider = memory.New(region, &memory.Config{
		Verified:    c.Checksummed(),
		OnViolation: func(err error) { f.violation(owner, err) },
	})
	if _, ok := f.table.insert(s); !ok {
		s.released.Store(true)
		err := errors.New(errors.PhaseAcquire, errors.KindCapacityExceeded).
			Owner(owner).
			Detail("handle table full (%d live)", f.table.len()).
			Build()
		return nil, multierr.Combine(err, f.backend.Free(s.provider.Detach()), f.hierarchy.Release(res))
	}

	h := &Handle{s: s}
	h.cleanup = runtime.AddCleanup(h, func(s *state) { s.leaked() }, s)

	f.notify(Event{
		Type:   EventAcquired,
		Owner:  owner,
		Kind:   c.Kind,
		Handle: s.id,
		Size:   size,
	})
	return h, nil
}

// reserveFailed maps a hierarchy refusal onto the allocation taxonomy. The
// owner's own node is granted exactly the capability size, so a refusal
// there means a concurrent acquisition took the allowance.
func (f *Factory) reserveFailed(owner capability.OwnerID, node budget.NodeID, size uint64, err error) error {
	if errors.IsFatal(err) {
		f.violation(owner, err)
		return err
	}
	var be *errors.Error
	if asError(err, &be) && be.Kind == errors.KindBudgetExhausted {
		if id, ok := be.Value.(budget.NodeID); ok && id == node {
			return errors.New(errors.PhaseAcquire, errors.KindCapacityExceeded).
				Owner(owner).
				Value(size).
				Cause(err).
				Detail("requested %d, available %d", size, f.hierarchy.Remaining(node)).
				Build()
		}
		be.Owner = owner.String()
	}
	return err
}

func (f *Factory) deny(owner capability.OwnerID, size uint64, err error) {
	f.log.Debug("allocation denied",
		zap.Stringer("owner", owner),
		zap.Uint64("size", size),
		zap.Error(err))
	f.notify(Event{
		Type:  EventDenied,
		Owner: owner,
		Size:  size,
		Err:   err,
	})
}

// violation handles a fatal error raised on behalf of owner.
func (f *Factory) violation(owner capability.OwnerID, err error) {
	f.log.Error("integrity violation",
		zap.Stringer("owner", owner),
		zap.Error(err))
	f.notify(Event{
		Type:  EventViolation,
		Owner: owner,
		Err:   err,
	})
	f.Revoke(owner, err)
}

// Revoke permanently withdraws owner's capability. Outstanding handles stay
// valid and can still be released; every later Acquire by owner fails with
// CapabilityDenied. It reports whether this call revoked the owner.
func (f *Factory) Revoke(owner capability.OwnerID, cause error) bool {
	if !f.registry.Revoke(owner) {
		return false
	}
	f.log.Error("capability revoked",
		zap.Stringer("owner", owner),
		zap.Error(cause))
	f.notify(Event{
		Type:  EventRevoked,
		Owner: owner,
		Err:   cause,
	})
	return true
}

// With acquires size bytes for owner, runs fn and releases the handle on
// every exit path, including a panic in fn.
func (f *Factory) With(owner capability.OwnerID, size uint64, fn func(*memory.Provider) error) (err error) {
	h, err := f.Acquire(owner, size)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, h.Release())
	}()
	return fn(h.Provider())
}

// BudgetRemaining returns the largest allocation owner could currently
// make: the smaller of its capability allowance and every budget on its
// path to the root. A Static owner reports its full size or nothing.
// Unknown and revoked owners have none.
func (f *Factory) BudgetRemaining(owner capability.OwnerID) uint64 {
	c, ok := f.registry.Lookup(owner)
	if !ok {
		return 0
	}
	node, ok := f.ownerNode(owner)
	if !ok {
		return 0
	}
	consumed := f.hierarchy.Consumed(node)
	if consumed >= c.MaxSize {
		return 0
	}
	path := f.hierarchy.PathRemaining(node)
	if c.Kind == capability.Static {
		// the region is all or nothing
		if consumed != 0 || path < c.MaxSize {
			return 0
		}
		return c.MaxSize
	}
	return min(c.MaxSize-consumed, path)
}

// HandleInfo describes one live allocation.
type HandleInfo struct {
	Size     uint64
	ID       HandleID
	Owner    capability.OwnerID
	Kind     capability.Kind
	Verified bool
}

// Outstanding returns the number of live handles.
func (f *Factory) Outstanding() int {
	return f.table.len()
}

// Handles calls fn for every live handle in handle order until fn returns
// false.
func (f *Factory) Handles(fn func(HandleInfo) bool) {
	for _, s := range f.table.snapshot() {
		info := HandleInfo{
			ID:       s.id,
			Owner:    s.owner,
			Kind:     s.kind,
			Size:     s.res.Size(),
			Verified: s.provider.Verified(),
		}
		if !fn(info) {
			return
		}
	}
}

// ReleaseHandle releases a live handle by ID. Unknown IDs fail with
// NotFound. Providers are owned by one goroutine: the caller must make sure
// the handle's owner has stopped using it first.
func (f *Factory) ReleaseHandle(id HandleID) error {
	s, ok := f.table.get(id)
	if !ok {
		return errors.NotFound(errors.PhaseRelease, "handle", handleName(id))
	}
	return s.release()
}

// Close stops new acquisitions and releases every live handle. Like
// ReleaseHandle, it must only run once every owner has stopped using its
// providers.
func (f *Factory) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	for _, s := range f.table.snapshot() {
		if rerr := s.release(); rerr != nil && !isDoubleRelease(rerr) {
			err = multierr.Append(err, rerr)
		}
	}
	return err
}

func asError(err error, target **errors.Error) bool {
	return stderrors.As(err, target)
}

func kindOr(err error, def errors.Kind) errors.Kind {
	if k, ok := errors.KindOf(err); ok {
		return k
	}
	return def
}

func isDoubleRelease(err error) bool {
	return stderrors.Is(err, errors.ErrDoubleRelease)
}

func handleName(id HandleID) string {
	return strconv.FormatUint(uint64(id), 10)
}

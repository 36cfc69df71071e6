package factory

import (
	stderrors "errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/capmem/budget"
	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
	"github.com/wippyai/capmem/memory"
	"github.com/wippyai/capmem/platform"
)

type recorder struct {
	events []Event
	mu     sync.Mutex
}

func (r *recorder) OnAllocEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newFactory(t *testing.T, global uint64, cfg *Config) *Factory {
	t.Helper()
	f := New(capability.NewRegistry(), budget.NewHierarchy(global), cfg)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func ownerNode(t *testing.T, f *Factory, owner capability.OwnerID) budget.NodeID {
	t.Helper()
	id, ok := f.Hierarchy().OwnerNode(owner)
	if !ok {
		t.Fatalf("no budget node for %s", owner)
	}
	return id
}

func TestFactory_SharedParentScenario(t *testing.T) {
	f := newFactory(t, 1<<20, nil)
	a, b := capability.Decoder, capability.Component

	parent, err := f.Hierarchy().AddNode("runtime", budget.Root, 8192)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterOwnerUnder(a, capability.NewDynamic(4096), parent); err != nil {
		t.Fatal(err)
	}

	ha, err := f.Acquire(a, 4096)
	if err != nil {
		t.Fatalf("Acquire(A, 4096): %v", err)
	}
	defer ha.Release()

	if got := f.BudgetRemaining(a); got != 0 {
		t.Errorf("BudgetRemaining(A) = %d, want 0", got)
	}
	if _, err := f.Acquire(a, 1); !stderrors.Is(err, errors.ErrCapacityExceeded) {
		t.Fatalf("Acquire(A, 1): expected CapacityExceeded, got %v", err)
	}

	if err := f.RegisterOwnerUnder(b, capability.NewDynamic(8192), parent); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Acquire(b, 4097); !stderrors.Is(err, errors.ErrBudgetExhausted) {
		t.Fatalf("Acquire(B, 4097): expected BudgetExhausted, got %v", err)
	}

	if got := f.Hierarchy().Consumed(ownerNode(t, f, a)); got != 4096 {
		t.Errorf("A consumed = %d, want 4096", got)
	}
	if got := f.Hierarchy().Consumed(ownerNode(t, f, b)); got != 0 {
		t.Errorf("B consumed = %d, want 0", got)
	}
	if got := f.Hierarchy().Consumed(parent); got != 4096 {
		t.Errorf("parent consumed = %d, want 4096", got)
	}
	if got := f.BudgetRemaining(b); got != 4096 {
		t.Errorf("BudgetRemaining(B) = %d, want 4096", got)
	}
}

func TestFactory_StaticExactness(t *testing.T) {
	f := newFactory(t, 1<<20, nil)
	owner := capability.Foundation
	if err := f.RegisterOwner(owner, capability.Static, 4096); err != nil {
		t.Fatal(err)
	}

	for _, size := range []uint64{4095, 4097} {
		if _, err := f.Acquire(owner, size); !stderrors.Is(err, errors.ErrSizeMismatch) {
			t.Errorf("Acquire(%d): expected SizeMismatch, got %v", size, err)
		}
	}

	h, err := f.Acquire(owner, 4096)
	if err != nil {
		t.Fatalf("Acquire(4096): %v", err)
	}
	if h.Provider().Capacity() != 4096 {
		t.Errorf("provider capacity = %d", h.Provider().Capacity())
	}
	if f.BudgetRemaining(owner) != 0 {
		t.Error("static owner should have nothing left while its region is live")
	}
	if _, err := f.Acquire(owner, 4096); !stderrors.Is(err, errors.ErrCapacityExceeded) {
		t.Fatalf("second static acquire: expected CapacityExceeded, got %v", err)
	}

	if err := h.Release(); err != nil {
		t.Fatal(err)
	}
	if f.BudgetRemaining(owner) != 4096 {
		t.Error("release should restore the static region")
	}
	h2, err := f.Acquire(owner, 4096)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	_ = h2.Release()
}

func TestFactory_StaticRemainingIsAllOrNothing(t *testing.T) {
	f := newFactory(t, 6288, nil)
	if err := f.RegisterOwner(capability.Decoder, capability.Dynamic, 4096); err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterOwner(capability.Foundation, capability.Static, 4096); err != nil {
		t.Fatal(err)
	}
	if got := f.BudgetRemaining(capability.Foundation); got != 4096 {
		t.Fatalf("remaining before = %d, want 4096", got)
	}

	h, err := f.Acquire(capability.Decoder, 4096)
	if err != nil {
		t.Fatal(err)
	}
	// 2192 bytes are left at the root, less than the static region
	if got := f.BudgetRemaining(capability.Foundation); got != 0 {
		t.Errorf("remaining with short parent = %d, want 0", got)
	}
	if _, err := f.Acquire(capability.Foundation, 4096); !stderrors.Is(err, errors.ErrBudgetExhausted) {
		t.Errorf("expected BudgetExhausted, got %v", err)
	}

	if err := h.Release(); err != nil {
		t.Fatal(err)
	}
	if got := f.BudgetRemaining(capability.Foundation); got != 4096 {
		t.Errorf("remaining after release = %d, want 4096", got)
	}
}

func TestFactory_ReleaseIdempotence(t *testing.T) {
	rec := &recorder{}
	f := newFactory(t, 1<<20, &Config{Observers: []Observer{rec}})
	owner := capability.Runtime
	if err := f.RegisterOwner(owner, capability.Dynamic, 8192); err != nil {
		t.Fatal(err)
	}
	node := ownerNode(t, f, owner)

	keep, err := f.Acquire(owner, 100)
	if err != nil {
		t.Fatal(err)
	}
	defer keep.Release()

	h, err := f.Acquire(owner, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Hierarchy().Consumed(node); got != 1100 {
		t.Fatalf("consumed = %d, want 1100", got)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if got := f.Hierarchy().Consumed(node); got != 100 {
		t.Fatalf("consumed after release = %d, want 100", got)
	}
	rootBefore := f.Hierarchy().Consumed(budget.Root)

	err = h.Close()
	if !stderrors.Is(err, errors.ErrDoubleRelease) {
		t.Fatalf("second release: expected DoubleRelease, got %v", err)
	}
	if got := f.Hierarchy().Consumed(node); got != 100 {
		t.Errorf("double release changed owner counter: %d", got)
	}
	if got := f.Hierarchy().Consumed(budget.Root); got != rootBefore {
		t.Errorf("double release changed root counter: %d", got)
	}
	if !h.Released() {
		t.Error("Released() should be true")
	}
	if _, err := h.Provider().ReadU8(0); !stderrors.Is(err, errors.ErrReleased) {
		t.Errorf("provider access after release: %v", err)
	}
	if rec.count(EventDoubleRelease) != 1 || rec.count(EventReleased) != 1 {
		t.Errorf("events: %+v", rec.events)
	}
}

func TestFactory_VerifiedCorruptionRevokes(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	rec := &recorder{}
	f := newFactory(t, 1<<20, &Config{
		Logger:    zap.New(core),
		Observers: []Observer{rec},
	})
	owner := capability.Instructions
	if err := f.RegisterOwner(owner, capability.Verified, 1024); err != nil {
		t.Fatal(err)
	}

	h, err := f.Acquire(owner, 256)
	if err != nil {
		t.Fatal(err)
	}
	p := h.Provider()
	if !p.Verified() {
		t.Fatal("verified capability must produce a checksummed provider")
	}
	if err := p.WriteU32(0, 42); err != nil {
		t.Fatal(err)
	}

	p.Raw()[100] ^= 0xFF

	if _, err := p.ReadU32(0); !stderrors.Is(err, errors.ErrIntegrityViolation) {
		t.Fatalf("expected IntegrityViolation, got %v", err)
	}
	if !f.Registry().Revoked(owner) {
		t.Fatal("owner should be revoked after an integrity violation")
	}
	if _, err := f.Acquire(owner, 16); !stderrors.Is(err, errors.ErrCapabilityDenied) {
		t.Fatalf("acquire after revoke: expected CapabilityDenied, got %v", err)
	}
	if f.BudgetRemaining(owner) != 0 {
		t.Error("revoked owner should have no budget")
	}

	// the outstanding handle can still give its budget back
	if err := h.Release(); err != nil {
		t.Fatalf("release after revoke: %v", err)
	}
	if got := f.Hierarchy().Consumed(budget.Root); got != 0 {
		t.Errorf("root consumed = %d after release", got)
	}

	if rec.count(EventViolation) != 1 || rec.count(EventRevoked) != 1 {
		t.Errorf("events: %+v", rec.events)
	}
	if logs.FilterMessage("capability revoked").Len() != 1 {
		t.Errorf("expected one revocation log, got %v", logs.All())
	}
}

func TestFactory_Denials(t *testing.T) {
	f := newFactory(t, 1<<20, nil)
	if err := f.RegisterOwner(capability.Logging, capability.Dynamic, 512); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		owner capability.OwnerID
		size  uint64
		want  *errors.Error
	}{
		{"unregistered owner", capability.Debug, 16, errors.ErrCapabilityDenied},
		{"out of range owner", capability.OwnerID(200), 16, errors.ErrCapabilityDenied},
		{"zero size", capability.Logging, 0, errors.ErrInvalidInput},
		{"above capability", capability.Logging, 513, errors.ErrCapacityExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := f.Acquire(tt.owner, tt.size)
			if !stderrors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want.Kind, err)
			}
			if h != nil {
				t.Fatal("failed acquire must not return a handle")
			}
		})
	}
	if got := f.Hierarchy().Consumed(budget.Root); got != 0 {
		t.Errorf("denials changed root consumption: %d", got)
	}
}

func TestFactory_Registration(t *testing.T) {
	f := newFactory(t, 1<<20, nil)

	if err := f.RegisterOwner(capability.Host, capability.Dynamic, 64); err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterOwner(capability.Host, capability.Static, 128); !stderrors.Is(err, errors.ErrAlreadyRegistered) {
		t.Fatalf("re-registration: expected AlreadyRegistered, got %v", err)
	}
	c, _ := f.Registry().Lookup(capability.Host)
	if c.Kind != capability.Dynamic || c.MaxSize != 64 {
		t.Fatalf("re-registration overwrote the capability: %v", c)
	}

	nodes := f.Hierarchy().Len()
	asilD := capability.NewDynamic(64).WithLevel(capability.AsilD)
	if err := f.RegisterOwnerUnder(capability.Math, asilD, budget.Root); !stderrors.Is(err, errors.ErrCapabilityDenied) {
		t.Fatalf("dynamic at ASIL-D: expected CapabilityDenied, got %v", err)
	}
	if f.Hierarchy().Len() != nodes {
		t.Error("rejected registration left a budget node behind")
	}

	f.Revoke(capability.Sync, nil)
	if err := f.RegisterOwner(capability.Sync, capability.Dynamic, 64); !stderrors.Is(err, errors.ErrCapabilityDenied) {
		t.Fatalf("registration after revoke: expected CapabilityDenied, got %v", err)
	}

	if err := f.RegisterOwnerUnder(capability.Error, capability.NewDynamic(64), budget.NodeID(99)); !stderrors.Is(err, errors.ErrNotFound) {
		t.Fatalf("unknown parent: expected NotFound, got %v", err)
	}

	f.Registry().Seal()
	if err := f.RegisterOwner(capability.WASI, capability.Dynamic, 64); !stderrors.Is(err, errors.ErrCapabilityDenied) {
		t.Fatalf("registration after seal: expected CapabilityDenied, got %v", err)
	}
}

func TestFactory_Revoke(t *testing.T) {
	rec := &recorder{}
	f := newFactory(t, 1<<20, &Config{Observers: []Observer{rec}})
	owner := capability.Format
	if err := f.RegisterOwner(owner, capability.Dynamic, 1024); err != nil {
		t.Fatal(err)
	}
	if !f.Revoke(owner, stderrors.New("operator")) {
		t.Fatal("first Revoke should report true")
	}
	if f.Revoke(owner, nil) {
		t.Fatal("second Revoke should report false")
	}
	_, err := f.Acquire(owner, 1)
	if !stderrors.Is(err, errors.ErrCapabilityDenied) {
		t.Fatalf("expected CapabilityDenied, got %v", err)
	}
	if rec.count(EventRevoked) != 1 || rec.count(EventDenied) != 1 {
		t.Errorf("events: %+v", rec.events)
	}
}

func TestHandle_Fail(t *testing.T) {
	rec := &recorder{}
	f := newFactory(t, 1<<20, &Config{Observers: []Observer{rec}})
	owner := capability.Format
	if err := f.RegisterOwner(owner, capability.Dynamic, 1024); err != nil {
		t.Fatal(err)
	}
	h, err := f.Acquire(owner, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	plain := errors.InvalidInput(errors.PhaseCollection, "bad element")
	if got := h.Fail(plain); got != plain {
		t.Fatalf("Fail returned %v", got)
	}
	if f.Registry().Revoked(owner) {
		t.Fatal("non-fatal error revoked the owner")
	}

	fatal := errors.InvariantViolation(errors.PhaseCollection, "corrupt layout")
	if got := h.Fail(fatal); got != fatal {
		t.Fatalf("Fail returned %v", got)
	}
	if !f.Registry().Revoked(owner) {
		t.Fatal("fatal error should revoke the owner")
	}
	if rec.count(EventViolation) != 1 || rec.count(EventRevoked) != 1 {
		t.Errorf("events: %+v", rec.events)
	}
	if _, err := f.Acquire(owner, 1); !stderrors.Is(err, errors.ErrCapabilityDenied) {
		t.Fatalf("expected CapabilityDenied, got %v", err)
	}
}

func TestFactory_With(t *testing.T) {
	f := newFactory(t, 1<<20, nil)
	owner := capability.Decoder
	if err := f.RegisterOwner(owner, capability.Dynamic, 1024); err != nil {
		t.Fatal(err)
	}

	err := f.With(owner, 64, func(p *memory.Provider) error {
		if f.Outstanding() != 1 {
			t.Errorf("Outstanding inside With = %d", f.Outstanding())
		}
		return p.WriteU64(0, 1)
	})
	if err != nil {
		t.Fatal(err)
	}

	sentinel := stderrors.New("decode failed")
	if err := f.With(owner, 64, func(*memory.Provider) error { return sentinel }); !stderrors.Is(err, sentinel) {
		t.Fatalf("With should return fn's error, got %v", err)
	}

	func() {
		defer func() { _ = recover() }()
		_ = f.With(owner, 64, func(*memory.Provider) error { panic("boom") })
	}()

	if f.Outstanding() != 0 {
		t.Errorf("Outstanding after With = %d", f.Outstanding())
	}
	if got := f.Hierarchy().Consumed(budget.Root); got != 0 {
		t.Errorf("root consumed after With = %d", got)
	}
}

func TestFactory_BackendRefusalRollsBack(t *testing.T) {
	pool := platform.NewStaticPool(128)
	f := newFactory(t, 1<<20, &Config{Backend: pool})
	owner := capability.Platform
	if err := f.RegisterOwner(owner, capability.Dynamic, 4096); err != nil {
		t.Fatal(err)
	}

	h, err := f.Acquire(owner, 100)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Acquire(owner, 100); !stderrors.Is(err, errors.ErrBudgetExhausted) {
		t.Fatalf("expected BudgetExhausted from the pool, got %v", err)
	}
	if got := f.Hierarchy().Consumed(ownerNode(t, f, owner)); got != 100 {
		t.Errorf("failed backend allocation leaked budget: consumed %d", got)
	}
	if err := h.Release(); err != nil {
		t.Fatal(err)
	}
	if pool.Used() != 0 {
		t.Errorf("pool used = %d after release", pool.Used())
	}
}

func TestFactory_HandleLimit(t *testing.T) {
	f := newFactory(t, 1<<20, &Config{MaxHandles: 2})
	owner := capability.Runtime
	if err := f.RegisterOwner(owner, capability.Dynamic, 1024); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.Acquire(owner, 8); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.Acquire(owner, 8); !stderrors.Is(err, errors.ErrCapacityExceeded) {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
	if got := f.Hierarchy().Consumed(budget.Root); got != 16 {
		t.Errorf("root consumed = %d, want 16", got)
	}
}

func TestFactory_HandlesAndReleaseByID(t *testing.T) {
	f := newFactory(t, 1<<20, nil)
	if err := f.RegisterOwner(capability.Component, capability.Verified, 1024); err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterOwner(capability.Host, capability.Dynamic, 1024); err != nil {
		t.Fatal(err)
	}
	h1, _ := f.Acquire(capability.Component, 32)
	h2, _ := f.Acquire(capability.Host, 64)
	if h1.ID() == 0 || h2.ID() == 0 || h1.ID() == h2.ID() {
		t.Fatalf("handle IDs: %d, %d", h1.ID(), h2.ID())
	}

	var infos []HandleInfo
	f.Handles(func(i HandleInfo) bool {
		infos = append(infos, i)
		return true
	})
	if len(infos) != 2 {
		t.Fatalf("Handles yielded %d entries", len(infos))
	}
	if !infos[0].Verified || infos[0].Owner != capability.Component || infos[0].Size != 32 {
		t.Errorf("first handle = %+v", infos[0])
	}

	if err := f.ReleaseHandle(h2.ID()); err != nil {
		t.Fatal(err)
	}
	if !h2.Released() {
		t.Error("ReleaseHandle should release the handle")
	}
	if err := h2.Release(); !stderrors.Is(err, errors.ErrDoubleRelease) {
		t.Errorf("expected DoubleRelease, got %v", err)
	}
	if err := f.ReleaseHandle(HandleID(999)); !stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}

	// slot reuse
	h3, _ := f.Acquire(capability.Host, 16)
	if h3.ID() != h2.ID() {
		t.Errorf("expected freed handle %d to be reused, got %d", h2.ID(), h3.ID())
	}
}

func TestFactory_Close(t *testing.T) {
	f := New(capability.NewRegistry(), budget.NewHierarchy(1<<20), nil)
	if err := f.RegisterOwner(capability.Decoder, capability.Dynamic, 4096); err != nil {
		t.Fatal(err)
	}
	var handles []*Handle
	for i := 0; i < 4; i++ {
		h, err := f.Acquire(capability.Decoder, 128)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	_ = handles[0].Release()

	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if f.Outstanding() != 0 {
		t.Errorf("Outstanding after Close = %d", f.Outstanding())
	}
	if got := f.Hierarchy().Consumed(budget.Root); got != 0 {
		t.Errorf("root consumed after Close = %d", got)
	}
	if _, err := f.Acquire(capability.Decoder, 1); !stderrors.Is(err, errors.ErrReleased) {
		t.Errorf("acquire after Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestFactory_ConcurrentAcquire(t *testing.T) {
	f := newFactory(t, 1<<20, nil)
	owner := capability.Runtime
	const (
		size    = 64
		allowed = 50
		workers = 200
	)
	if err := f.RegisterOwner(owner, capability.Dynamic, size*allowed); err != nil {
		t.Fatal(err)
	}

	var (
		mu      sync.Mutex
		handles []*Handle
		wg      sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := f.Acquire(owner, size)
			if err != nil {
				if !stderrors.Is(err, errors.ErrCapacityExceeded) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(handles) != allowed {
		t.Fatalf("%d acquisitions succeeded, want %d", len(handles), allowed)
	}
	if got := f.Hierarchy().Consumed(budget.Root); got != size*allowed {
		t.Fatalf("root consumed = %d", got)
	}

	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := h.Release(); err != nil {
				t.Errorf("release: %v", err)
			}
		}(h)
	}
	wg.Wait()

	if got := f.Hierarchy().Consumed(budget.Root); got != 0 {
		t.Errorf("root consumed after release = %d", got)
	}
	if err := f.Hierarchy().CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
}

func acquireAndDrop(t *testing.T, f *Factory, owner capability.OwnerID) {
	t.Helper()
	if _, err := f.Acquire(owner, 512); err != nil {
		t.Fatal(err)
	}
}

func TestFactory_UnreachableHandleIsReleased(t *testing.T) {
	f := newFactory(t, 1<<20, nil)
	owner := capability.Intercept
	if err := f.RegisterOwner(owner, capability.Dynamic, 1024); err != nil {
		t.Fatal(err)
	}
	acquireAndDrop(t, f, owner)

	deadline := time.Now().Add(5 * time.Second)
	for f.Outstanding() != 0 && time.Now().Before(deadline) {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	if f.Outstanding() != 0 {
		t.Fatal("unreachable handle was not released")
	}
	if got := f.Hierarchy().Consumed(budget.Root); got != 0 {
		t.Errorf("root consumed = %d", got)
	}
}

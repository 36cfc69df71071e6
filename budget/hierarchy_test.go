package budget

import (
	stderrors "errors"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
)

func newTree(t *testing.T) (*Hierarchy, NodeID, NodeID, NodeID) {
	t.Helper()
	h := NewHierarchy(16384)
	parent, err := h.AddNode("parent", Root, 8192)
	if err != nil {
		t.Fatal(err)
	}
	a, err := h.AddOwner(capability.Decoder, parent, 4096)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.AddOwner(capability.Runtime, parent, 8192)
	if err != nil {
		t.Fatal(err)
	}
	return h, parent, a, b
}

func TestHierarchy_ReserveRelease(t *testing.T) {
	h, parent, a, _ := newTree(t)

	r, err := h.Reserve(a, 1000)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	for _, id := range []NodeID{a, parent, Root} {
		if got := h.Consumed(id); got != 1000 {
			t.Errorf("Consumed(%d) = %d, want 1000", id, got)
		}
	}
	path := r.Path()
	if len(path) != 3 || path[0] != a || path[2] != Root {
		t.Errorf("Path() = %v, want owner first and root last", path)
	}
	if r.Node() != a || r.Size() != 1000 {
		t.Errorf("reservation = node %d size %d", r.Node(), r.Size())
	}

	if err := h.Release(r); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	for _, id := range []NodeID{a, parent, Root} {
		if got := h.Consumed(id); got != 0 {
			t.Errorf("Consumed(%d) = %d after release, want 0", id, got)
		}
	}
	if h.Peak(a) != 1000 {
		t.Errorf("Peak(a) = %d, want 1000", h.Peak(a))
	}
}

func TestHierarchy_AllOrNothing(t *testing.T) {
	h, parent, a, b := newTree(t)

	if _, err := h.Reserve(a, 4096); err != nil {
		t.Fatal(err)
	}
	before := h.Snapshot()

	// b has 8192 of its own but the parent only 4096 left.
	_, err := h.Reserve(b, 4097)
	if !stderrors.Is(err, errors.ErrBudgetExhausted) {
		t.Fatalf("expected BudgetExhausted, got %v", err)
	}
	var be *errors.Error
	if !stderrors.As(err, &be) || be.Value != parent {
		t.Fatalf("error should name the parent node, got %#v", be)
	}

	after := h.Snapshot()
	for i := range before {
		if before[i].Consumed != after[i].Consumed {
			t.Errorf("node %s changed from %d to %d", before[i].Name, before[i].Consumed, after[i].Consumed)
		}
	}
}

func TestHierarchy_ExhaustedAtOwnNode(t *testing.T) {
	h, _, a, _ := newTree(t)
	_, err := h.Reserve(a, 4097)
	var be *errors.Error
	if !stderrors.As(err, &be) || be.Kind != errors.KindBudgetExhausted || be.Value != a {
		t.Fatalf("expected exhaustion at owner node, got %v", err)
	}
	if h.Consumed(Root) != 0 {
		t.Fatal("root must be untouched")
	}
}

func TestHierarchy_InvalidArguments(t *testing.T) {
	h, _, a, _ := newTree(t)

	if _, err := h.Reserve(a, 0); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("zero reservation: %v", err)
	}
	if _, err := h.Reserve(NodeID(99), 1); !stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("unknown node: %v", err)
	}
	if err := h.Release(Reservation{}); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("empty release: %v", err)
	}
	if _, err := h.AddNode("x", NodeID(99), 10); !stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("unknown parent: %v", err)
	}
	if _, err := h.AddNode("x", Root, 0); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("zero budget: %v", err)
	}
	if _, err := h.AddOwner(capability.Decoder, Root, 10); !stderrors.Is(err, errors.ErrAlreadyRegistered) {
		t.Errorf("duplicate owner: %v", err)
	}
}

func TestHierarchy_Seal(t *testing.T) {
	h := NewHierarchy(100)
	h.Seal()
	if _, err := h.AddNode("late", Root, 10); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Fatalf("AddNode after Seal: %v", err)
	}
}

func TestHierarchy_DepthLimit(t *testing.T) {
	h := NewHierarchy(1 << 20)
	parent := Root
	for i := 1; i < MaxDepth; i++ {
		id, err := h.AddNode("level", parent, 1<<20)
		if err != nil {
			t.Fatalf("depth %d: %v", i+1, err)
		}
		parent = id
	}
	if _, err := h.AddNode("too-deep", parent, 1); err == nil {
		t.Fatal("expected depth limit error")
	}

	r, err := h.Reserve(parent, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Path()) != MaxDepth {
		t.Fatalf("path length %d, want %d", len(r.Path()), MaxDepth)
	}
}

func TestHierarchy_Corruption(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	prev := Logger()
	SetLogger(zap.New(core))
	defer SetLogger(prev)

	h, parent, a, _ := newTree(t)
	r, err := h.Reserve(a, 100)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a corrupted counter.
	h.nodes[parent].consumed.Store(9000)

	_, err = h.Reserve(a, 1)
	if !stderrors.Is(err, errors.ErrInvariantViolation) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
	if !h.Corrupted(parent) {
		t.Fatal("parent should be corrupted")
	}
	// The owner-level charge made before reaching the parent is rolled back.
	if h.Consumed(a) != 100 {
		t.Fatalf("Consumed(a) = %d, want 100", h.Consumed(a))
	}
	if h.Remaining(parent) != 0 {
		t.Fatal("corrupted nodes report no remaining budget")
	}
	if err := h.Release(r); !stderrors.Is(err, errors.ErrInvariantViolation) {
		t.Fatalf("release through a corrupted node: %v", err)
	}
	if logs.FilterMessage("budget node corrupted").Len() != 1 {
		t.Fatalf("expected one corruption log, got %d", logs.Len())
	}
}

func TestHierarchy_ReleaseUnderflowCorrupts(t *testing.T) {
	h, _, a, _ := newTree(t)
	r, err := h.Reserve(a, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Release(r); err != nil {
		t.Fatal(err)
	}
	// Releasing the same reservation twice underflows the counters.
	if err := h.Release(r); !stderrors.Is(err, errors.ErrInvariantViolation) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
	if !h.Corrupted(a) {
		t.Fatal("owner node should be corrupted")
	}
}

func TestHierarchy_CheckInvariants(t *testing.T) {
	h, parent, a, b := newTree(t)
	if _, err := h.Reserve(a, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Reserve(b, 200); err != nil {
		t.Fatal(err)
	}
	if err := h.CheckInvariants(); err != nil {
		t.Fatalf("healthy tree: %v", err)
	}

	h.nodes[b].consumed.Store(8000)
	if err := h.CheckInvariants(); !stderrors.Is(err, errors.ErrInvariantViolation) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
	if !h.Corrupted(parent) {
		t.Fatal("parent with over-consuming children should be corrupted")
	}
}

func TestHierarchy_WalkAndLookup(t *testing.T) {
	h, parent, a, b := newTree(t)

	var order []NodeID
	h.Walk(func(n NodeInfo) bool {
		order = append(order, n.ID)
		return true
	})
	want := []NodeID{Root, parent, a, b}
	if len(order) != len(want) {
		t.Fatalf("Walk order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Walk order %v, want %v", order, want)
		}
	}

	if id, ok := h.Lookup("parent"); !ok || id != parent {
		t.Errorf("Lookup(parent) = %d, %v", id, ok)
	}
	if id, ok := h.OwnerNode(capability.Runtime); !ok || id != b {
		t.Errorf("OwnerNode(runtime) = %d, %v", id, ok)
	}
	if _, ok := h.OwnerNode(capability.Host); ok {
		t.Error("OwnerNode for an unknown owner should fail")
	}
	if kids := h.Children(parent); len(kids) != 2 {
		t.Errorf("Children(parent) = %v", kids)
	}
	if h.Parent(Root) != None {
		t.Error("root has no parent")
	}
}

func TestHierarchy_PathRemaining(t *testing.T) {
	h, _, a, b := newTree(t)
	if _, err := h.Reserve(a, 4096); err != nil {
		t.Fatal(err)
	}
	if got := h.PathRemaining(a); got != 0 {
		t.Errorf("PathRemaining(a) = %d, want 0", got)
	}
	if got := h.PathRemaining(b); got != 4096 {
		t.Errorf("PathRemaining(b) = %d, want 4096 (limited by parent)", got)
	}
}

func TestHierarchy_ConcurrentReserve(t *testing.T) {
	h := NewHierarchy(1000)
	shared, _ := h.AddNode("shared", Root, 800)
	var owners []NodeID
	for i := 0; i < 4; i++ {
		id, err := h.AddOwner(capability.FirstCustom+capability.OwnerID(i), shared, 300)
		if err != nil {
			t.Fatal(err)
		}
		owners = append(owners, id)
	}

	var wg sync.WaitGroup
	for _, id := range owners {
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(id NodeID) {
				defer wg.Done()
				for i := 0; i < 500; i++ {
					r, err := h.Reserve(id, 37)
					if err != nil {
						if !stderrors.Is(err, errors.ErrBudgetExhausted) {
							t.Errorf("unexpected error: %v", err)
							return
						}
						continue
					}
					for _, n := range h.Snapshot() {
						if n.Consumed > n.Granted {
							t.Errorf("node %s consumed %d > granted %d", n.Name, n.Consumed, n.Granted)
						}
					}
					if err := h.Release(r); err != nil {
						t.Errorf("release: %v", err)
						return
					}
				}
			}(id)
		}
	}
	wg.Wait()

	for _, n := range h.Snapshot() {
		if n.Consumed != 0 {
			t.Errorf("node %s left with %d consumed", n.Name, n.Consumed)
		}
		if n.Peak > n.Granted {
			t.Errorf("node %s peak %d exceeds grant %d", n.Name, n.Peak, n.Granted)
		}
	}
	if err := h.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestHierarchy_ConcurrentFailureLeavesNoTrace(t *testing.T) {
	h := NewHierarchy(1000)
	sub, _ := h.AddNode("sub", Root, 5000)
	a, _ := h.AddOwner(capability.Decoder, sub, 5000)
	b, _ := h.AddOwner(capability.Format, sub, 5000)

	held, err := h.Reserve(a, 600)
	if err != nil {
		t.Fatal(err)
	}
	before := h.Snapshot()

	// Every attempt passes the owner and subsystem levels and fails at root.
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(id NodeID) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := h.Reserve(id, 401); !stderrors.Is(err, errors.ErrBudgetExhausted) {
					t.Errorf("expected BudgetExhausted, got %v", err)
					return
				}
			}
		}([]NodeID{a, b}[w%2])
	}
	wg.Wait()

	after := h.Snapshot()
	for i := range before {
		if before[i].Consumed != after[i].Consumed {
			t.Errorf("node %s changed from %d to %d", before[i].Name, before[i].Consumed, after[i].Consumed)
		}
	}
	if err := h.Release(held); err != nil {
		t.Fatal(err)
	}
}

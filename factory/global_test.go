package factory

import (
	stderrors "errors"
	"testing"

	"github.com/wippyai/capmem/budget"
	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
)

func TestGlobal(t *testing.T) {
	t.Cleanup(func() { global.Store(nil) })

	if _, err := Global(); !stderrors.Is(err, errors.ErrNotInitialized) {
		t.Fatalf("Global before init: %v", err)
	}
	if _, err := Acquire(capability.Decoder, 1); !stderrors.Is(err, errors.ErrNotInitialized) {
		t.Fatalf("Acquire before init: %v", err)
	}
	if BudgetRemaining(capability.Decoder) != 0 {
		t.Fatal("BudgetRemaining before init should be 0")
	}

	f := newFactory(t, 1<<16, nil)
	if err := InitGlobal(f); err != nil {
		t.Fatal(err)
	}
	if err := InitGlobal(New(capability.NewRegistry(), budget.NewHierarchy(1), nil)); err == nil {
		t.Fatal("second InitGlobal should fail")
	}

	if err := RegisterOwner(capability.Decoder, capability.Dynamic, 2048); err != nil {
		t.Fatal(err)
	}
	h, err := Acquire(capability.Decoder, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if got := BudgetRemaining(capability.Decoder); got != 1024 {
		t.Errorf("BudgetRemaining = %d, want 1024", got)
	}
	_ = h.Release()
}

package factory

import (
	"sync/atomic"

	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
)

var global atomic.Pointer[Factory]

// InitGlobal installs f as the process-wide factory. It succeeds once.
func InitGlobal(f *Factory) error {
	if f == nil {
		return errors.InvalidInput(errors.PhaseConfig, "nil factory")
	}
	if !global.CompareAndSwap(nil, f) {
		return errors.AlreadyInitialized(errors.PhaseConfig, "global factory")
	}
	return nil
}

// Global returns the process-wide factory.
func Global() (*Factory, error) {
	f := global.Load()
	if f == nil {
		return nil, errors.NotInitialized(errors.PhaseAcquire, "global factory")
	}
	return f, nil
}

// RegisterOwner registers owner on the process-wide factory.
func RegisterOwner(owner capability.OwnerID, kind capability.Kind, maxSize uint64) error {
	f, err := Global()
	if err != nil {
		return err
	}
	return f.RegisterOwner(owner, kind, maxSize)
}

// Acquire allocates from the process-wide factory.
func Acquire(owner capability.OwnerID, size uint64) (*Handle, error) {
	f, err := Global()
	if err != nil {
		return nil, err
	}
	return f.Acquire(owner, size)
}

// BudgetRemaining queries the process-wide factory; 0 before InitGlobal.
func BudgetRemaining(owner capability.OwnerID) uint64 {
	f := global.Load()
	if f == nil {
		return 0
	}
	return f.BudgetRemaining(owner)
}

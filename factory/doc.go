// Package factory is the capability-aware allocation entry point.
//
// Acquire is the only way to obtain memory. Each call:
//
//  1. looks up the owner's capability (CapabilityDenied if absent or revoked)
//  2. checks the request against the capability: Static owners must ask for
//     exactly their size (SizeMismatch), Dynamic and Verified owners for at
//     most what they have left (CapacityExceeded)
//  3. reserves the size on every budget node from the owner to the root,
//     all or nothing (BudgetExhausted)
//  4. takes a region from the platform backend and wraps it in a
//     memory.Provider, checksummed for Verified owners
//
// The returned Handle owns the provider. Release reverses the reservation
// and frees the region; releasing twice fails with DoubleRelease and leaves
// the counters untouched.
//
// Integrity and invariant violations revoke the owner: the capability is
// withdrawn for the rest of the process.
//
// # Usage
//
//	reg := capability.NewRegistry()
//	tree := budget.NewHierarchy(1 << 20)
//	f := factory.New(reg, tree, nil)
//	_ = f.RegisterOwner(capability.Decoder, capability.Dynamic, 64<<10)
//
//	h, err := f.Acquire(capability.Decoder, 4096)
//	if err != nil {
//		return err
//	}
//	defer h.Release()
//
// A process-wide instance is installed once with InitGlobal; the
// package-level RegisterOwner, Acquire and BudgetRemaining use it.
package factory

// Package errors provides structured error types for capmem.
//
// Errors are categorized by Phase (where in the allocation lifecycle the
// error occurred) and Kind (the taxonomy entry). The Error type carries the
// owner the error was raised for, a detail message and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseAcquire, errors.KindSizeMismatch).
//		Owner(capability.Decoder).
//		Detail("static capability requires %d bytes", 4096).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.CapacityExceeded(errors.PhaseAcquire, "decoder", 10, 5)
//	err := errors.BudgetExhausted("global", node, 4097, 4096)
//
// Every Kind has a phase-less sentinel that matches with the standard
// library errors.Is:
//
//	if errors.Is(err, capmemerrors.ErrBudgetExhausted) { ... }
//
// Integrity and invariant violations are fatal: IsFatal reports them and the
// factory revokes the owner they were raised for.
package errors

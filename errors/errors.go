package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in the allocation lifecycle the error occurred
type Phase string

const (
	PhaseRegister   Phase = "register"   // capability registration
	PhaseAcquire    Phase = "acquire"    // factory acquisition
	PhaseRelease    Phase = "release"    // handle release
	PhaseBudget     Phase = "budget"     // hierarchy reserve/release walk
	PhaseAccess     Phase = "access"     // provider read/write
	PhaseVerify     Phase = "verify"     // integrity verification
	PhaseConfig     Phase = "config"     // plan loading and validation
	PhaseCollection Phase = "collection" // bounded collection operations
	PhasePlatform   Phase = "platform"   // raw region backends
)

// Kind categorizes the error
type Kind string

const (
	KindCapabilityDenied   Kind = "capability_denied"
	KindAlreadyRegistered  Kind = "already_registered"
	KindSizeMismatch       Kind = "size_mismatch"
	KindCapacityExceeded   Kind = "capacity_exceeded"
	KindBudgetExhausted    Kind = "budget_exhausted"
	KindDoubleRelease      Kind = "double_release"
	KindIntegrityViolation Kind = "integrity_violation"
	KindInvariantViolation Kind = "invariant_violation"
	KindOutOfBounds        Kind = "out_of_bounds"
	KindReleased           Kind = "released"
	KindInvalidInput       Kind = "invalid_input"
	KindNotInitialized     Kind = "not_initialized"
	KindAlreadyInitialized Kind = "already_initialized"
	KindNotFound           Kind = "not_found"
	KindParse              Kind = "parse"
)

// Sentinels for use with the standard library errors.Is.
// They match any *Error of the same Kind regardless of phase.
var (
	ErrCapabilityDenied   = &Error{Kind: KindCapabilityDenied}
	ErrAlreadyRegistered  = &Error{Kind: KindAlreadyRegistered}
	ErrSizeMismatch       = &Error{Kind: KindSizeMismatch}
	ErrCapacityExceeded   = &Error{Kind: KindCapacityExceeded}
	ErrBudgetExhausted    = &Error{Kind: KindBudgetExhausted}
	ErrDoubleRelease      = &Error{Kind: KindDoubleRelease}
	ErrIntegrityViolation = &Error{Kind: KindIntegrityViolation}
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation}
	ErrOutOfBounds        = &Error{Kind: KindOutOfBounds}
	ErrReleased           = &Error{Kind: KindReleased}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrNotInitialized     = &Error{Kind: KindNotInitialized}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

// Error is the structured error type used throughout capmem
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Owner  string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if e.Owner != "" {
		b.WriteString(" (")
		b.WriteString(e.Owner)
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// Kinds must match; the phase only has to match when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Phase == "" || e.Phase == t.Phase
}

// Fatal reports whether the error is an integrity or invariant violation.
// Fatal errors revoke the owner they were raised for.
func (e *Error) Fatal() bool {
	return e.Kind == KindIntegrityViolation || e.Kind == KindInvariantViolation
}

// KindOf returns the Kind of err if it is or wraps an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsFatal reports whether err is, wraps or joins a fatal *Error
func IsFatal(err error) bool {
	return stderrors.Is(err, ErrIntegrityViolation) || stderrors.Is(err, ErrInvariantViolation)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Owner sets the owner the error was raised for
func (b *Builder) Owner(owner fmt.Stringer) *Builder {
	b.err.Owner = owner.String()
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for the allocation taxonomy

// CapabilityDenied creates an error for an unregistered, revoked or forbidden owner
func CapabilityDenied(phase Phase, owner string, reason string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCapabilityDenied,
		Owner:  owner,
		Detail: reason,
	}
}

// AlreadyRegistered creates a duplicate registration error
func AlreadyRegistered(owner string) *Error {
	return &Error{
		Phase:  PhaseRegister,
		Kind:   KindAlreadyRegistered,
		Owner:  owner,
		Detail: "capability already registered",
	}
}

// SizeMismatch creates a static capability misuse error
func SizeMismatch(owner string, requested, required uint64) *Error {
	return &Error{
		Phase:  PhaseAcquire,
		Kind:   KindSizeMismatch,
		Owner:  owner,
		Detail: fmt.Sprintf("static capability requires exactly %d bytes, requested %d", required, requested),
		Value:  requested,
	}
}

// CapacityExceeded creates an error for a request above the remaining allowance
func CapacityExceeded(phase Phase, owner string, requested, available uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCapacityExceeded,
		Owner:  owner,
		Detail: fmt.Sprintf("requested %d, available %d", requested, available),
		Value:  requested,
	}
}

// BudgetExhausted creates an error for an insufficient budget node.
// node identifies the level that refused the reservation.
func BudgetExhausted(name string, node any, requested, available uint64) *Error {
	return &Error{
		Phase:  PhaseBudget,
		Kind:   KindBudgetExhausted,
		Detail: fmt.Sprintf("node %q: requested %d, available %d", name, requested, available),
		Value:  node,
	}
}

// DoubleRelease creates an error for releasing an already released handle
func DoubleRelease(owner string, handle uint32) *Error {
	return &Error{
		Phase:  PhaseRelease,
		Kind:   KindDoubleRelease,
		Owner:  owner,
		Detail: fmt.Sprintf("handle %d already released", handle),
		Value:  handle,
	}
}

// IntegrityViolation creates a checksum mismatch error
func IntegrityViolation(stored, computed uint32) *Error {
	return &Error{
		Phase:  PhaseVerify,
		Kind:   KindIntegrityViolation,
		Detail: fmt.Sprintf("checksum mismatch: stored %08x, computed %08x", stored, computed),
	}
}

// InvariantViolation creates an internal corruption error
func InvariantViolation(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvariantViolation,
		Detail: detail,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, offset, length, capacity int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("range [%d, %d) out of bounds (capacity %d)", offset, offset+length, capacity),
		Value:  offset,
	}
}

// IndexOutOfBounds creates an element index error
func IndexOutOfBounds(phase Phase, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// Released creates a use-after-release error
func Released(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindReleased,
		Detail: fmt.Sprintf("%s already released", what),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// NotInitialized creates a not-initialized error
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// AlreadyInitialized creates an error for a repeated initialization
func AlreadyInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAlreadyInitialized,
		Detail: fmt.Sprintf("%s already initialized", component),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// ParseFailed creates a parsing error
func ParseFailed(what string, cause error) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindParse,
		Detail: fmt.Sprintf("parse %s", what),
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

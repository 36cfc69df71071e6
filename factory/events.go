package factory

import (
	"github.com/wippyai/capmem/capability"
)

// HandleID identifies a live allocation within its factory.
// HandleID 0 is reserved and always invalid.
type HandleID uint32

// EventType identifies an allocation lifecycle event.
type EventType uint8

const (
	EventAcquired EventType = iota
	EventReleased
	EventDenied
	EventDoubleRelease
	EventRevoked
	EventViolation
)

func (t EventType) String() string {
	switch t {
	case EventAcquired:
		return "acquired"
	case EventReleased:
		return "released"
	case EventDenied:
		return "denied"
	case EventDoubleRelease:
		return "double_release"
	case EventRevoked:
		return "revoked"
	case EventViolation:
		return "violation"
	default:
		return "unknown"
	}
}

// Event describes one allocation lifecycle step.
// Err is set for Denied, DoubleRelease, Violation and Revoked events.
type Event struct {
	Err    error
	Size   uint64
	Handle HandleID
	Owner  capability.OwnerID
	Kind   capability.Kind
	Type   EventType
}

// Observer receives allocation lifecycle events.
// Observers are called synchronously on the allocating goroutine and
// must not call back into the factory.
type Observer interface {
	OnAllocEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnAllocEvent implements Observer.
func (f ObserverFunc) OnAllocEvent(e Event) { f(e) }

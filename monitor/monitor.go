// Package monitor keeps running safety statistics over a factory's
// allocation events and condenses them into a health score.
package monitor

import (
	stderrors "errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
	"github.com/wippyai/capmem/factory"
)

// HealthyScore is the lowest health score still considered healthy.
const HealthyScore = 80

var _ factory.Observer = (*Monitor)(nil)

// Monitor counts allocation outcomes. Subscribe it to a factory with
// Config.Observers or Factory.Subscribe. All counters are atomic.
type Monitor struct {
	log *zap.Logger

	total          atomic.Uint64
	failed         atomic.Uint64
	budgetViol     atomic.Uint64
	capabilityViol atomic.Uint64
	doubleReleases atomic.Uint64
	fatal          atomic.Uint64
	revocations    atomic.Uint64
	current        atomic.Uint64
	peak           atomic.Uint64
	largest        atomic.Uint64

	owners [capability.MaxOwners]atomic.Uint64
}

// New creates a monitor. A nil logger disables logging.
func New(log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{log: log}
}

// OnAllocEvent implements factory.Observer.
func (m *Monitor) OnAllocEvent(e factory.Event) {
	switch e.Type {
	case factory.EventAcquired:
		m.total.Add(1)
		raise(&m.largest, e.Size)
		raise(&m.peak, m.current.Add(e.Size))
		if e.Owner.Valid() {
			m.owners[e.Owner].Add(e.Size)
		}
	case factory.EventReleased:
		sub(&m.current, e.Size)
		if e.Owner.Valid() {
			sub(&m.owners[e.Owner], e.Size)
		}
	case factory.EventDenied:
		m.failed.Add(1)
		switch {
		case stderrors.Is(e.Err, errors.ErrBudgetExhausted), stderrors.Is(e.Err, errors.ErrCapacityExceeded):
			m.budgetViol.Add(1)
		case stderrors.Is(e.Err, errors.ErrCapabilityDenied), stderrors.Is(e.Err, errors.ErrSizeMismatch):
			m.capabilityViol.Add(1)
		}
	case factory.EventDoubleRelease:
		m.doubleReleases.Add(1)
	case factory.EventViolation:
		m.fatal.Add(1)
		m.log.Error("fatal allocation error",
			zap.Stringer("owner", e.Owner),
			zap.Error(e.Err))
	case factory.EventRevoked:
		m.revocations.Add(1)
		m.log.Warn("owner revoked", zap.Stringer("owner", e.Owner))
	}
}

func raise(v *atomic.Uint64, n uint64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

func sub(v *atomic.Uint64, n uint64) {
	for {
		cur := v.Load()
		next := uint64(0)
		if cur > n {
			next = cur - n
		}
		if v.CompareAndSwap(cur, next) {
			return
		}
	}
}

// OwnerBytes returns the bytes currently held by owner.
func (m *Monitor) OwnerBytes(owner capability.OwnerID) uint64 {
	if !owner.Valid() {
		return 0
	}
	return m.owners[owner].Load()
}

// Report is a point-in-time summary of a Monitor.
type Report struct {
	TotalAllocations     uint64
	FailedAllocations    uint64
	BudgetViolations     uint64
	CapabilityViolations uint64
	DoubleReleases       uint64
	FatalErrors          uint64
	Revocations          uint64
	CurrentBytes         uint64
	PeakBytes            uint64
	LargestAllocation    uint64
	HealthScore          int
}

// Healthy reports whether the score is at least HealthyScore.
func (r Report) Healthy() bool {
	return r.HealthScore >= HealthyScore
}

// CriticalViolations sums the violations that indicate misuse or
// corruption rather than ordinary budget pressure.
func (r Report) CriticalViolations() uint64 {
	return r.BudgetViolations + r.CapabilityViolations + r.DoubleReleases + r.FatalErrors
}

// Report snapshots the counters.
func (m *Monitor) Report() Report {
	r := Report{
		TotalAllocations:     m.total.Load(),
		FailedAllocations:    m.failed.Load(),
		BudgetViolations:     m.budgetViol.Load(),
		CapabilityViolations: m.capabilityViol.Load(),
		DoubleReleases:       m.doubleReleases.Load(),
		FatalErrors:          m.fatal.Load(),
		Revocations:          m.revocations.Load(),
		CurrentBytes:         m.current.Load(),
		PeakBytes:            m.peak.Load(),
		LargestAllocation:    m.largest.Load(),
	}
	r.HealthScore = healthScore(r)
	return r
}

// healthScore starts at 100 and deducts the failure rate (at most 40
// points), the budget violation rate (at most 30) and the capability
// violation rate (at most 30), each as a percentage of successful
// allocations. Any fatal error caps the score at 50.
func healthScore(r Report) int {
	total := max(r.TotalAllocations, 1)
	rate := func(n uint64, limit int) int {
		return int(min(n*100/total, uint64(limit)))
	}

	score := 100
	score -= rate(r.FailedAllocations, 40)
	score -= rate(r.BudgetViolations, 30)
	score -= rate(r.CapabilityViolations, 30)
	if r.FatalErrors > 0 {
		score = min(score, 50)
	}
	return max(score, 0)
}

// Healthy is shorthand for Report().Healthy().
func (m *Monitor) Healthy() bool {
	return m.Report().Healthy()
}

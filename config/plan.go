// Package config describes allocation plans (budget tree plus owner
// capabilities), ships the standard deployment presets and loads plans
// from JSON or sandboxed Lua.
package config

import (
	"strconv"

	"go.uber.org/multierr"

	"github.com/wippyai/capmem/budget"
	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
	"github.com/wippyai/capmem/factory"
)

// Subsystem is an intermediate budget node.
type Subsystem struct {
	Name string
	// Parent names an earlier subsystem; empty means the global node.
	Parent string
	Budget uint64
}

// Owner is one capability grant.
type Owner struct {
	// Subsystem the owner's budget node hangs under; empty means global.
	Subsystem string
	MaxSize   uint64
	Owner     capability.OwnerID
	Kind      capability.Kind
	Level     capability.SafetyLevel
}

// Capability returns the grant as a capability value.
func (o Owner) Capability() capability.Capability {
	return capability.Capability{Kind: o.Kind, MaxSize: o.MaxSize, Level: o.Level}
}

// Plan is a complete allocation setup.
type Plan struct {
	Name       string
	Subsystems []Subsystem
	Owners     []Owner
	Global     uint64
}

// Total returns the sum of all owner grants.
func (p *Plan) Total() uint64 {
	var sum uint64
	for _, o := range p.Owners {
		sum += o.MaxSize
	}
	return sum
}

// Validate reports every problem in the plan at once.
func (p *Plan) Validate() error {
	var err error
	fail := func(format string, args ...any) {
		err = multierr.Append(err, errors.New(errors.PhaseConfig, errors.KindInvalidInput).Detail(format, args...).Build())
	}

	if p.Global == 0 {
		fail("plan %q: global budget must be positive", p.Name)
	}

	subsystems := make(map[string]bool, len(p.Subsystems))
	for i, s := range p.Subsystems {
		switch {
		case s.Name == "":
			fail("subsystem %d has no name", i)
		case subsystems[s.Name]:
			fail("subsystem %q declared twice", s.Name)
		}
		if s.Parent != "" && !subsystems[s.Parent] {
			fail("subsystem %q: parent %q must be declared before it", s.Name, s.Parent)
		}
		if s.Budget == 0 {
			fail("subsystem %q: budget must be positive", s.Name)
		}
		subsystems[s.Name] = true
	}

	var seen [capability.MaxOwners]bool
	for _, o := range p.Owners {
		name := o.Owner.String()
		switch {
		case !o.Owner.Valid():
			fail("owner %s out of range", name)
			continue
		case seen[o.Owner]:
			fail("owner %s listed twice", name)
		}
		seen[o.Owner] = true
		if !o.Kind.Valid() {
			fail("owner %s: invalid capability kind", name)
		}
		if o.MaxSize == 0 {
			fail("owner %s: max size must be positive", name)
		}
		if o.Kind.Valid() && !o.Level.Allows(o.Kind) {
			fail("owner %s: %s capability not allowed at %s", name, o.Kind, o.Level)
		}
		if o.Subsystem != "" && !subsystems[o.Subsystem] {
			fail("owner %s: unknown subsystem %q", name, o.Subsystem)
		}
	}
	return err
}

// Build validates p, creates its budget hierarchy and registry, registers
// every owner and seals both. cfg configures the factory.
func Build(p *Plan, cfg *factory.Config) (*factory.Factory, error) {
	if p == nil {
		return nil, errors.InvalidInput(errors.PhaseConfig, "nil plan")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	h := budget.NewHierarchy(p.Global)
	nodes := map[string]budget.NodeID{"": budget.Root}
	for _, s := range p.Subsystems {
		id, err := h.AddNode(s.Name, nodes[s.Parent], s.Budget)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "subsystem "+strconv.Quote(s.Name))
		}
		nodes[s.Name] = id
	}

	f := factory.New(capability.NewRegistry(), h, cfg)
	for _, o := range p.Owners {
		if err := f.RegisterOwnerUnder(o.Owner, o.Capability(), nodes[o.Subsystem]); err != nil {
			return nil, err
		}
	}
	h.Seal()
	f.Registry().Seal()
	return f, nil
}

package config

import (
	"sort"
	"strings"

	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
)

const (
	kib = 1 << 10
	mib = 1 << 20
)

// Standard subsystem grouping of the presets.
const (
	SubsystemCore    = "core"
	SubsystemFormat  = "format"
	SubsystemRuntime = "runtime"
	SubsystemSupport = "support"
)

// kindFor picks the least restrictive kind a level allows: owners at
// ASIL-C and above run Verified.
func kindFor(l capability.SafetyLevel) capability.Kind {
	if l.Allows(capability.Dynamic) {
		return capability.Dynamic
	}
	return capability.Verified
}

type grant struct {
	subsystem string
	size      uint64
	owner     capability.OwnerID
	level     capability.SafetyLevel
}

// preset builds a plan whose subsystems are sized to the sum of their
// owners and whose global budget adds integration headroom on top.
func preset(name string, headroom uint64, grants []grant) *Plan {
	p := &Plan{Name: name}
	sums := map[string]uint64{}
	var order []string
	for _, g := range grants {
		if _, ok := sums[g.subsystem]; !ok {
			order = append(order, g.subsystem)
		}
		sums[g.subsystem] += g.size
		p.Owners = append(p.Owners, Owner{
			Owner:     g.owner,
			Kind:      kindFor(g.level),
			MaxSize:   g.size,
			Level:     g.level,
			Subsystem: g.subsystem,
		})
	}
	for _, s := range order {
		p.Subsystems = append(p.Subsystems, Subsystem{Name: s, Budget: sums[s]})
	}
	p.Global = p.Total() + headroom
	return p
}

// Embedded is the budget set for embedded targets, about 8 MiB in total.
func Embedded() *Plan {
	return preset("embedded", 512*kib, []grant{
		{SubsystemCore, 16 * kib, capability.Error, capability.AsilD},
		{SubsystemCore, 512 * kib, capability.Foundation, capability.AsilD},
		{SubsystemCore, 64 * kib, capability.Sync, capability.AsilC},
		{SubsystemCore, 256 * kib, capability.Platform, capability.AsilC},
		{SubsystemFormat, 1 * mib, capability.Format, capability.AsilB},
		{SubsystemFormat, 512 * kib, capability.Decoder, capability.AsilB},
		{SubsystemFormat, 768 * kib, capability.Instructions, capability.AsilC},
		{SubsystemRuntime, 2 * mib, capability.Runtime, capability.AsilD},
		{SubsystemRuntime, 1 * mib, capability.Component, capability.AsilC},
		{SubsystemRuntime, 512 * kib, capability.Host, capability.AsilB},
		{SubsystemSupport, 256 * kib, capability.Debug, capability.QM},
		{SubsystemSupport, 128 * kib, capability.Logging, capability.QM},
		{SubsystemSupport, 256 * kib, capability.Intercept, capability.AsilA},
		{SubsystemSupport, 64 * kib, capability.Math, capability.AsilB},
	})
}

// Desktop is the budget set for desktop and server hosts, about 64 MiB.
func Desktop() *Plan {
	return preset("desktop", 4*mib, []grant{
		{SubsystemCore, 64 * kib, capability.Error, capability.AsilC},
		{SubsystemCore, 4 * mib, capability.Foundation, capability.AsilC},
		{SubsystemCore, 256 * kib, capability.Sync, capability.AsilB},
		{SubsystemCore, 1 * mib, capability.Platform, capability.AsilB},
		{SubsystemFormat, 8 * mib, capability.Format, capability.AsilA},
		{SubsystemFormat, 4 * mib, capability.Decoder, capability.AsilA},
		{SubsystemFormat, 4 * mib, capability.Instructions, capability.AsilB},
		{SubsystemRuntime, 16 * mib, capability.Runtime, capability.AsilC},
		{SubsystemRuntime, 8 * mib, capability.Component, capability.AsilB},
		{SubsystemRuntime, 4 * mib, capability.Host, capability.AsilA},
		{SubsystemSupport, 4 * mib, capability.Debug, capability.QM},
		{SubsystemSupport, 2 * mib, capability.Logging, capability.QM},
		{SubsystemSupport, 1 * mib, capability.Intercept, capability.QM},
		{SubsystemSupport, 256 * kib, capability.Math, capability.AsilA},
	})
}

// UltraEmbedded is the minimal budget set, about 2 MiB, without host,
// debugging or logging support.
func UltraEmbedded() *Plan {
	return preset("ultra-embedded", 128*kib, []grant{
		{SubsystemCore, 4 * kib, capability.Error, capability.AsilD},
		{SubsystemCore, 256 * kib, capability.Foundation, capability.AsilD},
		{SubsystemCore, 16 * kib, capability.Sync, capability.AsilC},
		{SubsystemCore, 64 * kib, capability.Platform, capability.AsilC},
		{SubsystemFormat, 256 * kib, capability.Format, capability.AsilB},
		{SubsystemFormat, 128 * kib, capability.Decoder, capability.AsilB},
		{SubsystemFormat, 256 * kib, capability.Instructions, capability.AsilC},
		{SubsystemRuntime, 512 * kib, capability.Runtime, capability.AsilD},
		{SubsystemRuntime, 256 * kib, capability.Component, capability.AsilC},
	})
}

var presets = map[string]func() *Plan{
	"embedded":       Embedded,
	"desktop":        Desktop,
	"ultra-embedded": UltraEmbedded,
	"ultra":          UltraEmbedded,
}

// Preset returns the named preset plan.
func Preset(name string) (*Plan, error) {
	fn, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errors.NotFound(errors.PhaseConfig, "preset", name)
	}
	return fn(), nil
}

// PresetNames lists the accepted preset names.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

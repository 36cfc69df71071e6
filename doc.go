// Package capmem provides capability-gated, budget-enforced memory for a
// safety-critical WebAssembly runtime.
//
// Independent subsystems ("owners") obtain fixed-capacity memory regions and
// bounded containers. The library guarantees that no owner allocates beyond
// the capability it was granted, that total allocation never exceeds a
// hierarchical process-wide budget, and that the strictest safety levels can
// forbid any growth after initialization.
//
// # Architecture Overview
//
// The library is organized into packages with distinct responsibilities:
//
//	capmem/              Root package with the Memory and Sizer interfaces
//	├── capability/      Owner identities, capability kinds, registry
//	├── budget/          Budget hierarchy with atomic reserve/release
//	├── platform/        Raw region backends (heap, static pool, mmap)
//	├── memory/          Bounds-checked providers with checksum integrity
//	├── factory/         Capability-aware factory and scoped handles
//	├── collections/     Bounded vector, string and map
//	├── monitor/         Safety monitor fed by factory events
//	├── report/          Budget visualization (ascii, json, csv, markdown)
//	├── config/          Budget plans: presets, JSON and Lua loaders
//	├── wasmmem/         wazero linear memory backed by the factory
//	└── errors/          Structured error taxonomy
//
// # Quick Start
//
//	plan := config.Embedded()
//	f, err := config.Build(plan, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer f.Close()
//
//	h, err := f.Acquire(capability.Decoder, 4096)
//	if err != nil {
//	    // budget exhausted, capability denied, ...
//	}
//	defer h.Release()
//
//	vec, err := collections.NewVec(h, collections.Uint32, 1024)
//	if err := vec.Push(42); err != nil {
//	    // capacity exceeded
//	}
//
// # Capabilities
//
// Each owner holds at most one capability:
//
//	Static    exact-size single region, no growth
//	Dynamic   any reservation up to a ceiling
//	Verified  like Dynamic, every access checksum-validated
//
// Capabilities are immutable once registered. Revocation is terminal.
package capmem

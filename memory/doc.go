// Package memory provides the fixed-capacity, bounds-checked regions every
// capmem allocation is served from.
//
// A Provider wraps one raw region obtained from a platform backend. All
// access is bounds-checked; typed accessors are little-endian like WASM
// linear memory:
//
//	p := memory.New(region, nil)
//	_ = p.WriteU32(0, 42)
//	v, _ := p.ReadU32(0)
//
// # Integrity
//
// Providers built for Verified capabilities carry a CRC-32C checksum over
// the whole region. Every access re-validates it first and every write
// recomputes it afterwards. A mismatch poisons the provider: the access
// fails with an IntegrityViolation, every later access fails the same way,
// and the OnViolation hook fires once so the owner can be revoked.
//
// Providers are exclusively owned by one factory handle and are not safe for
// concurrent use. After the handle is released the provider is detached and
// every access fails with a Released error.
package memory

// Package platform provides the raw byte-region sources providers are built
// on.
//
// Three backends are available:
//
//	Heap        one Go slice per region (hosted default)
//	StaticPool  regions carved from a single fixed array (no-OS targets)
//	Mmap        one anonymous mapping per region (hosted page allocator)
//
// Backends are called exactly once when a provider is constructed and once
// when it is destroyed. They never resize a region.
package platform

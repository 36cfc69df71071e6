// Package capability defines owner identities, capability kinds and the
// process-wide capability registry.
//
// An owner is a statically identified subsystem (decoder, runtime, component
// loader, ...) holding at most one Capability. A capability is a closed
// tagged union over three kinds:
//
//	Static    exactly MaxSize bytes in one region
//	Dynamic   any reservation up to MaxSize
//	Verified  like Dynamic, with checksummed providers
//
// The registry is a fixed table indexed by OwnerID:
//
//	reg := capability.NewRegistry()
//	err := reg.Register(capability.Decoder, capability.NewDynamic(64<<10))
//	c, ok := reg.Lookup(capability.Decoder)
//
// Registration is write-once. Revoke is terminal: a revoked owner is denied
// every later lookup and registration until process restart.
//
// Safety levels restrict kinds: ASIL-C and ASIL-D owners may only hold Static
// or Verified capabilities.
package capability

// Package collections provides bounded containers laid out inside a single
// memory.Provider.
//
// Vec, String and Map fix their maximum size at construction from the
// provider they wrap and never grow: an insert past the limit returns a
// CapacityExceeded error and leaves the container unchanged. Elements live
// only in the provider's bytes, encoded by a Codec, so every access is
// bounds-checked and, for providers acquired under a Verified capability,
// integrity-checked.
//
// Containers are not safe for concurrent use.
package collections

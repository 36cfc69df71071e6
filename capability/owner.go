package capability

import (
	"strconv"
	"strings"

	"github.com/wippyai/capmem/errors"
)

// OwnerID identifies a subsystem that may hold a capability.
// IDs are fixed at link time and used as registry keys.
type OwnerID uint8

// MaxOwners bounds the registry table. Valid IDs are 0..MaxOwners-1.
const MaxOwners = 64

const (
	Unknown OwnerID = iota
	Foundation
	Decoder
	Runtime
	Component
	Logging
	Platform
	Instructions
	Format
	Host
	Debug
	Intercept
	Math
	Sync
	Error
	WASI
	Panic

	// FirstCustom is the first ID free for application-defined owners.
	FirstCustom
)

var ownerNames = [...]string{
	Unknown:      "unknown",
	Foundation:   "foundation",
	Decoder:      "decoder",
	Runtime:      "runtime",
	Component:    "component",
	Logging:      "logging",
	Platform:     "platform",
	Instructions: "instructions",
	Format:       "format",
	Host:         "host",
	Debug:        "debug",
	Intercept:    "intercept",
	Math:         "math",
	Sync:         "sync",
	Error:        "error",
	WASI:         "wasi",
	Panic:        "panic",
}

// Valid reports whether the ID fits the registry table.
func (o OwnerID) Valid() bool {
	return int(o) < MaxOwners
}

func (o OwnerID) String() string {
	if int(o) < len(ownerNames) {
		return ownerNames[o]
	}
	return "owner-" + strconv.Itoa(int(o))
}

// ParseOwner resolves an owner name. It accepts the plain name
// ("decoder"), the crate form ("wrt-decoder") and the numeric
// form ("owner-17" or "17").
func ParseOwner(name string) (OwnerID, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.TrimPrefix(s, "wrt-")
	if s == "wrt" {
		return Runtime, nil
	}
	for i, n := range ownerNames {
		if n == s {
			return OwnerID(i), nil
		}
	}
	s = strings.TrimPrefix(s, "owner-")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= MaxOwners {
		return 0, errors.NotFound(errors.PhaseConfig, "owner", name)
	}
	return OwnerID(n), nil
}

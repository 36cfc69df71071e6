package capability

import (
	"fmt"
	"strings"

	"github.com/wippyai/capmem/errors"
)

// Kind is the closed set of capability variants.
type Kind uint8

const (
	// Static grants exactly one region of MaxSize bytes; no partial use.
	Static Kind = iota + 1
	// Dynamic grants any reservation up to the MaxSize ceiling.
	Dynamic
	// Verified behaves like Dynamic, and every provider carries a checksum
	// validated on each access.
	Verified
)

func (k Kind) String() string {
	switch k {
	case Static:
		return "static"
	case Dynamic:
		return "dynamic"
	case Verified:
		return "verified"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the three variants.
func (k Kind) Valid() bool {
	switch k {
	case Static, Dynamic, Verified:
		return true
	default:
		return false
	}
}

// ParseKind resolves a kind name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "static":
		return Static, nil
	case "dynamic":
		return Dynamic, nil
	case "verified":
		return Verified, nil
	default:
		return 0, errors.NotFound(errors.PhaseConfig, "capability kind", s)
	}
}

// SafetyLevel is the assurance level an owner is developed to.
type SafetyLevel uint8

const (
	QM SafetyLevel = iota
	AsilA
	AsilB
	AsilC
	AsilD
)

func (l SafetyLevel) String() string {
	switch l {
	case QM:
		return "QM"
	case AsilA:
		return "ASIL-A"
	case AsilB:
		return "ASIL-B"
	case AsilC:
		return "ASIL-C"
	case AsilD:
		return "ASIL-D"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// ParseSafetyLevel accepts "QM", "ASIL-B", "asil_b", "B" and similar.
func ParseSafetyLevel(s string) (SafetyLevel, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.NewReplacer("ASIL", "", "-", "", "_", "", " ", "").Replace(v)
	switch v {
	case "QM", "":
		return QM, nil
	case "A":
		return AsilA, nil
	case "B":
		return AsilB, nil
	case "C":
		return AsilC, nil
	case "D":
		return AsilD, nil
	default:
		return 0, errors.NotFound(errors.PhaseConfig, "safety level", s)
	}
}

// Allows reports whether an owner at this level may hold a capability of
// kind k. ASIL-C and ASIL-D forbid Dynamic: their regions cannot grow after
// initialization without integrity checking.
func (l SafetyLevel) Allows(k Kind) bool {
	switch k {
	case Static, Verified:
		return true
	case Dynamic:
		return l < AsilC
	default:
		return false
	}
}

// Capability is a permission object bounding how much memory an owner may
// use and under which integrity tier.
type Capability struct {
	Kind    Kind
	MaxSize uint64
	Level   SafetyLevel
}

// NewStatic returns a Static capability of exactly n bytes.
func NewStatic(n uint64) Capability {
	return Capability{Kind: Static, MaxSize: n}
}

// NewDynamic returns a Dynamic capability with a ceiling of n bytes.
func NewDynamic(n uint64) Capability {
	return Capability{Kind: Dynamic, MaxSize: n}
}

// NewVerified returns a Verified capability with a ceiling of n bytes.
func NewVerified(n uint64) Capability {
	return Capability{Kind: Verified, MaxSize: n}
}

// WithLevel returns a copy of c at safety level l.
func (c Capability) WithLevel(l SafetyLevel) Capability {
	c.Level = l
	return c
}

// Checksummed reports whether providers under c carry integrity tags.
func (c Capability) Checksummed() bool {
	return c.Kind == Verified
}

func (c Capability) String() string {
	return fmt.Sprintf("%s(%d, %s)", c.Kind, c.MaxSize, c.Level)
}

package budget

import (
	"sync/atomic"

	"github.com/wippyai/capmem/capability"
)

// NodeID is a stable index into the hierarchy's node table.
type NodeID uint16

const (
	// Root is the global budget node created with the hierarchy.
	Root NodeID = 0
	// None marks the absent parent of the root.
	None NodeID = 0xFFFF
)

const (
	// MaxNodes bounds the node table.
	MaxNodes = 256
	// MaxDepth bounds the root-to-leaf path length, root included.
	MaxDepth = 8
)

type node struct {
	name     string
	granted  uint64
	consumed atomic.Uint64
	peak     atomic.Uint64
	parent   NodeID
	depth    uint8
	owner    capability.OwnerID
	hasOwner bool

	corrupted atomic.Bool
}

func (n *node) notePeak(v uint64) {
	for {
		p := n.peak.Load()
		if v <= p || n.peak.CompareAndSwap(p, v) {
			return
		}
	}
}

// NodeInfo is a point-in-time view of one node.
type NodeInfo struct {
	Name      string
	Granted   uint64
	Consumed  uint64
	Peak      uint64
	ID        NodeID
	Parent    NodeID
	Depth     int
	Owner     capability.OwnerID
	HasOwner  bool
	Corrupted bool
}

// Remaining returns the unreserved part of the grant.
func (i NodeInfo) Remaining() uint64 {
	if i.Corrupted || i.Consumed > i.Granted {
		return 0
	}
	return i.Granted - i.Consumed
}

// Utilization returns consumed/granted in [0, 1].
func (i NodeInfo) Utilization() float64 {
	if i.Granted == 0 {
		return 0
	}
	return float64(i.Consumed) / float64(i.Granted)
}

// Reservation records the nodes charged by one successful Reserve, in
// reservation order (owner first, root last).
type Reservation struct {
	path [MaxDepth]NodeID
	n    uint8
	size uint64
}

// Size returns the reserved amount charged at every level.
func (r Reservation) Size() uint64 {
	return r.size
}

// Path returns the charged nodes in reservation order.
func (r Reservation) Path() []NodeID {
	out := make([]NodeID, r.n)
	copy(out, r.path[:r.n])
	return out
}

// Node returns the node the reservation was requested for.
func (r Reservation) Node() NodeID {
	if r.n == 0 {
		return None
	}
	return r.path[0]
}

// Valid reports whether r came from a successful Reserve.
func (r Reservation) Valid() bool {
	return r.n > 0
}

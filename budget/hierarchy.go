package budget

import (
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
)

// Hierarchy is a tree of budgets rooted at a single global node.
//
// Nodes live in a fixed table and are referenced by NodeID, so the tree is
// allocation-free after construction and acyclic by construction: a node's
// parent always has a smaller ID. Nodes are added during initialization and
// never removed; only consumed amounts change afterwards, through atomic
// compare-and-swap.
type Hierarchy struct {
	nodes  [MaxNodes]node
	count  atomic.Uint32
	mu     sync.Mutex // serializes AddNode/AddOwner
	sealed atomic.Bool
}

// NewHierarchy creates a hierarchy whose root grants global bytes.
func NewHierarchy(global uint64) *Hierarchy {
	h := &Hierarchy{}
	root := &h.nodes[Root]
	root.name = "global"
	root.granted = global
	root.parent = None
	root.depth = 1
	h.count.Store(1)
	return h
}

// AddNode adds a subsystem node under parent.
func (h *Hierarchy) AddNode(name string, parent NodeID, granted uint64) (NodeID, error) {
	return h.add(name, parent, granted, 0, false)
}

// AddOwner adds the budget node of an owner under parent.
func (h *Hierarchy) AddOwner(owner capability.OwnerID, parent NodeID, granted uint64) (NodeID, error) {
	return h.add(owner.String(), parent, granted, owner, true)
}

func (h *Hierarchy) add(name string, parent NodeID, granted uint64, owner capability.OwnerID, hasOwner bool) (NodeID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed.Load() {
		return None, errors.InvalidInput(errors.PhaseBudget, "hierarchy sealed")
	}
	if granted == 0 {
		return None, errors.InvalidInput(errors.PhaseBudget, "node "+strconv.Quote(name)+" has zero budget")
	}
	n := h.count.Load()
	if !h.valid(parent) {
		return None, errors.NotFound(errors.PhaseBudget, "parent node", strconv.Itoa(int(parent)))
	}
	if n >= MaxNodes {
		return None, errors.InvalidInput(errors.PhaseBudget, "node table full")
	}
	p := &h.nodes[parent]
	if int(p.depth) >= MaxDepth {
		return None, errors.InvalidInput(errors.PhaseBudget, "hierarchy too deep under "+strconv.Quote(p.name))
	}
	if hasOwner {
		for i := uint32(0); i < n; i++ {
			if h.nodes[i].hasOwner && h.nodes[i].owner == owner {
				return None, errors.AlreadyRegistered(owner.String())
			}
		}
	}

	id := NodeID(n)
	nd := &h.nodes[id]
	nd.name = name
	nd.granted = granted
	nd.parent = parent
	nd.depth = p.depth + 1
	nd.owner = owner
	nd.hasOwner = hasOwner
	// publish after the node is fully written
	h.count.Store(n + 1)
	return id, nil
}

// Seal ends the initialization phase; no nodes can be added afterwards.
func (h *Hierarchy) Seal() {
	h.sealed.Store(true)
}

// Len returns the number of nodes.
func (h *Hierarchy) Len() int {
	return int(h.count.Load())
}

func (h *Hierarchy) valid(id NodeID) bool {
	return uint32(id) < h.count.Load()
}

// Reserve charges size bytes to id and every ancestor up to the root.
//
// The walk goes owner to root, one compare-and-swap per node. If any level
// cannot absorb size, every charge made so far is rolled back and the
// returned BudgetExhausted error carries the refusing NodeID as its Value.
// A reservation is never partially visible once Reserve returns.
func (h *Hierarchy) Reserve(id NodeID, size uint64) (Reservation, error) {
	if !h.valid(id) {
		return Reservation{}, errors.NotFound(errors.PhaseBudget, "node", strconv.Itoa(int(id)))
	}
	if size == 0 {
		return Reservation{}, errors.InvalidInput(errors.PhaseBudget, "zero-sized reservation")
	}

	r := Reservation{size: size}
	cur := id
	for {
		if err := h.reserveNode(cur, size); err != nil {
			return Reservation{}, multierr.Append(err, h.rollback(&r))
		}
		r.path[r.n] = cur
		r.n++
		if cur == Root {
			return r, nil
		}
		cur = h.nodes[cur].parent
	}
}

func (h *Hierarchy) reserveNode(id NodeID, size uint64) error {
	n := &h.nodes[id]
	for {
		if n.corrupted.Load() {
			return h.corruptedErr(id)
		}
		cur := n.consumed.Load()
		if cur > n.granted {
			h.markCorrupted(id, "consumed exceeds granted")
			return h.corruptedErr(id)
		}
		if avail := n.granted - cur; size > avail {
			return errors.BudgetExhausted(n.name, id, size, avail)
		}
		next := cur + size
		if n.consumed.CompareAndSwap(cur, next) {
			n.notePeak(next)
			return nil
		}
	}
}

func (h *Hierarchy) releaseNode(id NodeID, size uint64) error {
	n := &h.nodes[id]
	for {
		if n.corrupted.Load() {
			return h.corruptedErr(id)
		}
		cur := n.consumed.Load()
		if cur < size {
			h.markCorrupted(id, "release exceeds consumed")
			return h.corruptedErr(id)
		}
		if n.consumed.CompareAndSwap(cur, cur-size) {
			return nil
		}
	}
}

func (h *Hierarchy) rollback(r *Reservation) error {
	var err error
	for i := int(r.n) - 1; i >= 0; i-- {
		err = multierr.Append(err, h.releaseNode(r.path[i], r.size))
	}
	r.n = 0
	return err
}

// Release returns a reservation, walking the charged path in reverse
// (root first). Every node is visited even if one of them fails.
func (h *Hierarchy) Release(r Reservation) error {
	if !r.Valid() {
		return errors.InvalidInput(errors.PhaseBudget, "release of an empty reservation")
	}
	return h.rollback(&r)
}

// MarkCorrupted moves a node into the Corrupted state. Every later
// operation on it fails with InvariantViolation. Used by CheckInvariants and
// by external integrity checks.
func (h *Hierarchy) MarkCorrupted(id NodeID) {
	if h.valid(id) {
		h.markCorrupted(id, "marked corrupted")
	}
}

func (h *Hierarchy) markCorrupted(id NodeID, why string) {
	n := &h.nodes[id]
	if n.corrupted.CompareAndSwap(false, true) {
		Logger().Error("budget node corrupted",
			zap.String("node", n.name),
			zap.Uint16("id", uint16(id)),
			zap.Uint64("granted", n.granted),
			zap.Uint64("consumed", n.consumed.Load()),
			zap.String("reason", why))
	}
}

func (h *Hierarchy) corruptedErr(id NodeID) *errors.Error {
	e := errors.InvariantViolation(errors.PhaseBudget, "node "+strconv.Quote(h.nodes[id].name)+" is corrupted")
	e.Value = id
	return e
}

// Corrupted reports whether a node is in the Corrupted state.
func (h *Hierarchy) Corrupted(id NodeID) bool {
	return h.valid(id) && h.nodes[id].corrupted.Load()
}

// Consumed returns the bytes currently reserved at id (including its
// descendants' reservations).
func (h *Hierarchy) Consumed(id NodeID) uint64 {
	if !h.valid(id) {
		return 0
	}
	return h.nodes[id].consumed.Load()
}

// Granted returns the budget of id.
func (h *Hierarchy) Granted(id NodeID) uint64 {
	if !h.valid(id) {
		return 0
	}
	return h.nodes[id].granted
}

// Remaining returns granted minus consumed at id, 0 for corrupted nodes.
func (h *Hierarchy) Remaining(id NodeID) uint64 {
	if !h.valid(id) {
		return 0
	}
	return h.Node(id).Remaining()
}

// PathRemaining returns the smallest remaining budget from id to the root:
// the largest reservation that could currently succeed at id.
func (h *Hierarchy) PathRemaining(id NodeID) uint64 {
	if !h.valid(id) {
		return 0
	}
	least := ^uint64(0)
	for cur := id; ; cur = h.nodes[cur].parent {
		if r := h.Remaining(cur); r < least {
			least = r
		}
		if cur == Root {
			return least
		}
	}
}

// Peak returns the high-water mark of consumed at id.
func (h *Hierarchy) Peak(id NodeID) uint64 {
	if !h.valid(id) {
		return 0
	}
	return h.nodes[id].peak.Load()
}

// Parent returns the parent of id, None for the root.
func (h *Hierarchy) Parent(id NodeID) NodeID {
	if !h.valid(id) {
		return None
	}
	return h.nodes[id].parent
}

// Lookup finds a node by name.
func (h *Hierarchy) Lookup(name string) (NodeID, bool) {
	n := h.count.Load()
	for i := uint32(0); i < n; i++ {
		if h.nodes[i].name == name {
			return NodeID(i), true
		}
	}
	return None, false
}

// OwnerNode finds the node created for owner.
func (h *Hierarchy) OwnerNode(owner capability.OwnerID) (NodeID, bool) {
	n := h.count.Load()
	for i := uint32(0); i < n; i++ {
		if h.nodes[i].hasOwner && h.nodes[i].owner == owner {
			return NodeID(i), true
		}
	}
	return None, false
}

// Node returns a snapshot of one node.
func (h *Hierarchy) Node(id NodeID) NodeInfo {
	if !h.valid(id) {
		return NodeInfo{ID: id, Parent: None}
	}
	n := &h.nodes[id]
	return NodeInfo{
		ID:        id,
		Name:      n.name,
		Parent:    n.parent,
		Depth:     int(n.depth),
		Owner:     n.owner,
		HasOwner:  n.hasOwner,
		Granted:   n.granted,
		Consumed:  n.consumed.Load(),
		Peak:      n.peak.Load(),
		Corrupted: n.corrupted.Load(),
	}
}

// Snapshot returns every node in ID order. Values are read node by node,
// so under concurrent traffic the snapshot is not a single atomic cut.
func (h *Hierarchy) Snapshot() []NodeInfo {
	n := h.count.Load()
	out := make([]NodeInfo, n)
	for i := uint32(0); i < n; i++ {
		out[i] = h.Node(NodeID(i))
	}
	return out
}

// Children returns the direct children of id in ID order.
func (h *Hierarchy) Children(id NodeID) []NodeID {
	var out []NodeID
	n := h.count.Load()
	for i := uint32(1); i < n; i++ {
		if h.nodes[i].parent == id {
			out = append(out, NodeID(i))
		}
	}
	return out
}

// Walk visits nodes depth-first from the root, parents before children.
// Returning false from fn skips the node's subtree.
func (h *Hierarchy) Walk(fn func(NodeInfo) bool) {
	h.walk(Root, fn)
}

func (h *Hierarchy) walk(id NodeID, fn func(NodeInfo) bool) {
	if !fn(h.Node(id)) {
		return
	}
	for _, c := range h.Children(id) {
		h.walk(c, fn)
	}
}

// CheckInvariants verifies consumed <= granted at every node and that the
// direct children of every node never consume more than the node itself.
// Nodes failing a check are marked corrupted. Only meaningful while the
// hierarchy is quiescent.
func (h *Hierarchy) CheckInvariants() error {
	var err error
	snap := h.Snapshot()
	childSum := make([]uint64, len(snap))
	for _, info := range snap[1:] {
		childSum[info.Parent] += info.Consumed
	}
	for _, info := range snap {
		if info.Consumed > info.Granted {
			h.markCorrupted(info.ID, "consumed exceeds granted")
			err = multierr.Append(err, h.corruptedErr(info.ID))
			continue
		}
		if childSum[info.ID] > info.Consumed {
			h.markCorrupted(info.ID, "children consume more than parent")
			err = multierr.Append(err, h.corruptedErr(info.ID))
		}
	}
	return err
}

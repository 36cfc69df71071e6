// Package budget implements the hierarchical budget tree that bounds every
// allocation in capmem.
//
// A Hierarchy is rooted at one global node; subsystem and owner nodes are
// added beneath it during initialization:
//
//	h := budget.NewHierarchy(8 << 20)
//	rt, _ := h.AddNode("runtime", budget.Root, 4<<20)
//	dec, _ := h.AddOwner(capability.Decoder, rt, 512<<10)
//
// Reserve charges a size at a node and at every ancestor, owner to root,
// with one compare-and-swap per node and no locks. When any level would
// exceed its grant, the partial charges are rolled back before Reserve
// returns, so a failed reservation is never visible:
//
//	r, err := h.Reserve(dec, 4096)
//	if err != nil {
//	    // errors.KindBudgetExhausted, Value is the refusing NodeID
//	}
//	defer h.Release(r)
//
// Each node moves between Idle (consumed 0) and Reserved(k). A node that
// is ever observed with consumed > granted, or asked to release more than it
// holds, becomes Corrupted and fails every later operation with
// InvariantViolation.
package budget

package capmodel

import "github.com/tailspring/tailspring/internal/tserr"

// CapTable is the ordered sequence of caps plus the bump allocator
// that assigns every cap its address. Slot 0 is reserved as a scratch
// slot (used as the temporary destination of a CNodeCreate before its
// Mutate relocates it) and is never handed out by Append.
type CapTable struct {
	caps        []*Cap
	byName      map[string]*Cap
	nextFreeSlot int
}

// NewCapTable returns an empty table with the next free slot at 1.
func NewCapTable() *CapTable {
	return &CapTable{
		byName:       make(map[string]*Cap),
		nextFreeSlot: 1,
	}
}

// Append assigns cap.Address = next free slot, then advances the
// allocator. The kind of cap (CNode or plain Cap) is irrelevant -
// every named capability-carrying entity lives in the same table.
func (t *CapTable) Append(cap *Cap) {
	cap.Address = t.nextFreeSlot
	cap.addressSet = true
	t.nextFreeSlot++
	t.caps = append(t.caps, cap)
	t.byName[cap.Name] = cap
}

// ByName looks a cap up by name.
func (t *CapTable) ByName(name string) (*Cap, error) {
	cap, ok := t.byName[name]
	if !ok {
		return nil, tserr.Config(name, "no cap with this name")
	}
	return cap, nil
}

// Has reports whether a cap with the given name has already been
// appended - config ingestion uses this to reject duplicate names
// across sections.
func (t *CapTable) Has(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// All returns every cap in insertion order.
func (t *CapTable) All() []*Cap {
	return t.caps
}

// SlotsRequired returns the number of slots the generated system needs
// - the next free slot, since slots are assigned densely from 1.
func (t *CapTable) SlotsRequired() int {
	return t.nextFreeSlot
}

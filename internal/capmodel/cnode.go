package capmodel

import "github.com/tailspring/tailspring/internal/tserr"

// CNode is a Cap with the extra fields spec §3 names: its size in
// bits, its guard in bits, and the slots it has been asked to hold.
// The kernel depth of a capability installed in this CNode is
// SizeBits + GuardBits.
type CNode struct {
	*Cap
	SizeBits  int
	GuardBits int
	Slots     map[int]*Cap

	// GPUntypedsStart/End mark the optional slot range handed to this
	// CNode by a PassGPUntypeds operation (spec §4.4 step 3, §4.7).
	// Nil until set by the config ingester for the one designated
	// gp_untypeds_cnode, if any.
	GPUntypedsStart *int
	GPUntypedsEnd   *int
}

// Depth returns the kernel depth (size + guard) slots in this CNode
// are installed at.
func (c *CNode) Depth() int { return c.SizeBits + c.GuardBits }

// NewCNode builds a CNode, validating that every slot index in slots
// falls within [0, 1<<sizeBits) per spec §3's invariant.
func NewCNode(name string, sizeBits, guardBits int, slots map[int]*Cap) (*CNode, error) {
	limit := 1 << sizeBits
	for idx := range slots {
		if idx < 0 || idx >= limit {
			return nil, tserr.Config(name, "slot index %d out of range for size_bits=%d (must be in [0, %d))", idx, sizeBits, limit)
		}
	}
	return &CNode{
		Cap:       NewCap(name, KindCNode),
		SizeBits:  sizeBits,
		GuardBits: guardBits,
		Slots:     slots,
	}, nil
}

// CapModification is the tuple (dest, src, rights, badge) of spec §3.
// Constructing one allocates a fresh Cap of the same kind as src,
// named dest's name.
type CapModification struct {
	Dest   *Cap
	Src    *Cap
	Rights []Right
	Badge  uint64
}

// NewCapModification builds the destination Cap and the modification
// record. src must be derivable.
func NewCapModification(destName string, src *Cap, rights []Right, badge uint64) (*CapModification, error) {
	if !src.Derivable {
		return nil, tserr.Config(destName, "source cap %q of kind %q is not derivable", src.Name, src.Kind)
	}
	return &CapModification{
		Dest:   NewCap(destName, src.Kind),
		Src:    src,
		Rights: rights,
		Badge:  badge,
	}, nil
}

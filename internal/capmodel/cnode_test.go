package capmodel

import "testing"

func TestNewCNodeRejectsOutOfRangeSlot(t *testing.T) {
	slots := map[int]*Cap{4: NewCap("x", KindTCB)}
	if _, err := NewCNode("cn", 2, 0, slots); err == nil {
		t.Fatal("slot 4 is out of range for size_bits=2 (max 4 slots), expected an error")
	}
}

func TestNewCNodeAcceptsBoundarySlot(t *testing.T) {
	slots := map[int]*Cap{3: NewCap("x", KindTCB)}
	cn, err := NewCNode("cn", 2, 1, slots)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cn.Depth() != 3 {
		t.Fatalf("Depth() = %d, want size_bits(2)+guard_bits(1)=3", cn.Depth())
	}
}

func TestNewCapModificationRequiresDerivableSource(t *testing.T) {
	underivableSrc := NewCap("pt", KindPageTable)
	if _, err := NewCapModification("dest", underivableSrc, nil, 0); err == nil {
		t.Fatal("minting from an underivable source should fail")
	}

	derivableSrc := NewCap("ep", KindEndpoint)
	mod, err := NewCapModification("dest", derivableSrc, []Right{RightRead}, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mod.Dest.Kind != KindEndpoint {
		t.Fatalf("derived cap kind = %v, want endpoint (same kind as source)", mod.Dest.Kind)
	}
	if mod.Badge != 7 {
		t.Fatalf("Badge = %d, want 7", mod.Badge)
	}
}

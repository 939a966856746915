// Package capmodel is Tailspring's object model (spec §3): the typed
// entities - Cap, CNode, CapModification, VSpace, Thread, BinaryChunk -
// and the CapTable that assigns every cap a stable address.
package capmodel

// CapKind is a tagged variant over the kernel object kinds a Cap can
// name. The string value is the seL4 object-kind string used to look
// up size_bits in the seL4 info's object_sizes map.
type CapKind string

const (
	KindTCB           CapKind = "seL4_TCBObject"
	KindEndpoint      CapKind = "seL4_EndpointObject"
	KindCNode         CapKind = "seL4_CapTableObject"
	KindPML4          CapKind = "seL4_X64_PML4Object"
	KindPDPT          CapKind = "seL4_X86_PDPTObject"
	KindPageDirectory CapKind = "seL4_X86_PageDirectoryObject"
	KindPageTable     CapKind = "seL4_X86_PageTableObject"
	KindX864K         CapKind = "seL4_X86_4K"

	// KindFrame and KindVSpace are architecture-dependent aliases,
	// resolved once at startup the way the Python original reassigns
	// them via extend_CapType_enums_with_arch. On x86-64 (the only
	// enumerated architecture) a frame is a 4K page and a vspace is a
	// PML4.
	KindFrame  CapKind = KindX864K
	KindVSpace CapKind = KindPML4
)

// kindNames maps the config file's short kind names to CapKind.
var kindNames = map[string]CapKind{
	"tcb":            KindTCB,
	"endpoint":       KindEndpoint,
	"cnode":          KindCNode,
	"pml4":           KindPML4,
	"pdpt":           KindPDPT,
	"page_directory": KindPageDirectory,
	"page_table":     KindPageTable,
	"x86_4K":         KindX864K,
	"frame":          KindFrame,
	"vspace":         KindVSpace,
}

// ParseKind resolves a config-file kind string to a CapKind.
func ParseKind(s string) (CapKind, bool) {
	k, ok := kindNames[s]
	return k, ok
}

// underivable is the set of cap kinds that may not appear as the
// source of a Mint/Copy. Per spec.md's Open Question (i), pml4 is
// deliberately absent from this set even though it is, like the other
// paging structures, never copied in practice - the spec preserves
// that asymmetry rather than "fixing" it.
var underivable = map[CapKind]bool{
	KindPDPT:          true,
	KindPageDirectory: true,
	KindPageTable:     true,
}

// IsUnderivable reports whether kind may not be the source of a
// CapModification.
func IsUnderivable(kind CapKind) bool {
	return underivable[kind]
}

// Right is a capability right that can be granted through a Mint.
type Right int

const (
	RightRead Right = iota
	RightWrite
	RightGrant
	RightGrantReply
)

func (r Right) cExpr() string {
	switch r {
	case RightRead:
		return "CAP_ALLOW_READ"
	case RightWrite:
		return "CAP_ALLOW_WRITE"
	case RightGrant:
		return "CAP_ALLOW_GRANT"
	case RightGrantReply:
		return "CAP_ALLOW_GRANT_REPLY"
	default:
		return ""
	}
}

// ParseRight resolves a config-file right name to a Right.
func ParseRight(s string) (Right, bool) {
	switch s {
	case "read":
		return RightRead, true
	case "write":
		return RightWrite, true
	case "grant":
		return RightGrant, true
	case "grant_reply":
		return RightGrantReply, true
	default:
		return 0, false
	}
}

// RightsCExpr renders a set of rights as the C expression the emitter
// writes into a mint_op's .rights field: "0" when empty, otherwise an
// OR of CAP_ALLOW_* flags.
func RightsCExpr(rights []Right) string {
	if len(rights) == 0 {
		return "0"
	}
	s := ""
	for i, r := range rights {
		if i > 0 {
			s += " | "
		}
		s += r.cExpr()
	}
	return "(" + s + ")"
}

// Cap is the tuple (name, kind, address, derivable?) of spec §3. A
// Cap's Address is assigned exactly once, by CapTable.Append.
type Cap struct {
	Name       string
	Kind       CapKind
	Address    int
	Derivable  bool
	addressSet bool
}

// NewCap builds a cap of the given kind, derivable unless
// IsUnderivable(kind). Derivability is an independent per-kind
// predicate, not a property every caller has to set by hand; the
// paging planner's nodes get theirs this way too.
func NewCap(name string, kind CapKind) *Cap {
	return &Cap{Name: name, Kind: kind, Derivable: !IsUnderivable(kind)}
}

// NewCapDerivable builds a cap with an explicit derivability flag
// instead of the per-kind default.
func NewCapDerivable(name string, kind CapKind, derivable bool) *Cap {
	return &Cap{Name: name, Kind: kind, Derivable: derivable}
}

// HasAddress reports whether CapTable.Append has already assigned this
// cap an address.
func (c *Cap) HasAddress() bool {
	return c.addressSet
}

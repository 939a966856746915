// Package archdesc is the architecture descriptor of §4.1: the
// top-down order of paging-structure kinds, how many vaddr bits each
// level translates, and the symbolic mapping-function name the
// generated header must enable for it.
//
// Tailspring enumerates a single architecture (x86-64); the Target-style
// split seen elsewhere in the wider toolchain (ISA vs. OS) collapses
// here to just the ISA, since the generator never touches an OS ABI.
package archdesc

import "github.com/tailspring/tailspring/internal/capmodel"

// Arch identifies the target architecture. Tailspring's non-goals rule
// out abstracting over more than one.
type Arch int

const (
	X86_64 Arch = iota
)

func (a Arch) String() string {
	switch a {
	case X86_64:
		return "x86_64"
	default:
		return "unknown"
	}
}

// ParseArch maps the seL4 info getter's "arch" field to an Arch.
func ParseArch(s string) (Arch, bool) {
	if s == "x86_64" {
		return X86_64, true
	}
	return 0, false
}

// Info is the architecture descriptor: the ordered list of paging
// levels plus the per-level metadata §4.1 calls for.
type Info struct {
	order        []capmodel.CapKind
	bits         map[capmodel.CapKind]int
	mappingFuncs map[capmodel.CapKind]string
}

// For returns the descriptor for the given architecture.
func For(arch Arch) *Info {
	switch arch {
	case X86_64:
		return &Info{
			order: []capmodel.CapKind{
				capmodel.KindPML4,
				capmodel.KindPDPT,
				capmodel.KindPageDirectory,
				capmodel.KindPageTable,
				capmodel.KindX864K,
			},
			bits: map[capmodel.CapKind]int{
				capmodel.KindPML4:          9,
				capmodel.KindPDPT:          9,
				capmodel.KindPageDirectory: 9,
				capmodel.KindPageTable:     9,
				capmodel.KindX864K:         12,
			},
			mappingFuncs: map[capmodel.CapKind]string{
				capmodel.KindPML4:          "X86_ASIDPool_Assign",
				capmodel.KindPDPT:          "X86_PDPT_Map",
				capmodel.KindPageDirectory: "X86_PageDirectory_Map",
				capmodel.KindPageTable:     "X86_PageTable_Map",
				capmodel.KindX864K:         "X86_PAGE_MAP",
			},
		}
	default:
		return nil
	}
}

// Order returns the top-down list of paging-structure kinds, the leaf
// page kind last.
func (info *Info) Order() []capmodel.CapKind { return info.order }

// Topmost returns the architecture's top-level paging structure kind
// (e.g. pml4), which doubles as the "vspace" kind.
func (info *Info) Topmost() capmodel.CapKind { return info.order[0] }

// IsTopmost reports whether kind is the architecture's topmost
// paging-structure kind.
func (info *Info) IsTopmost(kind capmodel.CapKind) bool {
	return info.order[0] == kind
}

// NextBelow returns the paging-structure kind one level below kind, or
// false if kind is already the leaf.
func (info *Info) NextBelow(kind capmodel.CapKind) (capmodel.CapKind, bool) {
	for i, k := range info.order {
		if k == kind {
			if i+1 < len(info.order) {
				return info.order[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// Bits returns how many bits of vaddr the given paging-structure kind
// translates.
func (info *Info) Bits(kind capmodel.CapKind) int { return info.bits[kind] }

// CumulativeBitsAtOrBelow sums Bits from kind down through the leaf
// page kind - how many bits of address space a structure at this
// level can address.
func (info *Info) CumulativeBitsAtOrBelow(kind capmodel.CapKind) int {
	total := 0
	found := false
	for _, k := range info.order {
		if k == kind {
			found = true
		}
		if found {
			total += info.bits[k]
		}
	}
	return total
}

// MappingFunc returns the symbolic mapping-function name for kind,
// without the "wrapper_" or "ENABLE_" prefixes the emitter adds.
func (info *Info) MappingFunc(kind capmodel.CapKind) string { return info.mappingFuncs[kind] }

// MappingFuncEnableLines renders one "ENABLE_<UPPERCASED_MAP_FUNC>"
// line per paging level, in architecture order.
func (info *Info) MappingFuncEnableLines() []string {
	lines := make([]string, 0, len(info.order))
	for _, kind := range info.order {
		lines = append(lines, "ENABLE_"+upper(info.mappingFuncs[kind]))
	}
	return lines
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

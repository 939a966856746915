// Package pagetree builds, per vspace, the tree of paging-structure
// caps needed to cover every binary chunk's destination range (§4.3).
// It stops one level above the leaf page kind: Tailspring tracks page
// tables, directories, and the like as named caps, but never
// individual frames - the runtime loader retypes and maps those
// itself as it executes a chunk-load operation.
package pagetree

import (
	"fmt"

	"github.com/tailspring/tailspring/internal/archdesc"
	"github.com/tailspring/tailspring/internal/capmodel"
)

// Range is a half-open vaddr interval [Lower, Upper).
type Range struct {
	Lower uint64
	Upper uint64
}

// OverlapsWith reports whether r and other share any address, treating
// both as half-open intervals.
func (r Range) OverlapsWith(other Range) bool {
	lower, upper := r, other
	if other.Lower < r.Lower {
		lower, upper = other, r
	}
	return upper.Lower < lower.Upper
}

// Node is one paging structure at one vaddr: a page table mapped at
// 0x200000, say. Children are keyed by their index within this node's
// entry array.
type Node struct {
	Kind     capmodel.CapKind
	Vaddr    uint64
	Cap      *capmodel.Cap // nil for the topmost node, which reuses the vspace's own cap
	Children map[int]*Node

	arch *archdesc.Info
}

// NewRoot returns the topmost (vspace-level) node of a fresh tree,
// rooted at vaddr 0.
func NewRoot(arch *archdesc.Info) *Node {
	return &Node{Kind: arch.Topmost(), Vaddr: 0, Children: make(map[int]*Node), arch: arch}
}

func (n *Node) addressableBits() int { return n.arch.Bits(n.Kind) }

// totalAddressableBits is how many vaddr bits this node and everything
// below it can translate.
func (n *Node) totalAddressableBits() int { return n.arch.CumulativeBitsAtOrBelow(n.Kind) }

// Cover ensures this node (and recursively, its children) has a child
// for every lower paging structure whose range overlaps rangeToCover,
// appending each newly created child's cap to table so it receives an
// address and counts toward SlotsRequired. It does nothing once the
// next level below this one is the leaf page kind - individual frames
// are never tracked as tree nodes.
func (n *Node) Cover(table *capmodel.CapTable, vspaceName string, rangeToCover Range) {
	below, ok := n.arch.NextBelow(n.Kind)
	if !ok {
		return
	}
	if _, ok := n.arch.NextBelow(below); !ok {
		return
	}

	possibleChildren := 1 << n.addressableBits()
	childBits := n.totalAddressableBits() - n.addressableBits()

	for i := 0; i < possibleChildren; i++ {
		candidateLower := n.Vaddr + (uint64(i) << childBits)
		candidateUpper := candidateLower + (1 << childBits)
		candidate := Range{Lower: candidateLower, Upper: candidateUpper}

		if !rangeToCover.OverlapsWith(candidate) {
			continue
		}

		child, exists := n.Children[i]
		if !exists {
			name := fmt.Sprintf("%s_%s_%d__", vspaceName, shortKindName(below), candidateLower)
			cap := capmodel.NewCap(name, below)
			table.Append(cap)
			child = &Node{
				Kind:     below,
				Vaddr:    candidateLower,
				Cap:      cap,
				Children: make(map[int]*Node),
				arch:     n.arch,
			}
			n.Children[i] = child
		}
		child.Cover(table, vspaceName, rangeToCover)
	}
}

// Walk calls visit on this node and every descendant, parent before
// child, in deterministic child-index order.
func (n *Node) Walk(visit func(*Node)) {
	visit(n)
	for i := 0; i < (1 << n.addressableBits()); i++ {
		if child, ok := n.Children[i]; ok {
			child.Walk(visit)
		}
	}
}

// shortKindName renders a generated paging-cap name fragment, matching
// the original tool's enum member names rather than the longer seL4
// object-type strings.
func shortKindName(kind capmodel.CapKind) string {
	switch kind {
	case capmodel.KindPML4:
		return "pml4"
	case capmodel.KindPDPT:
		return "pdpt"
	case capmodel.KindPageDirectory:
		return "page_directory"
	case capmodel.KindPageTable:
		return "page_table"
	case capmodel.KindX864K:
		return "x86_4K"
	default:
		return string(kind)
	}
}

// Tree is the root node plus the vspace cap it maps, keyed by vspace
// name by BuildAll.
type Tree struct {
	VSpaceName string
	VSpace     *capmodel.VSpace
	Root       *Node
}

// BuildAll constructs one paging tree per vspace, covering every one
// of its chunks' aligned destination ranges. Every paging-structure
// cap created along the way is appended to table, the same CapTable
// the rest of the model's caps live in.
func BuildAll(table *capmodel.CapTable, arch *archdesc.Info, vspaceNames []string, vspaces map[string]*capmodel.VSpace) map[string]*Tree {
	trees := make(map[string]*Tree, len(vspaceNames))
	for _, name := range vspaceNames {
		vs := vspaces[name]
		root := NewRoot(arch)
		for _, chunk := range vs.Chunks {
			root.Cover(table, name, Range{
				Lower: chunk.DestVaddrAligned,
				Upper: chunk.DestVaddrAligned + chunk.TotalLength,
			})
		}
		trees[name] = &Tree{VSpaceName: name, VSpace: vs, Root: root}
	}
	return trees
}

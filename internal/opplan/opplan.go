// Package opplan generates the flat, ordered list of capability
// operations a runtime loader must execute to bring up the system
// (§4.7): create every cap and cnode, mint and copy modifications into
// place, build and map each vspace's paging structures, load binary
// chunks, set up and start every thread, and hand off general-purpose
// untypeds if the config designated a cnode for them.
package opplan

import (
	"fmt"
	"sort"

	"github.com/tailspring/tailspring/internal/archdesc"
	"github.com/tailspring/tailspring/internal/capmodel"
	"github.com/tailspring/tailspring/internal/config"
	"github.com/tailspring/tailspring/internal/pagetree"
	"github.com/tailspring/tailspring/internal/sel4info"
	"github.com/tailspring/tailspring/internal/threadlayout"
	"github.com/tailspring/tailspring/internal/tserr"
)

// Class distinguishes an operation's C union tag, used both for
// rendering and for the non-create portion of the sort order.
type Class int

const (
	ClassCapCreate Class = iota
	ClassCNodeCreate
	ClassMint
	ClassCopy
	ClassMap
	ClassBinaryChunkLoad
	ClassMapFrame
	ClassTCBSetup
	ClassPassGPUntypeds
	ClassPassGPMemoryInfo
	ClassTCBStart
)

// sortOrder is the fixed tiebreak order for every non-create class,
// matching the original tool's op_order list exactly.
var sortOrder = map[Class]int{
	ClassMint:             0,
	ClassCopy:             1,
	ClassMap:              2,
	ClassBinaryChunkLoad:  3,
	ClassMapFrame:         4,
	ClassTCBSetup:         5,
	ClassPassGPUntypeds:   6,
	ClassPassGPMemoryInfo: 7,
	ClassTCBStart:         8,
}

// Operation is one entry of the generated operation list. Exactly one
// of the per-class payload fields is meaningful, selected by Class;
// render-time code never needs to know which, since Entries renders
// each operation independently.
type Operation struct {
	Class Class

	// Populated for ClassCapCreate and ClassCNodeCreate, and used by
	// the sort: create ops sort before everything else, largest first.
	BytesRequired uint64

	CapCreate      *capCreate
	CNodeCreate    *cnodeCreate
	Mint           *mintOp
	Copy           *copyOp
	Map            *mapOp
	BinaryChunk    *binaryChunkLoadOp
	MapFrame       *mapFrameOp
	TCBSetup       *tcbSetupOp
	PassGPUntypeds *passGPUntypedsOp
	PassGPMemInfo  *passGPMemoryInfoOp
	TCBStart       *tcbStartOp
}

type capCreate struct {
	dest     *capmodel.Cap
	sizeBits int
}

type cnodeCreate struct {
	dest     *capmodel.CNode
	slotBits int
}

type mintOp struct {
	src, dest *capmodel.Cap
	rights    []capmodel.Right
	badge     uint64
}

type copyOp struct {
	src       *capmodel.Cap
	dest      *capmodel.CNode
	slotIndex int
}

type mapOp struct {
	service, vspace *capmodel.Cap
	vaddr           uint64
	mapFunc         string
}

type binaryChunkLoadOp struct {
	startSymbol string
	destVaddr   uint64
	length      uint64
	destVSpace  *capmodel.Cap
}

type mapFrameOp struct {
	frame, vspace *capmodel.Cap
	vaddr         uint64
}

type tcbSetupOp struct {
	tcb, cspace, vspace, ipcBuffer     *capmodel.Cap
	ipcBufferAddr, entryAddr           uint64
	stackPointerAddr, arg0, arg1, arg2 uint64
}

type passGPUntypedsOp struct {
	cnodeDest          *capmodel.Cap
	startSlot, endSlot int
	cnodeDepth         int
}

type passGPMemoryInfoOp struct {
	destVaddr  uint64
	frame      *capmodel.Cap
	destVSpace *capmodel.Cap
}

type tcbStartOp struct {
	tcb *capmodel.Cap
}

// Plan generates every operation the system needs and returns them in
// final, emit-ready order.
func Plan(m *config.Model, arch *archdesc.Info, trees map[string]*pagetree.Tree, layout *threadlayout.Result, info *sel4info.Info) ([]*Operation, error) {
	var ops []*Operation

	objectSize := func(kind capmodel.CapKind) (int, error) {
		bits, ok := info.ObjectSizes[string(kind)]
		if !ok {
			return 0, tserr.Internal(string(kind), "seL4 info has no object size for this kind")
		}
		return bits, nil
	}

	// caps section: create a non-cnode cap for each.
	for _, name := range m.CapNames {
		cap, err := m.CapTable.ByName(name)
		if err != nil {
			return nil, err
		}
		sizeBits, err := objectSize(cap.Kind)
		if err != nil {
			return nil, err
		}
		ops = append(ops, &Operation{
			Class:         ClassCapCreate,
			BytesRequired: uint64(1) << sizeBits,
			CapCreate:     &capCreate{dest: cap, sizeBits: sizeBits},
		})
	}

	// cnodes section: create + mutate-into-place.
	slotBits, ok := info.Literals[sel4info.LitSlotBits]
	if !ok {
		return nil, tserr.Internal("<sel4info>", "missing literal %q", sel4info.LitSlotBits)
	}
	for _, name := range m.CNodeNames {
		cnode := m.CNodes[name]
		ops = append(ops, &Operation{
			Class:         ClassCNodeCreate,
			BytesRequired: uint64(1) << (uint(cnode.SizeBits) + uint(slotBits)),
			CNodeCreate:   &cnodeCreate{dest: cnode, slotBits: int(slotBits)},
		})
	}

	// cap_modifications section: mint each derived cap.
	for _, name := range m.CapModNames {
		mod := m.CapModifications[name]
		ops = append(ops, &Operation{
			Class: ClassMint,
			Mint:  &mintOp{src: mod.Src, dest: mod.Dest, rights: mod.Rights, badge: mod.Badge},
		})
	}

	// cnodes section again: copy every occupied slot's cap into place.
	for _, name := range m.CNodeNames {
		cnode := m.CNodes[name]
		indices := make([]int, 0, len(cnode.Slots))
		for idx := range cnode.Slots {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			ops = append(ops, &Operation{
				Class: ClassCopy,
				Copy:  &copyOp{src: cnode.Slots[idx], dest: cnode, slotIndex: idx},
			})
		}
	}

	// Paging structures: create + map, topmost (vspace) down through
	// the tree, per vspace.
	for _, vsName := range m.VSpaceNames {
		tree, ok := trees[vsName]
		if !ok {
			continue
		}
		vspaceCap := m.VSpaces[vsName].Cap
		var walkErr error
		tree.Root.Walk(func(n *pagetree.Node) {
			if walkErr != nil {
				return
			}
			cap := n.Cap
			if cap == nil {
				cap = vspaceCap
			}
			sizeBits, err := objectSize(n.Kind)
			if err != nil {
				walkErr = err
				return
			}
			ops = append(ops, &Operation{
				Class:         ClassCapCreate,
				BytesRequired: uint64(1) << sizeBits,
				CapCreate:     &capCreate{dest: cap, sizeBits: sizeBits},
			})
			ops = append(ops, &Operation{
				Class: ClassMap,
				Map: &mapOp{
					service: cap,
					vspace:  vspaceCap,
					vaddr:   n.Vaddr,
					mapFunc: "wrapper_" + arch.MappingFunc(n.Kind),
				},
			})
		})
		if walkErr != nil {
			return nil, walkErr
		}
	}

	// Binary chunks: load every vspace's chunks (segments, then the
	// per-thread stack chunks threadlayout appended).
	for _, vsName := range m.VSpaceNames {
		vs := m.VSpaces[vsName]
		for _, chunk := range vs.Chunks {
			ops = append(ops, &Operation{
				Class: ClassBinaryChunkLoad,
				BinaryChunk: &binaryChunkLoadOp{
					startSymbol: chunk.StartSymbol,
					destVaddr:   chunk.DestVaddrAligned,
					length:      chunk.TotalLength,
					destVSpace:  vs.Cap,
				},
			})
		}
	}

	// IPC buffer frames threadlayout placed.
	for _, mf := range layout.MappedFrames {
		ops = append(ops, &Operation{
			Class:    ClassMapFrame,
			MapFrame: &mapFrameOp{frame: mf.Frame, vspace: mf.VSpace.Cap, vaddr: mf.Vaddr},
		})
	}

	// General-purpose memory info frames: one CapCreate plus one
	// PassGPMemoryInfo per vspace that needed one (§4.4 step 3).
	for _, gi := range layout.GPMemoryInfos {
		frameSizeBits, err := objectSize(capmodel.KindFrame)
		if err != nil {
			return nil, err
		}
		ops = append(ops, &Operation{
			Class:         ClassCapCreate,
			BytesRequired: uint64(1) << frameSizeBits,
			CapCreate:     &capCreate{dest: gi.Frame, sizeBits: frameSizeBits},
		})
		ops = append(ops, &Operation{
			Class: ClassPassGPMemoryInfo,
			PassGPMemInfo: &passGPMemoryInfoOp{
				destVaddr:  gi.Vaddr,
				frame:      gi.Frame,
				destVSpace: gi.VSpace.Cap,
			},
		})
	}

	// Threads: set up TCB state for each.
	for _, name := range m.ThreadNames {
		t := m.Threads[name]
		ops = append(ops, &Operation{
			Class: ClassTCBSetup,
			TCBSetup: &tcbSetupOp{
				tcb: t.TCB, cspace: t.CSpace, vspace: t.VSpace.Cap, ipcBuffer: t.IPCBuffer,
				ipcBufferAddr: t.IPCBufferAddr, entryAddr: t.EntryAddr,
				stackPointerAddr: t.StackPointerAddr, arg0: t.Arg0, arg1: t.Arg1, arg2: t.Arg2,
			},
		})
	}

	// Hand off the general-purpose untyped range, if the config
	// designated one cnode for it.
	if m.GPUntypedsCNode != nil {
		cnode := m.GPUntypedsCNode
		if cnode.GPUntypedsStart == nil || cnode.GPUntypedsEnd == nil {
			return nil, tserr.Internal(cnode.Name, "gp_untypeds_cnode has no slot range assigned")
		}
		ops = append(ops, &Operation{
			Class: ClassPassGPUntypeds,
			PassGPUntypeds: &passGPUntypedsOp{
				cnodeDest: cnode.Cap,
				startSlot: *cnode.GPUntypedsStart,
				endSlot:   *cnode.GPUntypedsEnd,
				cnodeDepth: cnode.Depth(),
			},
		})
	}

	// Start every thread, last.
	for _, name := range m.ThreadNames {
		t := m.Threads[name]
		ops = append(ops, &Operation{Class: ClassTCBStart, TCBStart: &tcbStartOp{tcb: t.TCB}})
	}

	sortOps(ops)
	return ops, nil
}

// sortOps reorders ops per §4.7: create ops (CapCreate, CNodeCreate)
// first, largest BytesRequired first; everything else keeps
// sortOrder's fixed class order. Both levels use a stable sort so
// operations within the same (class, size) bucket keep their
// generation order.
func sortOps(ops []*Operation) {
	isCreate := func(c Class) bool { return c == ClassCapCreate || c == ClassCNodeCreate }
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		aCreate, bCreate := isCreate(a.Class), isCreate(b.Class)
		if aCreate != bCreate {
			return aCreate // creates sort before everything else
		}
		if aCreate {
			return a.BytesRequired > b.BytesRequired
		}
		return sortOrder[a.Class] < sortOrder[b.Class]
	})
}

// Entries renders every operation as one or more designated-initializer
// elements of the generated C operation array, in final order. A
// CNodeCreate operation renders two entries (create, then mutate into
// its final slot); every other class renders exactly one.
func Entries(ops []*Operation) []string {
	var entries []string
	for _, op := range ops {
		entries = append(entries, op.cEntries()...)
	}
	return entries
}

// field is one designated initializer of an operation's union member,
// e.g. {name: "dest", value: "3"}.
type field struct {
	name  string
	value string
}

func f(name string, value any) field {
	return field{name: name, value: fmt.Sprintf("%v", value)}
}

// cEntry formats a single `{OP_NAME, .op_name = {.k=v, ...}}` element.
func cEntry(opName string, fields ...field) string {
	initializers := ""
	for i, fl := range fields {
		if i > 0 {
			initializers += ", "
		}
		initializers += "." + fl.name + "=" + fl.value
	}
	return fmt.Sprintf("{%s, .%s = {%s}}", upperName(opName), opName, initializers)
}

func upperName(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func (op *Operation) cEntries() []string {
	switch op.Class {
	case ClassCapCreate:
		c := op.CapCreate
		return []string{cEntry("create_op",
			f("cap_type", c.dest.Kind),
			f("bytes_required", uint64(1)<<c.sizeBits),
			f("dest", c.dest.Address),
			f("size_bits", c.sizeBits),
		)}

	case ClassCNodeCreate:
		c := op.CNodeCreate
		return []string{
			cEntry("create_op",
				f("cap_type", capmodel.KindCNode),
				f("bytes_required", uint64(1)<<(uint(c.dest.SizeBits)+uint(c.slotBits))),
				f("dest", 0),
				f("size_bits", c.dest.SizeBits),
			),
			cEntry("mutate_op",
				f("guard", c.dest.GuardBits),
				f("src", 0),
				f("dest", c.dest.Address),
			),
		}

	case ClassMint:
		m := op.Mint
		return []string{cEntry("mint_op",
			f("badge", m.badge),
			f("src", m.src.Address),
			f("dest", m.dest.Address),
			f("rights", capmodel.RightsCExpr(m.rights)),
		)}

	case ClassCopy:
		c := op.Copy
		return []string{cEntry("copy_op",
			f("src", c.src.Address),
			f("dest_root", c.dest.Address),
			f("dest_index", c.slotIndex),
			f("dest_depth", c.dest.Depth()),
		)}

	case ClassMap:
		mp := op.Map
		return []string{cEntry("map_op",
			f("map_func", mp.mapFunc),
			f("vaddr", mp.vaddr),
			f("service", mp.service.Address),
			f("vspace", mp.vspace.Address),
		)}

	case ClassBinaryChunkLoad:
		b := op.BinaryChunk
		return []string{cEntry("binary_chunk_load_op",
			f("src_vaddr", fmt.Sprintf("SYM_VAL(%s)", b.startSymbol)),
			f("dest_vaddr", b.destVaddr),
			f("length", b.length),
			f("dest_vspace", b.destVSpace.Address),
		)}

	case ClassMapFrame:
		mf := op.MapFrame
		return []string{cEntry("map_frame_op",
			f("vaddr", mf.vaddr),
			f("frame", mf.frame.Address),
			f("vspace", mf.vspace.Address),
		)}

	case ClassTCBSetup:
		t := op.TCBSetup
		return []string{cEntry("tcb_setup_op",
			f("entry_addr", t.entryAddr),
			f("stack_pointer_addr", t.stackPointerAddr),
			f("ipc_buffer_addr", t.ipcBufferAddr),
			f("arg0", t.arg0),
			f("arg1", t.arg1),
			f("arg2", t.arg2),
			f("cspace", t.cspace.Address),
			f("vspace", t.vspace.Address),
			f("ipc_buffer", t.ipcBuffer.Address),
			f("tcb", t.tcb.Address),
		)}

	case ClassPassGPUntypeds:
		p := op.PassGPUntypeds
		return []string{cEntry("pass_gp_untypeds_op",
			f("cnode_dest", p.cnodeDest.Address),
			f("start_slot", p.startSlot),
			f("end_slot", p.endSlot),
			f("cnode_depth", p.cnodeDepth),
		)}

	case ClassPassGPMemoryInfo:
		p := op.PassGPMemInfo
		return []string{cEntry("pass_gp_memory_info_op",
			f("dest_vaddr", p.destVaddr),
			f("frame", p.frame.Address),
			f("dest_vspace", p.destVSpace.Address),
		)}

	case ClassTCBStart:
		return []string{cEntry("tcb_start_op", f("tcb", op.TCBStart.tcb.Address))}

	default:
		return nil
	}
}

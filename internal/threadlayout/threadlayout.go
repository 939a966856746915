// Package threadlayout assigns per-thread stack and IPC-buffer
// addresses within each vspace and builds the initial stack image each
// thread's entry point expects on its first instruction (§4.4, §4.5).
//
// Threads sharing a vspace are laid out together: a thread's stack
// sits above the vspace's mapped segments (or the previous thread's
// IPC buffer), separated by an unmapped guard page on either side, so
// a stack overrun faults instead of silently corrupting a neighbor.
package threadlayout

import (
	"fmt"

	"github.com/tailspring/tailspring/internal/capmodel"
	"github.com/tailspring/tailspring/internal/config"
	"github.com/tailspring/tailspring/internal/pagetree"
	"github.com/tailspring/tailspring/internal/sel4info"
	"github.com/tailspring/tailspring/internal/tserr"
)

// MappedFrame records a thread's IPC buffer frame this package placed
// directly, for the op planner to emit a map_frame_op for. The
// general-purpose memory info frame is recorded as a GPMemoryInfoFrame
// instead.
type MappedFrame struct {
	Frame  *capmodel.Cap
	VSpace *capmodel.VSpace
	Vaddr  uint64
}

// GPMemoryInfoFrame is the one-per-vspace frame reserved when a thread
// in that vspace's cspace is the designated gp_untypeds_cnode; the op
// planner emits a CapCreate and a PassGPMemoryInfo operation for it
// (no map_frame_op).
type GPMemoryInfoFrame struct {
	Frame  *capmodel.Cap
	VSpace *capmodel.VSpace
	Vaddr  uint64
}

// Result collects the side effects of laying out every vspace's
// threads.
type Result struct {
	MappedFrames  []MappedFrame
	GPMemoryInfos []GPMemoryInfoFrame
}

// roundUp rounds n up to the next multiple of unit.
func roundUp(n, unit uint64) uint64 {
	if n%unit == 0 {
		return n
	}
	return n + (unit - n%unit)
}

// Place assigns stack/IPC-buffer addresses for every thread, grouped
// by vspace (§4.4), then builds each thread's initial stack bytes
// (§4.5) and appends it to its vspace as one more BinaryChunk. trees
// lets a newly placed frame extend its vspace's paging tree to cover
// it.
func Place(m *config.Model, trees map[string]*pagetree.Tree, info *sel4info.Info, pageSize uint64) (*Result, error) {
	res := &Result{}

	byVSpace := make(map[string][]*capmodel.Thread)
	for _, name := range m.ThreadNames {
		t := m.Threads[name]
		vsName := ownerVSpaceName(m.VSpaceNames, m.VSpaces, t.VSpace)
		byVSpace[vsName] = append(byVSpace[vsName], t)
	}

	for _, vsName := range m.VSpaceNames {
		ts := byVSpace[vsName]
		if len(ts) == 0 {
			continue
		}
		vs := m.VSpaces[vsName]
		if err := placeVSpaceThreads(vs, ts, trees[vsName], m, info, pageSize, res); err != nil {
			return nil, err
		}
	}

	return res, nil
}

func ownerVSpaceName(vspaceNames []string, vspaces map[string]*capmodel.VSpace, vs *capmodel.VSpace) string {
	for _, name := range vspaceNames {
		if vspaces[name] == vs {
			return name
		}
	}
	return ""
}

// needsGPMemoryInfo reports whether any thread in threads has the
// designated gp_untypeds_cnode as its cspace.
func needsGPMemoryInfo(threads []*capmodel.Thread, m *config.Model) bool {
	if m.GPUntypedsCNode == nil {
		return false
	}
	for _, t := range threads {
		if t.CSpace == m.GPUntypedsCNode.Cap {
			return true
		}
	}
	return false
}

func placeVSpaceThreads(vs *capmodel.VSpace, threads []*capmodel.Thread, tree *pagetree.Tree, m *config.Model, info *sel4info.Info, pageSize uint64, res *Result) error {
	var lastChunkEnd uint64
	for _, chunk := range vs.Chunks {
		end := chunk.DestVaddrAligned + chunk.TotalLength
		if end > lastChunkEnd {
			lastChunkEnd = end
		}
	}
	if lastChunkEnd%pageSize != 0 {
		return tserr.Internal(vs.Name, "last mapped chunk address %#x is not page-aligned", lastChunkEnd)
	}

	addr := lastChunkEnd + pageSize // guard page before the first reservation

	var gpMemoryInfoAddr uint64
	haveGPMemoryInfo := needsGPMemoryInfo(threads, m)
	if haveGPMemoryInfo {
		frame := capmodel.NewCap(fmt.Sprintf("%s_gp_memory_info_frame__", vs.Name), capmodel.KindFrame)
		m.CapTable.Append(frame)
		gpMemoryInfoAddr = addr
		res.GPMemoryInfos = append(res.GPMemoryInfos, GPMemoryInfoFrame{Frame: frame, VSpace: vs, Vaddr: addr})
		if tree != nil {
			tree.Root.Cover(m.CapTable, tree.VSpaceName, pagetree.Range{Lower: addr, Upper: addr + pageSize})
		}
		addr += 2 * pageSize // the frame itself, plus a guard page above it
	}

	for _, thread := range threads {
		stackSize := roundUp(thread.StackSize, pageSize)
		thread.StackSize = stackSize

		addr += stackSize
		thread.StackTopAddr = addr

		addr += pageSize // guard page between stack and IPC buffer

		thread.IPCBufferAddr = addr
		res.MappedFrames = append(res.MappedFrames, MappedFrame{Frame: thread.IPCBuffer, VSpace: vs, Vaddr: addr})
		if tree != nil {
			tree.Root.Cover(m.CapTable, tree.VSpaceName, pagetree.Range{Lower: addr, Upper: addr + pageSize})
		}

		addr += pageSize // past the IPC buffer frame itself
		addr += pageSize // guard page between IPC buffer and the next thread's stack

		thread.Envps = append(thread.Envps, fmt.Sprintf("ipc_buffer=%d", thread.IPCBufferAddr))
		if haveGPMemoryInfo {
			thread.Envps = append(thread.Envps, fmt.Sprintf("gp_memory_info=%d", gpMemoryInfoAddr))
		}

		stackData, err := buildStack(thread, info)
		if err != nil {
			return err
		}
		if uint64(len(stackData)) > stackSize {
			return tserr.Internal(thread.TCB.Name, "initial stack image (%d bytes) exceeds stack_size (%d bytes)", len(stackData), stackSize)
		}
		// The stack grows down from StackTopAddr, so the built image
		// (which ends at the top) needs its leading bytes, not its
		// trailing bytes, zero-filled out to the full stack size.
		stackDataPadded := make([]byte, 0, stackSize)
		stackDataPadded = append(stackDataPadded, make([]byte, stackSize-uint64(len(stackData)))...)
		stackDataPadded = append(stackDataPadded, stackData...)

		stackChunk, err := capmodel.NewBinaryChunk(
			fmt.Sprintf("%s_stack_frame__", thread.TCB.Name),
			stackDataPadded,
			thread.StackTopAddr-stackSize,
			stackSize,
			pageSize,
		)
		if err != nil {
			return err
		}
		vs.AppendChunk(stackChunk)
	}

	return nil
}

// auxv is one (a_type, a_val) entry of the auxiliary vector.
type auxv struct {
	aType int64
	aVal  uint64
}

// buildStack renders the System-V style initial stack bytes a thread's
// entry point expects: argc, argv, envp, the auxiliary vector, and the
// argument/environment strings themselves, 16-byte aligned (§4.5).
// thread.StackPointerAddr/Arg0/Arg1/Arg2 are filled in as a side
// effect.
func buildStack(thread *capmodel.Thread, info *sel4info.Info) ([]byte, error) {
	wordBits, ok := info.Literals[sel4info.LitWordBits]
	if !ok {
		return nil, tserr.Internal(thread.TCB.Name, "seL4 info missing literal %q", sel4info.LitWordBits)
	}
	wordSize := uint64(wordBits) / 8

	argsStart := thread.StackTopAddr
	type placedString struct {
		data []byte
		addr uint64
	}
	var strings []placedString

	addString := func(s string) uint64 {
		data := append([]byte(s), 0)
		argsStart -= uint64(len(data))
		strings = append(strings, placedString{data: data, addr: argsStart})
		return argsStart
	}

	// Process name is argv[0], added first so it ends up at the
	// highest string address; then the thread's own args; then envps.
	// Stack.gen_stack_data pushes strings in this order and reverses
	// them when laying out the string region (the first string added
	// sits at the highest address).
	argvAddrs := make([]uint64, 0, len(thread.Args)+1)
	argvAddrs = append(argvAddrs, addString(thread.TCB.Name))
	for _, a := range thread.Args {
		argvAddrs = append(argvAddrs, addString(a))
	}
	envpAddrs := make([]uint64, 0, len(thread.Envps))
	for _, e := range thread.Envps {
		envpAddrs = append(envpAddrs, addString(e))
	}

	argc := len(argvAddrs)

	var auxvs []auxv
	auxvs = append(auxvs, auxv{aType: info.Literals[sel4info.LitAtSel4IPCBufferPtr], aVal: thread.IPCBufferAddr})
	if sym, ok := thread.VSpace.Symbol("sel4_vsyscall"); ok {
		auxvs = append(auxvs, auxv{aType: info.Literals[sel4info.LitAtSysinfo], aVal: sym.Value})
	}

	wordToBytes := func(v uint64) []byte { return leBytes(v, int(wordSize), info.Endianness) }
	intSize := int(info.Literals[sel4info.LitSizeofInt])
	intToBytes := func(v int64) []byte { return leBytes(uint64(v), intSize, info.Endianness) }

	var data []byte
	data = append(data, wordToBytes(uint64(argc))...)
	for _, a := range argvAddrs {
		data = append(data, wordToBytes(a)...)
	}
	data = append(data, wordToBytes(0)...) // argv terminator

	for _, a := range envpAddrs {
		data = append(data, wordToBytes(a)...)
	}
	data = append(data, wordToBytes(0)...) // envp terminator

	auxOffset := int(info.Literals[sel4info.LitOffsetofAuxvAUn])
	for _, av := range auxvs {
		data = append(data, intToBytes(av.aType)...)
		data = append(data, make([]byte, auxOffset-intSize)...) // compiler-added struct padding
		data = append(data, wordToBytes(av.aVal)...)
	}
	data = append(data, intToBytes(info.Literals[sel4info.LitAtNull])...)
	data = append(data, wordToBytes(0)...)

	var stringData []byte
	for i := len(strings) - 1; i >= 0; i-- {
		stringData = append(stringData, strings[i].data...)
	}

	const stackAlignment = 16
	padding := (stackAlignment - (len(data)+len(stringData))%stackAlignment) % stackAlignment
	data = append(data, make([]byte, padding)...)
	data = append(data, stringData...)

	thread.StackPointerAddr = thread.StackTopAddr - uint64(len(data))
	thread.Arg0 = uint64(argc)
	thread.Arg1 = thread.StackPointerAddr + wordSize
	thread.Arg2 = thread.Arg1 + wordSize*uint64(argc+1)

	return data, nil
}

func leBytes(v uint64, size int, endianness string) []byte {
	b := make([]byte, size)
	if endianness == "big" {
		for i := size - 1; i >= 0; i-- {
			b[i] = byte(v)
			v >>= 8
		}
	} else {
		for i := 0; i < size; i++ {
			b[i] = byte(v)
			v >>= 8
		}
	}
	return b
}

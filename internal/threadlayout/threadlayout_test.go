package threadlayout

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/tailspring/tailspring/internal/capmodel"
	"github.com/tailspring/tailspring/internal/config"
	"github.com/tailspring/tailspring/internal/sel4info"
)

func writeMinimalELF(t *testing.T, dir string, vaddr uint64, segData []byte, memSz uint64) string {
	t.Helper()

	const ehdrSize = 64
	const phdrSize = 56

	var ident [elf.EI_NIDENT]byte
	copy(ident[:4], []byte{0x7f, 'E', 'L', 'F'})
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	hdr := elf.Header64{
		Ident: ident, Type: uint16(elf.ET_EXEC), Machine: uint16(elf.EM_X86_64),
		Version: uint32(elf.EV_CURRENT), Entry: vaddr, Phoff: ehdrSize,
		Ehsize: ehdrSize, Phentsize: phdrSize, Phnum: 1,
	}
	phdr := elf.Prog64{
		Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X),
		Off: ehdrSize + phdrSize, Vaddr: vaddr, Paddr: vaddr,
		Filesz: uint64(len(segData)), Memsz: memSz, Align: 0x1000,
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	binary.Write(&buf, binary.LittleEndian, phdr)
	buf.Write(segData)

	path := filepath.Join(dir, "image.elf")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}
	return path
}

func testInfo() *sel4info.Info {
	return &sel4info.Info{
		Arch:       "x86_64",
		Endianness: "little",
		Literals: map[string]int64{
			sel4info.LitWordBits:           64,
			sel4info.LitSizeofInt:          4,
			sel4info.LitOffsetofAuxvAUn:    8,
			sel4info.LitAtNull:             0,
			sel4info.LitAtSel4IPCBufferPtr: 201,
			sel4info.LitAtSysinfo:          32,
		},
	}
}

func buildModel(t *testing.T, stackSize uint64, gpUntypeds bool) *config.Model {
	t.Helper()
	dir := t.TempDir()
	path := writeMinimalELF(t, dir, 0x400000, []byte{1, 2, 3, 4}, 0x1000)

	table := capmodel.NewCapTable()
	vs, err := capmodel.NewVSpace("vs", "bin", 0, path, 0x1000)
	if err != nil {
		t.Fatalf("NewVSpace: %v", err)
	}
	table.Append(vs.Cap)

	tcb := capmodel.NewCap("t0", capmodel.KindTCB)
	table.Append(tcb)
	cspace, err := capmodel.NewCNode("cs", 4, 0, nil)
	if err != nil {
		t.Fatalf("NewCNode: %v", err)
	}
	table.Append(cspace.Cap)
	ipcBuf := capmodel.NewCap("ipc0", capmodel.KindFrame)
	table.Append(ipcBuf)

	thread, err := capmodel.NewThread(tcb, cspace.Cap, vs, ipcBuf, stackSize, vs.EntryPoint(), []string{"arg1"}, nil)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}

	m := &config.Model{
		CapTable:    table,
		VSpaceNames: []string{"vs"},
		VSpaces:     map[string]*capmodel.VSpace{"vs": vs},
		ThreadNames: []string{"t0"},
		Threads:     map[string]*capmodel.Thread{"t0": thread},
		CNodes:      map[string]*capmodel.CNode{"cs": cspace},
		CNodeNames:  []string{"cs"},
	}
	if gpUntypeds {
		m.GPUntypedsCNode = cspace
	}
	return m
}

func TestPlaceAssignsNonOverlappingAddresses(t *testing.T) {
	m := buildModel(t, 0x2000, false)
	res, err := Place(m, nil, testInfo(), 0x1000)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	thread := m.Threads["t0"]
	if thread.StackTopAddr == 0 {
		t.Fatal("StackTopAddr should be assigned")
	}
	if thread.IPCBufferAddr <= thread.StackTopAddr {
		t.Fatalf("IPC buffer (%#x) should sit above the stack top (%#x), separated by a guard page", thread.IPCBufferAddr, thread.StackTopAddr)
	}
	if len(res.MappedFrames) != 1 {
		t.Fatalf("expected 1 mapped frame (the IPC buffer), got %d", len(res.MappedFrames))
	}
	if len(res.GPMemoryInfos) != 0 {
		t.Fatalf("expected no gp_memory_info frame when gp_untypeds_cnode is unset, got %d", len(res.GPMemoryInfos))
	}
}

func TestPlaceReservesGPMemoryInfoWhenCSpaceIsDesignated(t *testing.T) {
	m := buildModel(t, 0x2000, true)
	res, err := Place(m, nil, testInfo(), 0x1000)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(res.GPMemoryInfos) != 1 {
		t.Fatalf("expected 1 gp_memory_info frame, got %d", len(res.GPMemoryInfos))
	}
	thread := m.Threads["t0"]
	foundGPMemInfo := false
	for _, e := range thread.Envps {
		if len(e) >= len("gp_memory_info=") && e[:len("gp_memory_info=")] == "gp_memory_info=" {
			foundGPMemInfo = true
		}
	}
	if !foundGPMemInfo {
		t.Fatal("thread envps should include a gp_memory_info= entry when its cspace is the designated gp_untypeds_cnode")
	}
}

func TestPlaceStackImageFitsWithinStackSize(t *testing.T) {
	m := buildModel(t, 0x1000, false)
	if _, err := Place(m, nil, testInfo(), 0x1000); err != nil {
		t.Fatalf("Place: %v", err)
	}
	vs := m.VSpaces["vs"]
	stackChunk := vs.Chunks[len(vs.Chunks)-1]
	if stackChunk.TotalLength != 0x1000 {
		t.Fatalf("stack chunk length = %d, want stack_size 0x1000", stackChunk.TotalLength)
	}
}

func TestPlaceRejectsOversizedStackImage(t *testing.T) {
	// A tiny page size means rounding can't paper over an initial stack
	// image (argc+argv+envp+auxv+strings) that doesn't fit.
	m := buildModel(t, 8, false)
	if _, err := Place(m, nil, testInfo(), 8); err == nil {
		t.Fatal("expected an error when the initial stack image exceeds stack_size")
	}
}

package opplan

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tailspring/tailspring/internal/archdesc"
	"github.com/tailspring/tailspring/internal/capmodel"
	"github.com/tailspring/tailspring/internal/config"
	"github.com/tailspring/tailspring/internal/pagetree"
	"github.com/tailspring/tailspring/internal/sel4info"
	"github.com/tailspring/tailspring/internal/threadlayout"
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
			sel4info.LitSlotBits: 5,
		},
		ObjectSizes: map[string]int{
			string(capmodel.KindTCB):      10,
			string(capmodel.KindEndpoint): 4,
			string(capmodel.KindFrame):    12,
		},
	}
}

func TestPlanEmptyModelProducesNoOps(t *testing.T) {
	m := &config.Model{CapTable: capmodel.NewCapTable()}
	arch := archdesc.For(archdesc.X86_64)
	ops, err := Plan(m, arch, nil, &threadlayout.Result{}, testInfo())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("expected no operations for an empty model, got %d", len(ops))
	}
}

func TestPlanOrdersCreatesFirstLargestFirst(t *testing.T) {
	table := capmodel.NewCapTable()
	small := capmodel.NewCap("small", capmodel.KindEndpoint) // 1<<4 = 16 bytes
	big := capmodel.NewCap("big", capmodel.KindTCB)          // 1<<10 = 1024 bytes
	table.Append(small)
	table.Append(big)

	m := &config.Model{CapTable: table, CapNames: []string{"small", "big"}}
	arch := archdesc.For(archdesc.X86_64)
	ops, err := Plan(m, arch, nil, &threadlayout.Result{}, testInfo())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 create ops, got %d", len(ops))
	}
	if ops[0].CapCreate.dest.Name != "big" {
		t.Fatalf("largest create op should sort first, got %q", ops[0].CapCreate.dest.Name)
	}
}

func TestPlanMintSortsAfterAllCreates(t *testing.T) {
	table := capmodel.NewCapTable()
	ep := capmodel.NewCap("ep", capmodel.KindEndpoint)
	table.Append(ep)
	mod, err := capmodel.NewCapModification("ep_mod", ep, []capmodel.Right{capmodel.RightRead}, 0)
	if err != nil {
		t.Fatalf("NewCapModification: %v", err)
	}
	table.Append(mod.Dest)

	m := &config.Model{
		CapTable:         table,
		CapNames:         []string{"ep"},
		CapModNames:      []string{"ep_mod"},
		CapModifications: map[string]*capmodel.CapModification{"ep_mod": mod},
	}
	arch := archdesc.For(archdesc.X86_64)
	ops, err := Plan(m, arch, nil, &threadlayout.Result{}, testInfo())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 ops (1 create + 1 mint), got %d", len(ops))
	}
	if ops[0].Class != ClassCapCreate || ops[1].Class != ClassMint {
		t.Fatalf("expected [create, mint] order, got [%v, %v]", ops[0].Class, ops[1].Class)
	}
}

func TestEntriesCNodeCreateRendersTwoEntries(t *testing.T) {
	table := capmodel.NewCapTable()
	cnode, err := capmodel.NewCNode("cn", 3, 2, nil)
	if err != nil {
		t.Fatalf("NewCNode: %v", err)
	}
	table.Append(cnode.Cap)

	m := &config.Model{CapTable: table, CNodeNames: []string{"cn"}, CNodes: map[string]*capmodel.CNode{"cn": cnode}}
	arch := archdesc.For(archdesc.X86_64)
	ops, err := Plan(m, arch, nil, &threadlayout.Result{}, testInfo())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(ops) != 1 || ops[0].Class != ClassCNodeCreate {
		t.Fatalf("expected exactly 1 CNodeCreate operation, got %v", ops)
	}
	entries := Entries(ops)
	if len(entries) != 2 {
		t.Fatalf("a CNodeCreate operation should render 2 C entries (create + mutate), got %d", len(entries))
	}
	if !strings.Contains(entries[0], "create_op") {
		t.Fatalf("first entry should be the create_op, got %q", entries[0])
	}
	if !strings.Contains(entries[1], "mutate_op") {
		t.Fatalf("second entry should be the mutate_op, got %q", entries[1])
	}
}

// fullInfo supplies every literal and object size the full pipeline
// (config.Ingest -> pagetree.BuildAll -> threadlayout.Place ->
// opplan.Plan) touches, unlike testInfo which only covers what a
// single stage's unit tests need.
func fullInfo() *sel4info.Info {
	return &sel4info.Info{
		Arch:       "x86_64",
		Endianness: "little",
		Literals: map[string]int64{
			sel4info.LitPageBits:           12,
			sel4info.LitSlotBits:           5,
			sel4info.LitWordBits:           64,
			sel4info.LitSizeofInt:          4,
			sel4info.LitOffsetofAuxvAUn:    8,
			sel4info.LitAtNull:             0,
			sel4info.LitAtSel4IPCBufferPtr: 201,
			sel4info.LitAtSysinfo:          32,
		},
		ObjectSizes: map[string]int{
			string(capmodel.KindTCB):           10,
			string(capmodel.KindEndpoint):       4,
			string(capmodel.KindFrame):          12,
			string(capmodel.KindPML4):           12,
			string(capmodel.KindPDPT):           12,
			string(capmodel.KindPageDirectory): 12,
			string(capmodel.KindPageTable):     12,
		},
	}
}

// TestFullPipelineCapAddressesAreUniqueAndInRange drives config
// ingestion, paging-tree construction, thread layout, and operation
// planning together against one real CapTable, and checks the
// invariant that every cap ends up with a unique address in
// [1, SlotsRequired) - the pipeline stage that a defect in pagetree's
// tree-building (paging caps never appended to the table) would have
// violated silently, since no single stage's own unit tests construct
// a real CapTable shared across stages.
func TestFullPipelineCapAddressesAreUniqueAndInRange(t *testing.T) {
	dir := t.TempDir()
	binPath := writeMinimalELF(t, dir, 0x400000, []byte{1, 2, 3, 4}, 0x1000)

	doc := `
caps:
  tcb0: tcb
  ipc0: frame
cnodes:
  cs0:
    size: 4
    guard: 0
vspaces:
  vs0: prog
threads:
  tcb0:
    cspace: cs0
    vspace: vs0
    ipc_buffer: ipc0
    stack_size: 4096
    args: ["hello"]
    envps: []
gp_untypeds_cnode: cs0
`
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	tl, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m, err := config.Ingest(tl, map[string]string{"prog": binPath}, 0x1000)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	arch := archdesc.For(archdesc.X86_64)
	trees := pagetree.BuildAll(m.CapTable, arch, m.VSpaceNames, m.VSpaces)

	layout, err := threadlayout.Place(m, trees, fullInfo(), 0x1000)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	if _, err := Plan(m, arch, trees, layout, fullInfo()); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	seen := make(map[int]*capmodel.Cap)
	slotsRequired := m.CapTable.SlotsRequired()
	for _, cap := range m.CapTable.All() {
		if cap.Address < 1 || cap.Address >= slotsRequired {
			t.Fatalf("cap %s has address %d, want [1, %d)", cap.Name, cap.Address, slotsRequired)
		}
		if other, dup := seen[cap.Address]; dup {
			t.Fatalf("caps %s and %s share address %d", other.Name, cap.Name, cap.Address)
		}
		seen[cap.Address] = cap
	}
	// A single PT_LOAD segment needs a pml4 (the vspace's own cap,
	// already in the table) plus pdpt/page_directory/page_table nodes
	// from Cover - if those were never appended, SlotsRequired would
	// undercount and every one of them would collide at address 0.
	if len(seen) < 8 {
		t.Fatalf("expected at least 8 distinct addressed caps (tcb, ipc buffer, cnode, vspace, gp_memory_info frame, plus paging structures), got %d", len(seen))
	}
}

func TestPlanGPUntypedsRequiresSlotRange(t *testing.T) {
	table := capmodel.NewCapTable()
	cnode, err := capmodel.NewCNode("cn", 3, 0, nil)
	if err != nil {
		t.Fatalf("NewCNode: %v", err)
	}
	table.Append(cnode.Cap)

	m := &config.Model{
		CapTable:        table,
		CNodeNames:      []string{"cn"},
		CNodes:          map[string]*capmodel.CNode{"cn": cnode},
		GPUntypedsCNode: cnode,
	}
	arch := archdesc.For(archdesc.X86_64)
	if _, err := Plan(m, arch, nil, &threadlayout.Result{}, testInfo()); err == nil {
		t.Fatal("expected an internal error: GPUntypedsCNode set without a slot range assigned")
	}
}

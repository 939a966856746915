package capmodel

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func writeMinimalELF(t *testing.T, dir, name string, vaddr uint64, segData []byte, memSz uint64) string {
	t.Helper()

	const ehdrSize = 64
	const phdrSize = 56

	var ident [elf.EI_NIDENT]byte
	copy(ident[:4], []byte{0x7f, 'E', 'L', 'F'})
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	hdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     vaddr,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     1,
	}
	phdr := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    ehdrSize + phdrSize,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint64(len(segData)),
		Memsz:  memSz,
		Align:  0x1000,
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	binary.Write(&buf, binary.LittleEndian, phdr)
	buf.Write(segData)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}
	return path
}

func TestNewVSpaceBuildsChunksFromLoadSegments(t *testing.T) {
	dir := t.TempDir()
	path := writeMinimalELF(t, dir, "a.elf", 0x400000, []byte{1, 2, 3, 4}, 0x2000)

	vs, err := NewVSpace("vs1", "a", 0, path, 0x1000)
	if err != nil {
		t.Fatalf("NewVSpace: %v", err)
	}
	if vs.Kind != KindVSpace {
		t.Fatalf("vspace cap kind = %v, want vspace (pml4 alias)", vs.Kind)
	}
	if vs.BinaryNameUnique != "a_num0" {
		t.Fatalf("BinaryNameUnique = %q, want a_num0", vs.BinaryNameUnique)
	}
	if len(vs.Chunks) != 1 {
		t.Fatalf("expected 1 chunk from 1 PT_LOAD segment, got %d", len(vs.Chunks))
	}
	if vs.EntryPoint() != 0x400000 {
		t.Fatalf("EntryPoint() = %#x, want 0x400000", vs.EntryPoint())
	}
}

func TestNewVSpaceNonceDistinguishesSharedBinaries(t *testing.T) {
	dir := t.TempDir()
	path := writeMinimalELF(t, dir, "shared.elf", 0x400000, []byte{1}, 0x1000)

	vs0, err := NewVSpace("vs0", "shared", 0, path, 0x1000)
	if err != nil {
		t.Fatalf("NewVSpace nonce 0: %v", err)
	}
	vs1, err := NewVSpace("vs1", "shared", 1, path, 0x1000)
	if err != nil {
		t.Fatalf("NewVSpace nonce 1: %v", err)
	}
	if vs0.BinaryNameUnique == vs1.BinaryNameUnique {
		t.Fatal("two vspaces sharing a binary must get distinct BinaryNameUnique values")
	}
	if vs0.Chunks[0].StartSymbol == vs1.Chunks[0].StartSymbol {
		t.Fatal("chunks from distinct vspaces sharing a binary must not collide on linker symbol name")
	}
}

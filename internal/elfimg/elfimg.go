// Package elfimg reads the ELF facts Tailspring needs out of a thread
// binary: its PT_LOAD segments, its entry point, and its symbol table.
// ELF parsing is treated as an external collaborator by spec.md - the
// teacher itself reaches for the standard library's debug/elf when it
// needs symbols out of a shared object (cffi.go:ExtractSymbolsFromSo),
// and no repo in the retrieval pack declares a third-party ELF parser,
// so this package follows that precedent.
package elfimg

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/tailspring/tailspring/internal/tserr"
)

// Segment is one PT_LOAD program header plus its file contents.
type Segment struct {
	Index  int
	Vaddr  uint64
	FileSz uint64
	MemSz  uint64
	Data   []byte
}

// Image is an open ELF thread binary. Per spec §5, the file handle is
// held open for the generator's lifetime rather than closed after the
// first read; LoadSegments reads segment contents through it. The
// symbol table is read once by Open and cached.
type Image struct {
	path string
	f    *os.File
	ef   *elf.File
	syms []elf.Symbol
}

// Open parses path as an ELF file and reads its symbol table into a
// cache that Symbol searches; PT_LOAD segments are read later, by
// LoadSegments.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, tserr.IO(path, err)
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, tserr.IO(path, fmt.Errorf("not a valid ELF file: %w", err))
	}
	img := &Image{path: path, f: f, ef: ef}

	// .symtab may legitimately be absent (stripped binary); a missing
	// symbol table only matters once someone tries to resolve a
	// symbol by name, so don't fail eagerly.
	if syms, err := ef.Symbols(); err == nil {
		img.syms = syms
	}
	return img, nil
}

// Close releases the underlying file handle.
func (img *Image) Close() error {
	return img.f.Close()
}

// LoadSegments returns every PT_LOAD program header and its raw file
// contents, in program-header order.
func (img *Image) LoadSegments() ([]Segment, error) {
	var segs []Segment
	index := 0
	for _, prog := range img.ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil && err != io.EOF {
			return nil, tserr.IO(img.path, fmt.Errorf("reading PT_LOAD segment %d: %w", index, err))
		}
		segs = append(segs, Segment{
			Index:  index,
			Vaddr:  prog.Vaddr,
			FileSz: prog.Filesz,
			MemSz:  prog.Memsz,
			Data:   data,
		})
		index++
	}
	return segs, nil
}

// Entry returns the ELF header's entry point.
func (img *Image) Entry() uint64 {
	return img.ef.Entry
}

// Symbol looks up a symbol by name in .symtab. The second return value
// is false if no symbol table is present or the name isn't found -
// both are "not found", matching the Python original's
// get_symbol_by_name returning None either way.
func (img *Image) Symbol(name string) (elf.Symbol, bool) {
	for _, sym := range img.syms {
		if sym.Name == name {
			return sym, true
		}
	}
	return elf.Symbol{}, false
}

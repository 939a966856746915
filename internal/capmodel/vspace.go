package capmodel

import (
	"debug/elf"
	"fmt"

	"github.com/tailspring/tailspring/internal/elfimg"
)

// VSpace is a Cap of kind vspace plus the fields spec §3 names: the
// ELF binary it loads from, a nonce distinguishing multiple vspaces
// sharing the same binary, and the chunks derived from its PT_LOAD
// segments.
type VSpace struct {
	*Cap
	BinaryName       string
	BinaryNameUnique string
	Nonce            int
	BinaryPath       string
	Alignment        uint64
	Image            *elfimg.Image
	Chunks           []*BinaryChunk
}

// NewVSpace opens binaryPath, enumerates its PT_LOAD segments, and
// produces one initial BinaryChunk per segment, named so that multiple
// vspaces loading the same ELF file never collide on linker symbols.
func NewVSpace(name, binaryName string, nonce int, binaryPath string, alignment uint64) (*VSpace, error) {
	img, err := elfimg.Open(binaryPath)
	if err != nil {
		return nil, err
	}

	vs := &VSpace{
		Cap:              NewCap(name, KindVSpace),
		BinaryName:       binaryName,
		BinaryNameUnique: fmt.Sprintf("%s_num%d", binaryName, nonce),
		Nonce:            nonce,
		BinaryPath:       binaryPath,
		Alignment:        alignment,
		Image:            img,
	}

	segs, err := img.LoadSegments()
	if err != nil {
		return nil, err
	}
	for _, seg := range segs {
		chunkName := fmt.Sprintf("thread_%s_segment%d", vs.BinaryNameUnique, seg.Index)
		chunk, err := NewBinaryChunk(chunkName, seg.Data, seg.Vaddr, seg.MemSz, alignment)
		if err != nil {
			return nil, err
		}
		vs.Chunks = append(vs.Chunks, chunk)
	}
	return vs, nil
}

// Symbol looks up a symbol by name in this vspace's ELF symbol table.
func (vs *VSpace) Symbol(name string) (elf.Symbol, bool) {
	return vs.Image.Symbol(name)
}

// EntryPoint returns the ELF header's entry point for this vspace.
func (vs *VSpace) EntryPoint() uint64 {
	return vs.Image.Entry()
}

// AppendChunk adds a chunk built after initial construction (the
// thread layout stage appends one per-thread stack chunk).
func (vs *VSpace) AppendChunk(chunk *BinaryChunk) {
	vs.Chunks = append(vs.Chunks, chunk)
}

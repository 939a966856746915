package capmodel

import "github.com/tailspring/tailspring/internal/tserr"

// BinaryChunk is a page-aligned (or otherwise alignment-unit-aligned)
// region of bytes destined for a vspace, per spec §3. The runtime
// loader only copies memory at alignment-unit granularity by
// remapping frames, so every chunk is padded so its first and last
// byte both land on an alignment boundary.
type BinaryChunk struct {
	Name      string
	Data      []byte
	DestVaddr uint64
	MinLength uint64
	Alignment uint64

	// Derived fields, computed by NewBinaryChunk.
	DestVaddrAligned uint64
	DataAligned      []byte
	TotalLength      uint64
	StartSymbol      string
}

// NewBinaryChunk pads data per spec §3's derivation rules and returns
// the fully-formed chunk.
func NewBinaryChunk(name string, data []byte, destVaddr, minLength, alignment uint64) (*BinaryChunk, error) {
	if alignment == 0 {
		return nil, tserr.Internal(name, "chunk alignment must be non-zero")
	}

	headPad := destVaddr % alignment
	destVaddrAligned := destVaddr - headPad

	dataLen := uint64(len(data))
	bssPad := uint64(0)
	if minLength > dataLen {
		bssPad = minLength - dataLen
	}

	used := headPad + dataLen + bssPad
	tailPad := (alignment - used%alignment) % alignment

	dataAligned := make([]byte, 0, used+tailPad)
	dataAligned = append(dataAligned, make([]byte, headPad)...)
	dataAligned = append(dataAligned, data...)
	dataAligned = append(dataAligned, make([]byte, bssPad)...)
	dataAligned = append(dataAligned, make([]byte, tailPad)...)

	totalLength := uint64(len(dataAligned))
	if totalLength%alignment != 0 {
		return nil, tserr.Internal(name, "padded chunk length %d is not a multiple of alignment %d", totalLength, alignment)
	}

	return &BinaryChunk{
		Name:             name,
		Data:             data,
		DestVaddr:        destVaddr,
		MinLength:        minLength,
		Alignment:        alignment,
		DestVaddrAligned: destVaddrAligned,
		DataAligned:      dataAligned,
		TotalLength:      totalLength,
		StartSymbol:      "_binary_" + name + "_bin_start",
	}, nil
}

// Package emit renders the generated C++ header (§4.8): a slot-count
// preamble, extern declarations for every linker symbol the packed
// image exposes, one ENABLE_ line per paging-mapping function the
// target architecture needs, and the final operation array.
//
// The four fragments are written one after another into a single
// buffer, in a fixed order: preamble, extern symbols, mapping-func
// enables, then the operation array.
package emit

import (
	"fmt"
	"strings"

	"github.com/tailspring/tailspring/internal/archdesc"
	"github.com/tailspring/tailspring/internal/capmodel"
	"github.com/tailspring/tailspring/internal/opplan"
)

// Header renders the complete generated header file contents.
func Header(slotsRequired int, arch *archdesc.Info, vspaceNames []string, vspaces map[string]*capmodel.VSpace, ops []*opplan.Operation) string {
	var b strings.Builder

	writePreamble(&b, slotsRequired)
	writeExternSymbols(&b, vspaceNames, vspaces)
	writeMappingFuncEnables(&b, arch)
	writeOpsList(&b, ops)

	return b.String()
}

func writePreamble(b *strings.Builder, slotsRequired int) {
	fmt.Fprintln(b, "#pragma once")
	fmt.Fprintln(b, `#include "tailspring.hpp"`)
	fmt.Fprintf(b, "#define SLOTS_REQUIRED ((seL4_Word)%d)\n", slotsRequired)
	fmt.Fprintln(b)
}

// writeExternSymbols declares every linker symbol the packed image
// exposes, one per chunk, in vspace then chunk order - every symbol
// binary_chunk_load_op's SYM_VAL references must be declared here.
func writeExternSymbols(b *strings.Builder, vspaceNames []string, vspaces map[string]*capmodel.VSpace) {
	for _, name := range vspaceNames {
		for _, chunk := range vspaces[name].Chunks {
			fmt.Fprintf(b, "extern void* %s;\n", chunk.StartSymbol)
		}
	}
	fmt.Fprintln(b)
}

func writeMappingFuncEnables(b *strings.Builder, arch *archdesc.Info) {
	for _, line := range arch.MappingFuncEnableLines() {
		fmt.Fprintln(b, line)
	}
	fmt.Fprintln(b)
}

func writeOpsList(b *strings.Builder, ops []*opplan.Operation) {
	entries := opplan.Entries(ops)
	fmt.Fprintln(b, "CapOperation cap_operations[] = {")
	for _, e := range entries {
		fmt.Fprintf(b, "    %s,\n", e)
	}
	fmt.Fprintln(b, "};")
}

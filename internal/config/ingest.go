// Package config implements §4.2's config ingester: turning the parsed
// YAML dictionary into the populated object model of internal/capmodel,
// validating cross-references and uniqueness as it goes.
package config

import (
	"os"
	"strconv"

	"github.com/tailspring/tailspring/internal/capmodel"
	"github.com/tailspring/tailspring/internal/tlog"
	"github.com/tailspring/tailspring/internal/tserr"
)

// Model is the populated object model produced from one config file.
// Every *Names slice preserves the order entries appeared in the
// config file - the op planner relies on it for deterministic output
// (§4.7, §7).
type Model struct {
	CapTable *capmodel.CapTable

	CapNames []string

	CapModNames      []string
	CapModifications map[string]*capmodel.CapModification

	CNodeNames []string
	CNodes     map[string]*capmodel.CNode

	VSpaceNames []string
	VSpaces     map[string]*capmodel.VSpace

	ThreadNames []string
	Threads     map[string]*capmodel.Thread

	GPUntypedsCNode *capmodel.CNode
}

type capModRaw struct {
	Original string   `yaml:"original"`
	Rights   []string `yaml:"rights"`
	Badge    *uint64  `yaml:"badge"`
}

type threadRaw struct {
	CSpace    string   `yaml:"cspace"`
	VSpace    string   `yaml:"vspace"`
	IPCBuffer string   `yaml:"ipc_buffer"`
	StackSize *int64   `yaml:"stack_size"`
	Entry     *string  `yaml:"entry"`
	Args      []string `yaml:"args"`
	Envps     []string `yaml:"envps"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*topLevel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, tserr.IO(path, err)
	}
	return parseTopLevel(data)
}

// Ingest walks a parsed config document and produces the fully
// populated object model, per §4.2's numbered rules. startupThreadsPaths
// maps a vspace's binary_name to the path of its compiled binary (the
// --startup-threads-paths CLI argument); pageSize is the alignment used
// for every vspace's chunks.
func Ingest(tl *topLevel, startupThreadsPaths map[string]string, pageSize uint64) (*Model, error) {
	table := capmodel.NewCapTable()
	m := &Model{
		CapTable:         table,
		CapModifications: make(map[string]*capmodel.CapModification),
		CNodes:           make(map[string]*capmodel.CNode),
		VSpaces:          make(map[string]*capmodel.VSpace),
		Threads:          make(map[string]*capmodel.Thread),
	}

	if err := ingestCaps(tl, table, m); err != nil {
		return nil, err
	}
	if err := ingestCapModifications(tl, table, m); err != nil {
		return nil, err
	}
	if err := ingestCNodes(tl, table, m); err != nil {
		return nil, err
	}
	if err := ingestVSpaces(tl, table, startupThreadsPaths, pageSize, m); err != nil {
		return nil, err
	}
	if err := ingestThreads(tl, table, m); err != nil {
		return nil, err
	}
	if err := ingestGPUntypedsCNode(tl, table, m); err != nil {
		return nil, err
	}

	return m, nil
}

// rule 1: caps[name] = kind_string
func ingestCaps(tl *topLevel, table *capmodel.CapTable, m *Model) error {
	pairs, err := orderedMapping(tl.Caps)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if table.Has(p.key) {
			return tserr.Config(p.key, "duplicate cap name in caps section")
		}
		var kindStr string
		if err := p.node.Decode(&kindStr); err != nil {
			return tserr.Config(p.key, "invalid kind: %w", err)
		}
		kind, ok := capmodel.ParseKind(kindStr)
		if !ok {
			return tserr.Config(p.key, "unknown cap kind %q", kindStr)
		}
		if kind == capmodel.KindCNode {
			return tserr.Config(p.key, "cnodes must be declared under 'cnodes', not 'caps'")
		}
		table.Append(capmodel.NewCap(p.key, kind))
		m.CapNames = append(m.CapNames, p.key)
		tlog.L.Debugf("cap %s: %s", p.key, kindStr)
	}
	return nil
}

// rule 2: cap_modifications[name] = {original, rights, badge?}
func ingestCapModifications(tl *topLevel, table *capmodel.CapTable, m *Model) error {
	pairs, err := orderedMapping(tl.CapModifications)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if table.Has(p.key) {
			return tserr.Config(p.key, "duplicate cap name in cap_modifications section")
		}
		var raw capModRaw
		if err := p.node.Decode(&raw); err != nil {
			return tserr.Config(p.key, "invalid cap modification: %w", err)
		}
		src, err := table.ByName(raw.Original)
		if err != nil {
			return tserr.Config(p.key, "references unknown cap %q: %w", raw.Original, err)
		}
		rights := make([]capmodel.Right, 0, len(raw.Rights))
		for _, r := range raw.Rights {
			right, ok := capmodel.ParseRight(r)
			if !ok {
				return tserr.Config(p.key, "unknown right %q", r)
			}
			rights = append(rights, right)
		}
		badge := uint64(0)
		if raw.Badge != nil {
			badge = *raw.Badge
		}
		mod, err := capmodel.NewCapModification(p.key, src, rights, badge)
		if err != nil {
			return err
		}
		table.Append(mod.Dest)
		m.CapModifications[p.key] = mod
		m.CapModNames = append(m.CapModNames, p.key)
	}
	return nil
}

// rule 3: cnodes[name] = {size, guard, <int>: cap_name ...}
func ingestCNodes(tl *topLevel, table *capmodel.CapTable, m *Model) error {
	pairs, err := orderedMapping(tl.CNodes)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if table.Has(p.key) {
			return tserr.Config(p.key, "duplicate cap name in cnodes section")
		}

		entries, err := orderedMapping(p.node)
		if err != nil {
			return err
		}

		var size, guard int
		haveSize, haveGuard := false, false
		slots := make(map[int]*capmodel.Cap)
		for _, e := range entries {
			switch e.key {
			case "size":
				if err := e.node.Decode(&size); err != nil {
					return tserr.Config(p.key, "invalid size: %w", err)
				}
				haveSize = true
			case "guard":
				if err := e.node.Decode(&guard); err != nil {
					return tserr.Config(p.key, "invalid guard: %w", err)
				}
				haveGuard = true
			default:
				idx, err := strconv.Atoi(e.key)
				if err != nil {
					return tserr.Config(p.key, "unexpected cnode field %q", e.key)
				}
				var capName string
				if err := e.node.Decode(&capName); err != nil {
					return tserr.Config(p.key, "invalid slot %d: %w", idx, err)
				}
				cap, err := table.ByName(capName)
				if err != nil {
					return tserr.Config(p.key, "slot %d references unknown cap %q: %w", idx, capName, err)
				}
				slots[idx] = cap
			}
		}
		if !haveSize {
			return tserr.Config(p.key, "cnode missing 'size'")
		}
		if !haveGuard {
			return tserr.Config(p.key, "cnode missing 'guard'")
		}

		cnode, err := capmodel.NewCNode(p.key, size, guard, slots)
		if err != nil {
			return err
		}
		table.Append(cnode.Cap)
		m.CNodes[p.key] = cnode
		m.CNodeNames = append(m.CNodeNames, p.key)
	}
	return nil
}

// rule 4: vspaces[name] = binary_name
func ingestVSpaces(tl *topLevel, table *capmodel.CapTable, startupThreadsPaths map[string]string, pageSize uint64, m *Model) error {
	pairs, err := orderedMapping(tl.VSpaces)
	if err != nil {
		return err
	}
	for index, p := range pairs {
		if table.Has(p.key) {
			return tserr.Config(p.key, "duplicate cap name in vspaces section")
		}
		var binaryName string
		if err := p.node.Decode(&binaryName); err != nil {
			return tserr.Config(p.key, "invalid binary name: %w", err)
		}
		binaryPath, ok := startupThreadsPaths[binaryName]
		if !ok {
			return tserr.Config(p.key, "no --startup-threads-paths entry for binary %q", binaryName)
		}

		vspace, err := capmodel.NewVSpace(p.key, binaryName, index, binaryPath, pageSize)
		if err != nil {
			return err
		}
		table.Append(vspace.Cap)
		m.VSpaces[p.key] = vspace
		m.VSpaceNames = append(m.VSpaceNames, p.key)
		tlog.L.Debugf("vspace %s: %s (nonce %d, %d load segments)", p.key, binaryPath, index, len(vspace.Chunks))
	}
	return nil
}

// rule 5: threads[name] = {cspace, vspace, ipc_buffer, stack_size, entry?, args?, envps?}
func ingestThreads(tl *topLevel, table *capmodel.CapTable, m *Model) error {
	pairs, err := orderedMapping(tl.Threads)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		tcbName := p.key
		tcb, err := table.ByName(tcbName)
		if err != nil {
			return tserr.Config(tcbName, "no TCB cap with this name found - create it in the caps section: %w", err)
		}
		if tcb.Kind != capmodel.KindTCB {
			return tserr.Config(tcbName, "expected a tcb cap, got kind %q", tcb.Kind)
		}

		var raw threadRaw
		if err := p.node.Decode(&raw); err != nil {
			return tserr.Config(tcbName, "invalid thread: %w", err)
		}

		cspace, err := table.ByName(raw.CSpace)
		if err != nil {
			return tserr.Config(tcbName, "cspace %q: %w", raw.CSpace, err)
		}
		if cspace.Kind != capmodel.KindCNode {
			return tserr.Config(tcbName, "expected cspace %q to be a cnode, got %q", raw.CSpace, cspace.Kind)
		}

		vspace, ok := m.VSpaces[raw.VSpace]
		if !ok {
			return tserr.Config(tcbName, "no vspace named %q", raw.VSpace)
		}

		ipcBuffer, err := table.ByName(raw.IPCBuffer)
		if err != nil {
			return tserr.Config(tcbName, "ipc_buffer %q: %w", raw.IPCBuffer, err)
		}
		if ipcBuffer.Kind != capmodel.KindFrame {
			return tserr.Config(tcbName, "expected ipc_buffer %q to be a frame, got %q", raw.IPCBuffer, ipcBuffer.Kind)
		}

		if raw.StackSize == nil || *raw.StackSize < 0 {
			return tserr.Config(tcbName, "stack_size must be a non-negative integer")
		}
		stackSize := uint64(*raw.StackSize)

		var entryAddr uint64
		if raw.Entry != nil {
			sym, ok := vspace.Symbol(*raw.Entry)
			if !ok {
				return tserr.Config(tcbName, "entry symbol %q not found in vspace %q", *raw.Entry, raw.VSpace)
			}
			entryAddr = sym.Value
		} else {
			entryAddr = vspace.EntryPoint()
		}

		thread, err := capmodel.NewThread(tcb, cspace, vspace, ipcBuffer, stackSize, entryAddr, raw.Args, raw.Envps)
		if err != nil {
			return err
		}
		m.Threads[tcbName] = thread
		m.ThreadNames = append(m.ThreadNames, tcbName)
	}
	return nil
}

// Optional gp_untypeds_cnode designation (§3, §4.4 step 3, §4.7).
func ingestGPUntypedsCNode(tl *topLevel, table *capmodel.CapTable, m *Model) error {
	if tl.GPUntypedsCNode == nil {
		return nil
	}
	cnode, ok := m.CNodes[*tl.GPUntypedsCNode]
	if !ok {
		if table.Has(*tl.GPUntypedsCNode) {
			return tserr.Config(*tl.GPUntypedsCNode, "gp_untypeds_cnode must be a cnode")
		}
		return tserr.Config(*tl.GPUntypedsCNode, "gp_untypeds_cnode references unknown cap")
	}

	// The slots config explicitly populated occupy [0, nextFree); the
	// remainder of the cnode is reserved for the general-purpose
	// untypeds the runtime loader hands over at boot.
	nextFree := 0
	for idx := range cnode.Slots {
		if idx+1 > nextFree {
			nextFree = idx + 1
		}
	}
	end := 1 << cnode.SizeBits
	if nextFree >= end {
		return tserr.Config(*tl.GPUntypedsCNode, "cnode has no free slots left for general-purpose untypeds")
	}
	cnode.GPUntypedsStart = &nextFree
	cnode.GPUntypedsEnd = &end

	m.GPUntypedsCNode = cnode
	return nil
}

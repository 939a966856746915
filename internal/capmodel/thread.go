package capmodel

import "github.com/tailspring/tailspring/internal/tserr"

// Thread is the tuple spec §3 names, plus the fields thread layout
// fills in once per-vspace stack/IPC-buffer placement has run.
type Thread struct {
	TCB        *Cap
	CSpace     *Cap
	VSpace     *VSpace
	IPCBuffer  *Cap
	StackSize  uint64
	EntryAddr  uint64
	Args       []string
	Envps      []string

	// Filled in by internal/threadlayout.
	IPCBufferAddr    uint64
	StackTopAddr     uint64
	StackPointerAddr uint64
	Arg0             uint64
	Arg1             uint64
	Arg2             uint64
}

// NewThread validates the kind invariants spec §3 lists for a Thread
// and returns the partially-initialized value; stack/IPC-buffer fields
// are set later by thread layout.
func NewThread(tcb, cspace *Cap, vspace *VSpace, ipcBuffer *Cap, stackSize, entryAddr uint64, args, envps []string) (*Thread, error) {
	if tcb.Kind != KindTCB {
		return nil, tserr.Config(tcb.Name, "expected kind tcb, got %q", tcb.Kind)
	}
	if cspace.Kind != KindCNode {
		return nil, tserr.Config(cspace.Name, "expected kind cnode, got %q", cspace.Kind)
	}
	if ipcBuffer.Kind != KindFrame {
		return nil, tserr.Config(ipcBuffer.Name, "expected kind frame, got %q", ipcBuffer.Kind)
	}
	return &Thread{
		TCB:       tcb,
		CSpace:    cspace,
		VSpace:    vspace,
		IPCBuffer: ipcBuffer,
		StackSize: stackSize,
		EntryAddr: entryAddr,
		Args:      args,
		Envps:     envps,
	}, nil
}

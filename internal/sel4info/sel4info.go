// Package sel4info invokes the externally-supplied seL4 info getter
// binary and exposes the JSON record it emits on stdout (§6): target
// arch, endianness, numeric literals, and per-kind object sizes.
package sel4info

import (
	"bytes"
	"encoding/json"
	"os/exec"

	"github.com/tailspring/tailspring/internal/tserr"
)

// Info is the parsed seL4 info JSON record.
type Info struct {
	Arch        string           `json:"arch"`
	Endianness  string           `json:"endianness"`
	Literals    map[string]int64 `json:"literals"`
	ObjectSizes map[string]int   `json:"object_sizes"`
}

// Literal keys used throughout the pipeline, named here once so a typo
// in a string literal can't silently resolve to zero.
const (
	LitPageBits           = "seL4_PageBits"
	LitSlotBits           = "seL4_SlotBits"
	LitWordBits           = "seL4_WordBits"
	LitSizeofInt          = "sizeof(int)"
	LitOffsetofAuxvAUn    = "offsetof(auxv_t, a_un)"
	LitAtNull             = "AT_NULL"
	LitAtSel4IPCBufferPtr = "AT_SEL4_IPC_BUFFER_PTR"
	LitAtSysinfo          = "AT_SYSINFO"
)

// Get runs the getter binary and parses its stdout as JSON. A
// non-zero exit surfaces the getter's stderr verbatim, per §7's
// ToolError policy.
func Get(getterPath string) (*Info, error) {
	cmd := exec.Command(getterPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, tserr.Tool(getterPath, errWithStderr(err, stderr.String()))
	}

	var info Info
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, tserr.Tool(getterPath, err)
	}
	return &info, nil
}

func errWithStderr(err error, stderr string) error {
	if stderr == "" {
		return err
	}
	return &stderrError{err: err, stderr: stderr}
}

type stderrError struct {
	err    error
	stderr string
}

func (e *stderrError) Error() string { return e.stderr }
func (e *stderrError) Unwrap() error { return e.err }

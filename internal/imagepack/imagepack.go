// Package imagepack turns every vspace's padded BinaryChunks into a
// single linkable object file (§4.6): one .bin dump per chunk, each
// turned into a relocatable object via the external compiler driver's
// linker mode, then linked together under a fixed section name so the
// generated header's extern symbols resolve against it.
package imagepack

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/tailspring/tailspring/internal/capmodel"
	"github.com/tailspring/tailspring/internal/tlog"
	"github.com/tailspring/tailspring/internal/tserr"
)

const linkerScript = "SECTIONS {.startup_threads_data : { *(.data) }}"

// Pack writes one .bin/.o pair per chunk under workDir, links them all
// into outputObjPath via gccPath, and returns only an error - the
// caller only needs the side effect of outputObjPath existing on disk.
func Pack(gccPath, workDir, outputObjPath string, vspaceNames []string, vspaces map[string]*capmodel.VSpace) error {
	var objPaths []string
	for _, name := range vspaceNames {
		vs := vspaces[name]
		for _, chunk := range vs.Chunks {
			objPath, err := packChunk(gccPath, workDir, chunk)
			if err != nil {
				return err
			}
			objPaths = append(objPaths, objPath)
		}
	}

	scriptPath := filepath.Join(workDir, "script.ld")
	if err := os.WriteFile(scriptPath, []byte(linkerScript), 0o644); err != nil {
		return tserr.IO(scriptPath, err)
	}

	args := append([]string{
		"-static", "-nostdlib", "-Wl,-r,--build-id=none",
		"-Wl,-T", scriptPath,
		"-o", outputObjPath,
	}, objPaths...)

	tlog.L.Debugf("linking startup threads object: %s %v", gccPath, args)
	cmd := exec.Command(gccPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return tserr.Tool(gccPath, toolError(err, out))
	}
	return nil
}

// packChunk writes chunk's padded bytes to a .bin file and turns it
// into a .o file via gcc's ld -b binary mode, run from workDir so the
// linker-generated symbol names stay short (the linker derives
// _binary_<path>_bin_start from the input file's path, so a bare
// filename is required - an absolute path would leak into every
// generated symbol name).
func packChunk(gccPath, workDir string, chunk *capmodel.BinaryChunk) (string, error) {
	binName := chunk.Name + ".bin"
	objName := chunk.Name + ".o"
	binPath := filepath.Join(workDir, binName)

	if err := os.WriteFile(binPath, chunk.DataAligned, 0o644); err != nil {
		return "", tserr.IO(binPath, err)
	}

	cmd := exec.Command(gccPath, "-static", "-nostdlib", "-fno-lto", "-Wl,-r,-b,binary", binName, "-o", objName)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", tserr.Tool(gccPath, toolError(err, out))
	}

	return filepath.Join(workDir, objName), nil
}

func toolError(err error, output []byte) error {
	if len(output) == 0 {
		return err
	}
	return &outputError{err: err, output: string(output)}
}

type outputError struct {
	err    error
	output string
}

func (e *outputError) Error() string { return e.output }
func (e *outputError) Unwrap() error { return e.err }

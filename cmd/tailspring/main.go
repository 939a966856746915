// Command tailspring runs the offline generator end to end: read a
// system config, ask the seL4 info getter for the target's numeric
// facts, build every vspace's paging structures and thread layout,
// pack the startup-thread images into a linkable object, and emit the
// generated capability-operations header.
package main

import (
	"flag"
	"fmt"
	"os"

	env "github.com/xyproto/env/v2"

	"github.com/tailspring/tailspring/internal/archdesc"
	"github.com/tailspring/tailspring/internal/cliutil"
	"github.com/tailspring/tailspring/internal/config"
	"github.com/tailspring/tailspring/internal/emit"
	"github.com/tailspring/tailspring/internal/imagepack"
	"github.com/tailspring/tailspring/internal/opplan"
	"github.com/tailspring/tailspring/internal/pagetree"
	"github.com/tailspring/tailspring/internal/sel4info"
	"github.com/tailspring/tailspring/internal/threadlayout"
	"github.com/tailspring/tailspring/internal/tlog"
	"github.com/tailspring/tailspring/internal/tserr"
)

// startupThreadsFlag collects repeated -startup-threads-paths
// name=path arguments into a map, the way the original tool's
// argparse "append" action did.
type startupThreadsFlag map[string]string

func (f startupThreadsFlag) String() string {
	return fmt.Sprintf("%v", map[string]string(f))
}

func (f startupThreadsFlag) Set(value string) error {
	name, path, ok := splitNameEqualsPath(value)
	if !ok {
		return fmt.Errorf("expected name=path, got %q", value)
	}
	f[name] = path
	return nil
}

func splitNameEqualsPath(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func main() {
	if err := run(); err != nil {
		tlog.L.Error(err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath        = flag.String("config", "", "path to the system config YAML file")
		getterPath        = flag.String("sel4-info-getter", "", "path to the seL4 info getter binary")
		gccPath           = flag.String("gcc", "gcc", "path to the compiler driver used to pack startup-thread images")
		outputHeaderPath  = flag.String("output-header", "", "path to write the generated capability-operations header")
		outputObjPath     = flag.String("output-startup-threads-obj", "", "path to write the packed startup-threads object file")
		verbose           = flag.Bool("verbose", env.Bool("TAILSPRING_VERBOSE"), "enable debug logging")
		startupThreads    = make(startupThreadsFlag)
	)
	flag.Var(startupThreads, "startup-threads-paths", "name=path, repeatable: maps a vspace's binary_name to its compiled ELF")
	flag.Parse()

	tlog.SetVerbose(*verbose)

	if *configPath == "" {
		return tserr.Config("<args>", "missing required -config")
	}
	if *getterPath == "" {
		return tserr.Config("<args>", "missing required -sel4-info-getter")
	}
	if *outputHeaderPath == "" {
		return tserr.Config("<args>", "missing required -output-header")
	}
	if *outputObjPath == "" {
		return tserr.Config("<args>", "missing required -output-startup-threads-obj")
	}

	if err := cliutil.MustExist("config", *configPath); err != nil {
		return err
	}
	if err := cliutil.ParentWritable("output-header", *outputHeaderPath); err != nil {
		return err
	}
	if err := cliutil.ParentWritable("output-startup-threads-obj", *outputObjPath); err != nil {
		return err
	}

	tlog.L.Debugf("querying seL4 info getter %s", *getterPath)
	info, err := sel4info.Get(*getterPath)
	if err != nil {
		return err
	}

	arch, ok := archdesc.ParseArch(info.Arch)
	if !ok {
		return tserr.Config(*getterPath, "unsupported target arch %q", info.Arch)
	}
	archInfo := archdesc.For(arch)

	pageBits, ok := info.Literals[sel4info.LitPageBits]
	if !ok {
		return tserr.Internal(*getterPath, "seL4 info missing literal %q", sel4info.LitPageBits)
	}
	pageSize := uint64(1) << pageBits

	tlog.L.Debugf("loading config %s", *configPath)
	tl, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	model, err := config.Ingest(tl, startupThreads, pageSize)
	if err != nil {
		return err
	}

	tlog.L.Debug("building paging structures")
	trees := pagetree.BuildAll(model.CapTable, archInfo, model.VSpaceNames, model.VSpaces)

	tlog.L.Debug("laying out thread stacks and IPC buffers")
	layout, err := threadlayout.Place(model, trees, info, pageSize)
	if err != nil {
		return err
	}

	tmpDir := env.StrOr("TAILSPRING_TMPDIR", "")
	if tmpDir == "" {
		tmpDir, err = os.MkdirTemp("", "tailspring-*")
		if err != nil {
			return tserr.IO("<tmpdir>", err)
		}
		defer os.RemoveAll(tmpDir)
	}

	tlog.L.Debugf("packing startup-thread images under %s", tmpDir)
	if err := imagepack.Pack(*gccPath, tmpDir, *outputObjPath, model.VSpaceNames, model.VSpaces); err != nil {
		return err
	}

	tlog.L.Debug("planning capability operations")
	ops, err := opplan.Plan(model, archInfo, trees, layout, info)
	if err != nil {
		return err
	}

	tlog.L.Debugf("writing generated header to %s", *outputHeaderPath)
	header := emit.Header(model.CapTable.SlotsRequired(), archInfo, model.VSpaceNames, model.VSpaces, ops)
	if err := os.WriteFile(*outputHeaderPath, []byte(header), 0o644); err != nil {
		return tserr.IO(*outputHeaderPath, err)
	}

	return nil
}

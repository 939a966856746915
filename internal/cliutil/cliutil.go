// Package cliutil holds the small filesystem checks main wants before
// committing to a run: does an input path exist, and can an output
// path actually be written to its parent directory.
package cliutil

import (
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/tailspring/tailspring/internal/tserr"
)

// MustExist checks that path exists and is readable, returning a
// tserr.IO-wrapped error naming entity if not.
func MustExist(entity, path string) error {
	if err := unix.Access(path, unix.R_OK); err != nil {
		return tserr.IO(entity, err)
	}
	return nil
}

// ParentWritable checks that path's parent directory exists and is
// writable, so a late-stage failure doesn't wait until the generator
// has already done most of its work to report a bad --output flag.
func ParentWritable(entity, path string) error {
	dir := filepath.Dir(path)
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return tserr.IO(entity, err)
	}
	return nil
}

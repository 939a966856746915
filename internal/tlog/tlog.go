// Package tlog sets up the process-wide structured logger every other
// package logs through, the way nestybox-libs' test harnesses alias
// logrus as "log" and drive verbosity off a single switch.
package tlog

import (
	log "github.com/sirupsen/logrus"
)

// L is the shared logger. Tailspring is strictly single-threaded and
// sequential (§5), so a single package-level logger needs no locking
// beyond what logrus already does internally.
var L = log.New()

func init() {
	L.SetFormatter(&log.TextFormatter{
		DisableTimestamp: true,
		FullTimestamp:    false,
	})
	L.SetLevel(log.InfoLevel)
}

// SetVerbose raises the log level to Debug, tracing every pipeline
// stage as it runs.
func SetVerbose(verbose bool) {
	if verbose {
		L.SetLevel(log.DebugLevel)
	} else {
		L.SetLevel(log.InfoLevel)
	}
}

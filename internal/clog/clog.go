// Package clog provides the process-wide diagnostic logger used across
// cloudsync. It is deliberately thin: a single *log.Logger behind a
// package-level variable so tests can redirect output, with verbosity
// gated behind a debug flag.
package clog

import (
	"io"
	"log"
	"os"
	"sync"
)

var (
	mu     sync.Mutex
	logger = log.New(os.Stderr, "cloudsync: ", log.LstdFlags)
	debug  = os.Getenv("CLOUDSYNC_DEBUG") != ""
)

// SetOutput redirects the logger, used by tests to capture or silence output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetOutput(w)
}

// SetDebug toggles verbose diagnostics at runtime (mirrors CLOUDSYNC_DEBUG).
func SetDebug(on bool) {
	mu.Lock()
	defer mu.Unlock()
	debug = on
}

// Printf logs unconditionally, for user-facing operational messages
// (payload applied, table registered, schema evolved).
func Printf(format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	logger.Printf(format, args...)
}

// Debugf logs only when debug diagnostics are enabled, for the noisy
// per-row tracing the merge engine and capture layer can emit.
func Debugf(format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	if debug {
		logger.Printf("[debug] "+format, args...)
	}
}

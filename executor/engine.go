package executor

import (
	"context"
	"io"
)

// PackagesEnv names the environment variable through which engines tell the
// guest where additional libraries live.
const PackagesEnv = "LECTERN_PACKAGES"

// Engine hosts interpreter processes.
type Engine interface {
	// Name identifies the engine (e.g., "wasm", "process").
	Name() string

	// Prepare makes the interpreter available, fetching or compiling it
	// on first use. It is safe to call more than once.
	Prepare(ctx context.Context) error

	// Start launches one interpreter process. Prepare must have succeeded.
	Start(ctx context.Context, spec ProcessSpec) (Process, error)

	Close(ctx context.Context) error
}

// ProcessSpec describes one interpreter process.
type ProcessSpec struct {
	Args   []string
	Env    map[string]string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// PackagesDir is a host directory of extra libraries. The engine makes
	// it visible to the guest and exports its guest path in PackagesEnv.
	PackagesDir string
}

// Process is a running interpreter.
type Process interface {
	// Wait blocks until the process exits.
	Wait() error
	// Kill stops the process. It is safe to call after exit.
	Kill() error
}

package executor

import "context"

// Language defines the guest side of an interpreter runtime.
// Implement this interface to add support for new languages.
type Language interface {
	// Name returns a unique identifier for this language (e.g., "python").
	Name() string

	// Bootstrap returns the guest program that runs the session loop: it
	// announces readiness, reads exec commands from stdin and reports
	// results, errors and host calls on stderr.
	Bootstrap() string

	// Args returns the interpreter argv, program name first, that runs
	// the given program.
	// For Python: []string{"python", "-c", program}
	Args(program string) []string

	// ImportCode returns guest code that loads the named library.
	ImportCode(pkg string) string

	// InstallCode returns guest code that installs the named library on
	// demand and makes it importable.
	InstallCode(pkg string) string
}

// Runtime is a booted interpreter shared by every caller that obtained it
// from a Loader. Exec calls are serialized; callers that need several
// Exec calls to run back to back must hold the runtime via Acquire.
type Runtime interface {
	// Exec runs code and returns the value of its final expression.
	Exec(ctx context.Context, code string) (string, error)

	// Import loads a library into the runtime.
	Import(ctx context.Context, pkg string) error

	// Install fetches a library the runtime does not bundle.
	Install(ctx context.Context, pkg string) error

	// Acquire reserves the runtime for exclusive use until release is called.
	Acquire(ctx context.Context) (release func(), err error)

	// Done is closed once the runtime has exited.
	Done() <-chan struct{}

	Close() error
}

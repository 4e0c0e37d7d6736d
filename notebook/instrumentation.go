package notebook

import (
	"strings"

	"github.com/caffeineduck/lectern/hostfunc"
)

// Instrumentation generates the guest code a Session wraps around user
// source. Each method returns a snippet in the guest language.
type Instrumentation interface {
	// RedirectOutput starts capturing standard output in a fresh buffer.
	RedirectOutput() string

	// OverrideDisplay replaces the figure display call with one that writes
	// prefix + base64 PNG as one buffer line and clears the figure.
	OverrideDisplay(prefix string) string

	// PreloadDatasets binds each dataset to a guest variable, once per
	// runtime. It may return "".
	PreloadDatasets(sets []hostfunc.Dataset) string

	// Cell wraps user source so that it compiles apart from the
	// surrounding instrumentation and reports its own line numbers.
	Cell(source string) string

	// Restore undoes both overrides, discards figures left undisplayed and
	// evaluates to the buffer contents without printing them. It must be
	// safe to run more than once and after a failed prologue.
	Restore() string
}

func program(in Instrumentation, sets []hostfunc.Dataset, source string) string {
	var cell string
	if source != "" {
		cell = in.Cell(source)
	}
	parts := []string{
		in.RedirectOutput(),
		in.OverrideDisplay(ImagePrefix),
		in.PreloadDatasets(sets),
		cell,
		in.Restore(),
	}

	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(p)
		if !strings.HasSuffix(p, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

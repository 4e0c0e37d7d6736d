// Package python provides the Python language adapter for lectern.
package python

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/caffeineduck/lectern/hostfunc"
)

//go:embed stdlib.py
var stdlib string

// importNames maps distribution names to the module they provide when the
// two differ.
var importNames = map[string]string{
	"scikit-learn":   "sklearn",
	"pillow":         "PIL",
	"beautifulsoup4": "bs4",
	"pyyaml":         "yaml",
}

// Python implements executor.Language and notebook.Instrumentation.
type Python struct{}

// New returns a Python language adapter.
func New() *Python {
	return &Python{}
}

// Name returns "python".
func (p *Python) Name() string {
	return "python"
}

// Bootstrap returns the session loop and the call/install_pkg bindings.
func (p *Python) Bootstrap() string {
	return stdlib
}

// Args returns the command-line arguments for the Python interpreter.
func (p *Python) Args(program string) []string {
	return []string{"python", "-c", program}
}

func (p *Python) ImportCode(pkg string) string {
	return fmt.Sprintf("__import__(%s)\nNone", pyString(ModuleName(pkg)))
}

func (p *Python) InstallCode(pkg string) string {
	return fmt.Sprintf("install_pkg(%s)\nNone", pyString(pkg))
}

// ModuleName returns the importable module name of a distribution.
func ModuleName(pkg string) string {
	name := strings.ToLower(pkg)
	if i := strings.IndexAny(name, "[<>=!~ "); i >= 0 {
		name = name[:i]
	}
	if mod, ok := importNames[name]; ok {
		return mod
	}
	return strings.ReplaceAll(name, "-", "_")
}

const redirectCode = `import io as _lab_io, sys as _lab_sys
if not isinstance(_lab_sys.stdout, _lab_io.StringIO):
    _lab_stdout = _lab_sys.stdout
_lab_buf = _lab_io.StringIO()
_lab_sys.stdout = _lab_buf

def _lab_restore():
    g = globals()
    if "_lab_stdout" in g:
        _lab_sys.stdout = g["_lab_stdout"]
    if g.get("_lab_plt") is not None:
        if "_lab_show" in g:
            g["_lab_plt"].show = g["_lab_show"]
        g["_lab_plt"].close("all")
    buf = g.pop("_lab_buf", None)
    return buf.getvalue() if buf is not None else ""
`

const displayCode = `try:
    import matplotlib as _lab_mpl
    _lab_mpl.use("Agg")
    import matplotlib.pyplot as _lab_plt
except ImportError:
    _lab_plt = None

if _lab_plt is not None:
    if "_lab_show" not in globals():
        _lab_show = _lab_plt.show

    def _lab_display(*args, **kwargs):
        import base64 as _b64, io as _io
        fig = _lab_plt.gcf()
        if fig.get_axes():
            png = _io.BytesIO()
            fig.savefig(png, format="png", bbox_inches="tight")
            _lab_buf.write(%s + _b64.b64encode(png.getvalue()).decode("ascii") + "\n")
        _lab_plt.clf()

    _lab_plt.show = _lab_display
`

const datasetLoaderCode = `if "_lab_load_dataset" not in globals():
    def _lab_load_dataset(name, fallback):
        import io as _io
        try:
            text = call("dataset_fetch", {"name": name})["csv"]
        except Exception:
            text = fallback
        try:
            import pandas as _pd
            return _pd.read_csv(_io.StringIO(text))
        except ImportError:
            import csv as _csv
            return list(_csv.DictReader(_io.StringIO(text)))
`

const cellCode = `def _lab_cell(src):
    exec(compile(src, "<cell>", "exec"), globals())
`

// RedirectOutput routes stdout into a fresh buffer and defines the restore
// function.
func (p *Python) RedirectOutput() string {
	return redirectCode
}

// OverrideDisplay replaces plt.show with a function that writes each figure
// as prefix + base64 PNG on its own buffer line.
func (p *Python) OverrideDisplay(prefix string) string {
	return fmt.Sprintf(displayCode, pyString(prefix))
}

// PreloadDatasets binds each dataset to a global of the same name unless it
// is already defined.
func (p *Python) PreloadDatasets(sets []hostfunc.Dataset) string {
	if len(sets) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(datasetLoaderCode)
	for _, ds := range sets {
		fmt.Fprintf(&b, "if %s not in globals():\n    globals()[%s] = _lab_load_dataset(%s, %s)\n",
			pyString(ds.Name), pyString(ds.Name), pyString(ds.Name), pyString(ds.Fallback))
	}
	return b.String()
}

// Cell runs source as its own compilation unit named <cell>, so tracebacks
// count its lines from 1.
func (p *Python) Cell(source string) string {
	return cellCode + "_lab_cell(" + pyString(source) + ")"
}

// Restore undoes the overrides, closes every open figure and evaluates to
// the buffered output. The
// buffer is released, so a repeated Restore, or one after a run whose
// RedirectOutput never executed, evaluates to "".
func (p *Python) Restore() string {
	return `globals().get("_lab_restore", lambda: "")()`
}

// pyString quotes s as a Python string literal. JSON string syntax is a
// subset of Python's.
func pyString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

package python

import (
	"strings"
	"testing"

	"github.com/caffeineduck/lectern/executor"
	"github.com/caffeineduck/lectern/hostfunc"
	"github.com/caffeineduck/lectern/notebook"
)

var (
	_ executor.Language        = (*Python)(nil)
	_ notebook.Instrumentation = (*Python)(nil)
)

func TestStdlibContents(t *testing.T) {
	if len(stdlib) == 0 {
		t.Fatal("stdlib not embedded")
	}
	checks := []string{
		"def call(",
		"def install_pkg(",
		"LECTERN_READY",
		"LECTERN_RESULT:",
		"LECTERN_ERROR:",
		"LECTERN_DONE",
		"LECTERN_PACKAGES",
		"LECTERN_SESSION",
	}
	for _, check := range checks {
		if !strings.Contains(stdlib, check) {
			t.Errorf("stdlib missing %q", check)
		}
	}
	if New().Bootstrap() != stdlib {
		t.Error("Bootstrap should return the embedded stdlib")
	}
}

func TestArgs(t *testing.T) {
	args := New().Args("print(1)")
	want := []string{"python", "-c", "print(1)"}
	if len(args) != len(want) {
		t.Fatalf("Args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("Args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestModuleName(t *testing.T) {
	tests := []struct {
		pkg  string
		want string
	}{
		{"numpy", "numpy"},
		{"scikit-learn", "sklearn"},
		{"Pillow", "PIL"},
		{"beautifulsoup4", "bs4"},
		{"PyYAML", "yaml"},
		{"typing-extensions", "typing_extensions"},
		{"pandas>=2.0", "pandas"},
		{"requests[socks]", "requests"},
	}
	for _, tt := range tests {
		if got := ModuleName(tt.pkg); got != tt.want {
			t.Errorf("ModuleName(%q) = %q, want %q", tt.pkg, got, tt.want)
		}
	}
}

func TestImportAndInstallCode(t *testing.T) {
	p := New()

	if got, want := p.ImportCode("scikit-learn"), "__import__(\"sklearn\")\nNone"; got != want {
		t.Errorf("ImportCode = %q, want %q", got, want)
	}
	if got, want := p.InstallCode("seaborn"), "install_pkg(\"seaborn\")\nNone"; got != want {
		t.Errorf("InstallCode = %q, want %q", got, want)
	}
}

func TestRedirectOutput(t *testing.T) {
	code := New().RedirectOutput()
	for _, want := range []string{"_lab_buf = _lab_io.StringIO()", "_lab_sys.stdout = _lab_buf", "def _lab_restore():"} {
		if !strings.Contains(code, want) {
			t.Errorf("RedirectOutput missing %q", want)
		}
	}
}

func TestOverrideDisplay(t *testing.T) {
	code := New().OverrideDisplay(notebook.ImagePrefix)
	if !strings.Contains(code, `"`+notebook.ImagePrefix+`"`) {
		t.Error("display override does not write the image prefix")
	}
	if !strings.Contains(code, `_lab_mpl.use("Agg")`) {
		t.Error("display override should select a non-interactive backend")
	}
	if strings.Contains(code, "%!") {
		t.Errorf("formatting error in display code:\n%s", code)
	}
}

func TestPreloadDatasets(t *testing.T) {
	p := New()
	if got := p.PreloadDatasets(nil); got != "" {
		t.Errorf("no datasets should produce no code, got %q", got)
	}

	code := p.PreloadDatasets([]hostfunc.Dataset{
		{Name: "penguins", Fallback: "species,mass\n\"Adelie\",3750\n"},
		{Name: "tips"},
	})
	for _, want := range []string{
		"def _lab_load_dataset(name, fallback):",
		`call("dataset_fetch", {"name": name})`,
		`globals()["penguins"] = _lab_load_dataset("penguins", "species,mass\n\"Adelie\",3750\n")`,
		`globals()["tips"] = _lab_load_dataset("tips", "")`,
	} {
		if !strings.Contains(code, want) {
			t.Errorf("PreloadDatasets missing %q", want)
		}
	}
}

func TestRestore(t *testing.T) {
	if got := New().Restore(); !strings.Contains(got, "_lab_restore") {
		t.Errorf("Restore = %q", got)
	}
	if !strings.Contains(New().RedirectOutput(), `g["_lab_plt"].close("all")`) {
		t.Error("restore should close figures left undisplayed")
	}
}

func TestCell(t *testing.T) {
	code := New().Cell("x = (\nprint(\"hi\")")
	if !strings.Contains(code, `compile(src, "<cell>", "exec")`) {
		t.Errorf("Cell should compile the source on its own:\n%s", code)
	}
	if !strings.HasSuffix(code, `_lab_cell("x = (\nprint(\"hi\")")`) {
		t.Errorf("Cell should pass the source as one literal:\n%s", code)
	}
}

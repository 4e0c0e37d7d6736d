package python_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/lectern/executor"
	"github.com/caffeineduck/lectern/hostfunc"
	"github.com/caffeineduck/lectern/language/python"
	"github.com/caffeineduck/lectern/notebook"
)

// A pyplot stand-in: savefig writes the repr of the plotted lines, so a
// decoded image shows exactly which plot calls it contains.
const fakePyplot = `class Figure:
    def __init__(self):
        self.lines = []

    def get_axes(self):
        return [self] if self.lines else []

    def savefig(self, buf, format=None, **kwargs):
        buf.write(repr(self.lines).encode())


_current = None


def gcf():
    global _current
    if _current is None:
        _current = Figure()
    return _current


def plot(*args):
    gcf().lines.append(args)


def clf():
    gcf().lines = []


def close(which=None):
    global _current
    _current = None


def show():
    pass
`

func newPythonSession(t *testing.T, opts ...notebook.Option) (*notebook.Session, *executor.Loader) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	pkgs := t.TempDir()
	mpl := filepath.Join(pkgs, "matplotlib")
	if err := os.MkdirAll(mpl, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mpl, "__init__.py"), []byte("def use(backend):\n    pass\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mpl, "pyplot.py"), []byte(fakePyplot), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := executor.NewLoader(executor.NewProcessEngine("python3"), python.New(),
		executor.WithInterpreterOptions(executor.WithPackagesDir(pkgs)),
	)
	t.Cleanup(func() { loader.Close() })
	return notebook.NewSession(loader, python.New(), opts...), loader
}

func decodeImages(t *testing.T, res notebook.Result) []string {
	t.Helper()
	var out []string
	for _, img := range res.Images {
		data, err := img.Decode()
		if err != nil {
			t.Fatalf("decode image: %v", err)
		}
		out = append(out, string(data))
	}
	return out
}

func TestPythonSessionText(t *testing.T) {
	s, _ := newPythonSession(t)

	res := s.Run(context.Background(), "print('hello')\nprint(1 + 2)")
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.Text != "hello\n3\n" {
		t.Errorf("text = %q", res.Text)
	}
	for _, marker := range []string{"\x00", "LECTERN", notebook.ImagePrefix, "_lab_"} {
		if strings.Contains(res.Text, marker) {
			t.Errorf("text leaks %q: %q", marker, res.Text)
		}
	}
}

func TestPythonSessionPartialOutputOnError(t *testing.T) {
	s, loader := newPythonSession(t)
	ctx := context.Background()

	res := s.Run(ctx, "print('before')\n1 / 0\nprint('after')")
	if !strings.Contains(res.Error, "ZeroDivisionError") {
		t.Errorf("error = %q", res.Error)
	}
	if res.Text != "before\n" {
		t.Errorf("partial text = %q", res.Text)
	}

	next := s.Run(ctx, "print('ok')")
	if next.Error != "" || next.Text != "ok\n" {
		t.Errorf("run after error = %+v", next)
	}
	if got := loader.Attempts(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestPythonSessionSyntaxErrorLine(t *testing.T) {
	s, _ := newPythonSession(t)
	ctx := context.Background()

	res := s.Run(ctx, "x = (")
	if !strings.Contains(res.Error, `"<cell>", line 1`+"\n") {
		t.Errorf("error = %q, want a <cell> location on line 1", res.Error)
	}

	res = s.Run(ctx, "y = 1\nz = 2\nif True print(y)")
	if !strings.Contains(res.Error, `"<cell>", line 3`+"\n") {
		t.Errorf("error = %q, want line 3", res.Error)
	}

	next := s.Run(ctx, "print('recovered')")
	if next.Text != "recovered\n" {
		t.Errorf("run after syntax error = %+v", next)
	}
}

func TestPythonSessionIsolation(t *testing.T) {
	s, _ := newPythonSession(t)
	ctx := context.Background()

	first := s.Run(ctx, "x = 42\nprint('one')")
	second := s.Run(ctx, "print(x)")
	if first.Text != "one\n" {
		t.Errorf("first text = %q", first.Text)
	}
	if second.Text != "42\n" {
		t.Errorf("second text = %q, variables persist, output does not", second.Text)
	}
}

func TestPythonSessionFigures(t *testing.T) {
	s, _ := newPythonSession(t)
	ctx := context.Background()

	res := s.Run(ctx, "import matplotlib.pyplot as plt\nplt.plot(1)\nprint('drawn')\nplt.show()\nplt.plot(2)")
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.Text != "drawn\n" {
		t.Errorf("text = %q", res.Text)
	}
	if got := decodeImages(t, res); len(got) != 1 || got[0] != "[(1,)]" {
		t.Errorf("first run images = %q", got)
	}

	res = s.Run(ctx, "plt.plot(3)\nplt.show()")
	if got := decodeImages(t, res); len(got) != 1 || got[0] != "[(3,)]" {
		t.Errorf("second run images = %q, an undisplayed figure leaked", got)
	}

	res = s.Run(ctx, "plt.show()")
	if len(res.Images) != 0 {
		t.Errorf("empty figure produced %d images", len(res.Images))
	}
}

func TestPythonSessionDatasetFallback(t *testing.T) {
	sets := []hostfunc.Dataset{{Name: "penguins", Fallback: "species,mass\nAdelie,3750\nGentoo,5000\n"}}
	s, _ := newPythonSession(t, notebook.WithDatasets(sets...))

	res := s.Run(context.Background(), "print(len(penguins))")
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.Text != "2\n" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestPythonSessionCallerDeadline(t *testing.T) {
	s, loader := newPythonSession(t)
	if res := s.Run(context.Background(), "x = 42"); res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res := s.Run(ctx, "import time\ntime.sleep(0.5)")
	if res.Error != context.DeadlineExceeded.Error() {
		t.Errorf("error = %q", res.Error)
	}

	next := s.Run(context.Background(), "print(x)")
	if next.Error != "" || next.Text != "42\n" {
		t.Errorf("run after caller deadline = %+v", next)
	}
	if got := loader.Attempts(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestPythonSessionTimeout(t *testing.T) {
	s, loader := newPythonSession(t, notebook.WithTimeout(200*time.Millisecond))
	ctx := context.Background()

	res := s.Run(ctx, "import time\ntime.sleep(5)")
	if res.Error != "execution timed out after 200ms" {
		t.Errorf("error = %q", res.Error)
	}

	next := s.Run(ctx, "print('again')")
	if next.Text != "again\n" {
		t.Errorf("run after timeout = %+v", next)
	}
	if got := loader.Attempts(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

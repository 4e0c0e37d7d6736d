package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/lectern/hostfunc"
)

func bootStub(t *testing.T, engine *StubEngine, opts ...InterpreterOption) *Interpreter {
	t.Helper()
	ctx := context.Background()
	if err := engine.Prepare(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	it, err := Boot(ctx, engine, StubLanguage{}, opts...)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	t.Cleanup(func() { it.Close() })
	return it
}

func TestInterpreterExecValue(t *testing.T) {
	it := bootStub(t, &StubEngine{})

	got, err := it.Exec(context.Background(), "hello")
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestInterpreterStatePersists(t *testing.T) {
	engine := &StubEngine{Guest: func() StubFunc {
		n := 0
		return func(_ *StubGuest, code string) (string, error) {
			n++
			return fmt.Sprint(n), nil
		}
	}}
	it := bootStub(t, engine)

	for want := 1; want <= 3; want++ {
		got, err := it.Exec(context.Background(), "tick")
		if err != nil {
			t.Fatalf("exec failed: %v", err)
		}
		if got != fmt.Sprint(want) {
			t.Errorf("got %q, want %d", got, want)
		}
	}
}

func TestInterpreterGuestError(t *testing.T) {
	engine := &StubEngine{Guest: func() StubFunc {
		return func(_ *StubGuest, code string) (string, error) {
			if code == "fail" {
				return "", errors.New("ValueError: nope")
			}
			return code, nil
		}
	}}
	it := bootStub(t, engine)

	_, err := it.Exec(context.Background(), "fail")
	var guestErr *GuestError
	if !errors.As(err, &guestErr) {
		t.Fatalf("expected *GuestError, got %v", err)
	}
	if guestErr.Message != "ValueError: nope" {
		t.Errorf("message = %q", guestErr.Message)
	}

	got, err := it.Exec(context.Background(), "still alive")
	if err != nil || got != "still alive" {
		t.Errorf("interpreter unusable after guest error: %q, %v", got, err)
	}
}

func TestInterpreterTimeoutKills(t *testing.T) {
	engine := &StubEngine{Guest: func() StubFunc {
		return func(g *StubGuest, code string) (string, error) {
			<-g.Killed
			return "", errors.New("killed")
		}
	}}
	it := bootStub(t, engine, WithExecTimeout(50*time.Millisecond))

	_, err := it.Exec(context.Background(), "loop forever")
	if !errors.Is(err, ErrExecTimeout) {
		t.Fatalf("expected ErrExecTimeout, got %v", err)
	}

	select {
	case <-it.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("interpreter not shut down after timeout")
	}

	if _, err := it.Exec(context.Background(), "x"); !errors.Is(err, ErrInterpreterClosed) {
		t.Errorf("expected ErrInterpreterClosed, got %v", err)
	}
}

func TestInterpreterContextCancel(t *testing.T) {
	engine := &StubEngine{Guest: func() StubFunc {
		return func(g *StubGuest, code string) (string, error) {
			<-g.Killed
			return "", errors.New("killed")
		}
	}}
	it := bootStub(t, engine, WithExecTimeout(0))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := it.Exec(ctx, "block")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	<-it.Done()
}

func TestInterpreterHostCall(t *testing.T) {
	registry := hostfunc.NewRegistry()
	registry.Register("greet", func(ctx context.Context, args map[string]any) (any, error) {
		return "hello " + args["name"].(string), nil
	})

	engine := &StubEngine{Guest: func() StubFunc {
		return func(g *StubGuest, code string) (string, error) {
			if code == "now" {
				v, err := g.Call("time_now", nil)
				if err != nil {
					return "", err
				}
				if _, ok := v.(float64); !ok {
					return "", fmt.Errorf("time_now returned %T", v)
				}
				return "ok", nil
			}
			v, err := g.Call("greet", map[string]any{"name": code})
			if err != nil {
				return "", err
			}
			return v.(string), nil
		}
	}}
	it := bootStub(t, engine, WithRegistry(registry))

	got, err := it.Exec(context.Background(), "ada")
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if got != "hello ada" {
		t.Errorf("got %q", got)
	}

	if got, err := it.Exec(context.Background(), "now"); err != nil || got != "ok" {
		t.Errorf("time_now: %q, %v", got, err)
	}

	if _, ok := registry.Get("time_now"); ok {
		t.Error("boot must not register into the caller's registry")
	}
}

func TestInterpreterImportInstall(t *testing.T) {
	engine := &StubEngine{Guest: func() StubFunc {
		return func(_ *StubGuest, code string) (string, error) {
			if strings.HasSuffix(code, " missing") {
				return "", errors.New("ModuleNotFoundError: missing")
			}
			return "", nil
		}
	}}
	it := bootStub(t, engine)
	ctx := context.Background()

	if err := it.Import(ctx, "numpy"); err != nil {
		t.Errorf("import numpy: %v", err)
	}
	err := it.Import(ctx, "missing")
	if err == nil || !strings.Contains(err.Error(), "import missing") {
		t.Errorf("expected wrapped import error, got %v", err)
	}
	err = it.Install(ctx, "missing")
	if err == nil || !strings.Contains(err.Error(), "install missing") {
		t.Errorf("expected wrapped install error, got %v", err)
	}
}

func TestInterpreterAcquireExclusive(t *testing.T) {
	it := bootStub(t, &StubEngine{})

	release, err := it.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := it.Acquire(ctx); err == nil {
		t.Fatal("second acquire should block while held")
	}

	release()
	release() // double release is a no-op

	release2, err := it.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestInterpreterConcurrentExec(t *testing.T) {
	it := bootStub(t, &StubEngine{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			code := fmt.Sprintf("cell-%d", n)
			got, err := it.Exec(context.Background(), code)
			if err != nil || got != code {
				t.Errorf("exec %s: got %q, %v", code, got, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestInterpreterCloseIdempotent(t *testing.T) {
	it := bootStub(t, &StubEngine{})

	if err := it.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := it.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	<-it.Done()

	if _, err := it.Exec(context.Background(), "x"); !errors.Is(err, ErrInterpreterClosed) {
		t.Errorf("expected ErrInterpreterClosed, got %v", err)
	}
}

func TestBootRequiresPrepare(t *testing.T) {
	_, err := Boot(context.Background(), &StubEngine{}, StubLanguage{})
	if !errors.Is(err, ErrNotPrepared) {
		t.Errorf("expected ErrNotPrepared, got %v", err)
	}
}

// scriptedEngine starts processes whose behaviour the test controls.
type scriptedEngine struct {
	start func(spec ProcessSpec) *scriptedProcess
}

func (e *scriptedEngine) Name() string                      { return "scripted" }
func (e *scriptedEngine) Prepare(ctx context.Context) error { return nil }
func (e *scriptedEngine) Close(ctx context.Context) error   { return nil }
func (e *scriptedEngine) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	return e.start(spec), nil
}

type scriptedProcess struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newScriptedProcess() *scriptedProcess {
	return &scriptedProcess{done: make(chan struct{})}
}

func (p *scriptedProcess) exit(err error) {
	p.err = err
	p.once.Do(func() { close(p.done) })
}

func (p *scriptedProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *scriptedProcess) Kill() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func TestBootExitDuringStart(t *testing.T) {
	engine := &scriptedEngine{start: func(spec ProcessSpec) *scriptedProcess {
		p := newScriptedProcess()
		io.WriteString(spec.Stderr, "fatal: no stdlib\n")
		p.exit(errors.New("exit status 1"))
		return p
	}}

	_, err := Boot(context.Background(), engine, StubLanguage{})
	if err == nil {
		t.Fatal("expected boot failure")
	}
	for _, want := range []string{"exited during start", "exit status 1", "fatal: no stdlib"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestBootStartTimeout(t *testing.T) {
	var proc *scriptedProcess
	engine := &scriptedEngine{start: func(spec ProcessSpec) *scriptedProcess {
		proc = newScriptedProcess()
		return proc
	}}

	_, err := Boot(context.Background(), engine, StubLanguage{}, WithStartTimeout(30*time.Millisecond))
	if err == nil || !strings.Contains(err.Error(), "start timeout") {
		t.Fatalf("expected start timeout, got %v", err)
	}

	select {
	case <-proc.done:
	case <-time.After(time.Second):
		t.Error("silent process was not killed")
	}
}

func TestBootPassesSpec(t *testing.T) {
	var got ProcessSpec
	engine := &scriptedEngine{start: func(spec ProcessSpec) *scriptedProcess {
		got = spec
		io.WriteString(spec.Stderr, frame(readyFrame))
		return newScriptedProcess()
	}}

	it, err := Boot(context.Background(), engine, StubLanguage{},
		WithPackagesDir("/tmp/pkgs"),
		WithEnv("MPLBACKEND", "Agg"),
	)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	defer it.Close()

	if got.PackagesDir != "/tmp/pkgs" {
		t.Errorf("PackagesDir = %q", got.PackagesDir)
	}
	if got.Env["MPLBACKEND"] != "Agg" || got.Env["LECTERN_SESSION"] != "1" {
		t.Errorf("Env = %v", got.Env)
	}
	if len(got.Args) != 2 || got.Args[0] != "stub" {
		t.Errorf("Args = %v", got.Args)
	}
}

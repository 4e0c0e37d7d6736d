package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/lectern/hostfunc"
	"golang.org/x/sync/semaphore"
)

// Interpreter is a long-lived guest interpreter process. It implements Runtime.
type Interpreter struct {
	lang     Language
	engine   string
	cfg      interpreterConfig
	registry *hostfunc.Registry

	proc        Process
	stdin       *io.PipeWriter
	stdinReader *io.PipeReader
	control     *controlStream
	cancel      context.CancelFunc

	execMu  sync.Mutex
	writeMu sync.Mutex
	sem     *semaphore.Weighted

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
	exitErr   error
}

var _ Runtime = (*Interpreter)(nil)

// Boot starts an interpreter for lang on engine and waits until its session
// loop reports ready. The engine must already be prepared.
func Boot(ctx context.Context, engine Engine, lang Language, opts ...InterpreterOption) (*Interpreter, error) {
	cfg := defaultInterpreterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	registry := hostfunc.NewRegistry()
	if cfg.registry != nil {
		registry = cfg.registry.Clone()
	}
	registry.Register("time_now", func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	})

	lifeCtx, cancel := context.WithCancel(context.Background())

	it := &Interpreter{
		lang:     lang,
		engine:   engine.Name(),
		cfg:      cfg,
		registry: registry,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(1),
		done:     make(chan struct{}),
	}

	it.stdinReader, it.stdin = io.Pipe()
	it.control = newControlStream(lifeCtx, registry, it.writeLine)

	env := make(map[string]string, len(cfg.env)+1)
	for k, v := range cfg.env {
		env[k] = v
	}
	env["LECTERN_SESSION"] = "1"

	spec := ProcessSpec{
		Args:        lang.Args(lang.Bootstrap()),
		Env:         env,
		Stdin:       it.stdinReader,
		Stdout:      cfg.stdout,
		Stderr:      it.control,
		PackagesDir: cfg.packagesDir,
	}

	proc, err := engine.Start(ctx, spec)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start %s interpreter: %w", lang.Name(), err)
	}
	it.proc = proc

	go func() {
		err := proc.Wait()
		it.mu.Lock()
		it.exitErr = err
		it.mu.Unlock()
		it.shutdown()
	}()

	timer := time.NewTimer(cfg.startTimeout)
	defer timer.Stop()

	select {
	case <-it.control.Ready():
		cfg.logger.Debug("interpreter ready", "lang", lang.Name(), "engine", it.engine)
		return it, nil
	case <-it.done:
		return nil, fmt.Errorf("interpreter exited during start: %w", it.exitReason())
	case <-ctx.Done():
		it.Close()
		return nil, fmt.Errorf("start interpreter: %w", ctx.Err())
	case <-timer.C:
		it.Close()
		return nil, fmt.Errorf("interpreter start timeout after %v", cfg.startTimeout)
	}
}

// Exec runs code in the interpreter and returns the value of its final
// expression. Guest exceptions are returned as *GuestError. When ctx or the
// exec timeout expires the interpreter is killed, since it can no longer
// be trusted to answer.
func (it *Interpreter) Exec(ctx context.Context, code string) (string, error) {
	it.execMu.Lock()
	defer it.execMu.Unlock()

	if it.isClosed() {
		return "", ErrInterpreterClosed
	}

	if it.cfg.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, it.cfg.execTimeout)
		defer cancel()
	}

	outcome := it.control.beginExec()

	cmd, _ := json.Marshal(execCommand{Type: "exec", Code: code})
	if err := it.writeLine(append(cmd, '\n')); err != nil {
		it.control.abandon()
		return "", fmt.Errorf("write command: %w", err)
	}

	select {
	case out := <-outcome:
		return out.value, out.err
	case <-it.done:
		it.control.abandon()
		return "", fmt.Errorf("%w: %v", ErrInterpreterClosed, it.exitReason())
	case <-ctx.Done():
		it.control.abandon()
		it.cfg.logger.Warn("killing unresponsive interpreter", "lang", it.lang.Name(), "err", ctx.Err())
		it.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrExecTimeout
		}
		return "", ctx.Err()
	}
}

// Import loads pkg into the interpreter.
func (it *Interpreter) Import(ctx context.Context, pkg string) error {
	if _, err := it.Exec(ctx, it.lang.ImportCode(pkg)); err != nil {
		return fmt.Errorf("import %s: %w", pkg, err)
	}
	return nil
}

// Install fetches pkg on demand through the guest's installer binding.
func (it *Interpreter) Install(ctx context.Context, pkg string) error {
	if _, err := it.Exec(ctx, it.lang.InstallCode(pkg)); err != nil {
		return fmt.Errorf("install %s: %w", pkg, err)
	}
	return nil
}

// Acquire reserves the interpreter. Exec does not require it; callers use it
// to keep a sequence of Exec calls free of interleaving.
func (it *Interpreter) Acquire(ctx context.Context) (func(), error) {
	if err := it.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { it.sem.Release(1) }) }, nil
}

func (it *Interpreter) Done() <-chan struct{} {
	return it.done
}

// Stderr returns recent non-protocol stderr output of the guest.
func (it *Interpreter) Stderr() string {
	return it.control.Stderr()
}

func (it *Interpreter) Close() error {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return nil
	}
	it.closed = true
	it.mu.Unlock()

	var err error
	if it.proc != nil {
		err = it.proc.Kill()
	}
	it.shutdown()
	return err
}

func (it *Interpreter) shutdown() {
	it.closeOnce.Do(func() {
		it.mu.Lock()
		it.closed = true
		it.mu.Unlock()

		// Closing stdin unblocks a guest waiting on a command or host reply,
		// and fails any pending write from our side.
		it.stdinReader.Close()
		it.stdin.Close()
		it.cancel()
		close(it.done)
	})
}

func (it *Interpreter) isClosed() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.closed
}

func (it *Interpreter) exitReason() error {
	it.mu.Lock()
	err := it.exitErr
	it.mu.Unlock()

	if stderr := strings.TrimSpace(it.control.Stderr()); stderr != "" {
		if err == nil {
			return errors.New(stderr)
		}
		return fmt.Errorf("%w: %s", err, stderr)
	}
	if err == nil {
		return errors.New("process exited")
	}
	return err
}

func (it *Interpreter) writeLine(data []byte) error {
	it.writeMu.Lock()
	defer it.writeMu.Unlock()
	_, err := it.stdin.Write(data)
	return err
}

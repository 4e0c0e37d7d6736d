package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// StubEngine runs guests written in Go in-process. It speaks the same
// control protocol as a real interpreter, so loaders, interpreters and
// sessions can be tested without Python.
type StubEngine struct {
	// Guest returns the exec handler for one new process. It is called once
	// per Start, so state captured by the handler lives exactly as long as
	// the process. Defaults to echoing the code back as the result.
	Guest func() StubFunc

	// PrepareErr, when set, is returned by Prepare.
	PrepareErr error
	// PrepareDelay makes Prepare slow enough to observe concurrent callers.
	PrepareDelay time.Duration

	prepares atomic.Int64
	starts   atomic.Int64

	mu       sync.Mutex
	prepared bool
}

var _ Engine = (*StubEngine)(nil)

// StubFunc handles one exec command. A returned error becomes a guest error.
type StubFunc func(g *StubGuest, code string) (string, error)

// StubGuest is the guest side of one stub process.
type StubGuest struct {
	// Stdout is the process's standard output.
	Stdout io.Writer
	// Killed is closed when the process is killed.
	Killed <-chan struct{}

	stderr io.Writer
	in     *bufio.Scanner
}

// Call invokes a host function the way a real guest would, blocking on the
// reply line.
func (g *StubGuest) Call(fn string, args map[string]any) (any, error) {
	req, err := json.Marshal(callRequest{Fn: fn, Args: args})
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(g.stderr, frame(callPrefix+string(req))); err != nil {
		return nil, err
	}
	if !g.in.Scan() {
		return nil, errors.New("stdin closed")
	}

	var resp callResponse
	if err := json.Unmarshal(g.in.Bytes(), &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Data, nil
}

func (e *StubEngine) Name() string { return "stub" }

func (e *StubEngine) Prepare(ctx context.Context) error {
	e.prepares.Add(1)

	if e.PrepareDelay > 0 {
		select {
		case <-time.After(e.PrepareDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.PrepareErr != nil {
		return e.PrepareErr
	}

	e.mu.Lock()
	e.prepared = true
	e.mu.Unlock()
	return nil
}

func (e *StubEngine) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	e.mu.Lock()
	prepared := e.prepared
	e.mu.Unlock()
	if !prepared {
		return nil, ErrNotPrepared
	}

	e.starts.Add(1)

	handler := echoGuest
	if e.Guest != nil {
		handler = e.Guest()
	}

	p := &stubProcess{killed: make(chan struct{}), exited: make(chan struct{})}
	go p.serve(spec, handler)
	return p, nil
}

func (e *StubEngine) Close(ctx context.Context) error { return nil }

// Prepares returns how many times Prepare was called.
func (e *StubEngine) Prepares() int64 { return e.prepares.Load() }

// Starts returns how many processes were started.
func (e *StubEngine) Starts() int64 { return e.starts.Load() }

func echoGuest(_ *StubGuest, code string) (string, error) {
	return code, nil
}

type stubProcess struct {
	killed   chan struct{}
	killOnce sync.Once
	exited   chan struct{}
}

func (p *stubProcess) serve(spec ProcessSpec, handler StubFunc) {
	defer close(p.exited)

	stdout := spec.Stdout
	if stdout == nil {
		stdout = io.Discard
	}

	in := bufio.NewScanner(spec.Stdin)
	in.Buffer(make([]byte, 64<<10), 16<<20)

	g := &StubGuest{Stdout: stdout, Killed: p.killed, stderr: spec.Stderr, in: in}

	if _, err := io.WriteString(spec.Stderr, frame(readyFrame)); err != nil {
		return
	}

	for in.Scan() {
		var cmd execCommand
		if err := json.Unmarshal(in.Bytes(), &cmd); err != nil {
			continue
		}
		if cmd.Type == "exit" {
			return
		}

		value, err := handler(g, cmd.Code)

		select {
		case <-p.killed:
			return
		default:
		}

		if err != nil {
			io.WriteString(spec.Stderr, frame(errorPrefix+err.Error()))
			continue
		}
		result, _ := json.Marshal(value)
		io.WriteString(spec.Stderr, frame(resultPrefix+string(result))+frame(doneFrame))
	}
}

func (p *stubProcess) Wait() error {
	select {
	case <-p.exited:
		return nil
	case <-p.killed:
		return errors.New("killed")
	}
}

func (p *stubProcess) Kill() error {
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}

// StubLanguage pairs with StubEngine. Library loading is expressed as the
// commands "import <pkg>" and "install <pkg>" for the stub guest to handle.
type StubLanguage struct{}

var _ Language = StubLanguage{}

func (StubLanguage) Name() string                 { return "stub" }
func (StubLanguage) Bootstrap() string            { return "" }
func (StubLanguage) Args(program string) []string { return []string{"stub", program} }
func (StubLanguage) ImportCode(pkg string) string { return "import " + pkg }
func (StubLanguage) InstallCode(pkg string) string {
	return "install " + pkg
}

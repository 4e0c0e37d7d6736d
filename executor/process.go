package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ProcessEngine runs interpreters as host processes. It trades the wasm
// engine's isolation for native library support.
type ProcessEngine struct {
	binary string

	mu   sync.Mutex
	path string
}

var _ Engine = (*ProcessEngine)(nil)

// NewProcessEngine returns an engine that launches binary (looked up on PATH
// unless it contains a separator).
func NewProcessEngine(binary string) *ProcessEngine {
	return &ProcessEngine{binary: binary}
}

func (e *ProcessEngine) Name() string { return "process" }

func (e *ProcessEngine) Prepare(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.path != "" {
		return nil
	}
	p, err := exec.LookPath(e.binary)
	if err != nil {
		return fmt.Errorf("find interpreter: %w", err)
	}
	e.path = p
	return nil
}

func (e *ProcessEngine) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	e.mu.Lock()
	path := e.path
	e.mu.Unlock()

	if path == "" {
		return nil, ErrNotPrepared
	}

	var args []string
	if len(spec.Args) > 1 {
		args = spec.Args[1:]
	}

	cmd := exec.Command(path, args...)
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	// Stdin is a pipe that only closes on shutdown; don't let Wait block on it.
	cmd.WaitDelay = time.Second
	cmd.Env = os.Environ()
	if spec.PackagesDir != "" {
		cmd.Env = append(cmd.Env, PackagesEnv+"="+spec.PackagesDir)
	}
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &hostProcess{cmd: cmd}, nil
}

func (e *ProcessEngine) Close(ctx context.Context) error {
	return nil
}

type hostProcess struct {
	cmd *exec.Cmd
}

func (p *hostProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *hostProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

package notebook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caffeineduck/lectern/executor"
)

// RuntimeLoader hands out the shared runtime. *executor.Loader implements it.
type RuntimeLoader interface {
	EnsureReady(ctx context.Context) (executor.Runtime, error)
}

const restoreTimeout = 5 * time.Second

// Session runs user snippets and captures what they print and plot. Any
// number of sessions may share one loader; their runs never interleave.
type Session struct {
	loader RuntimeLoader
	instr  Instrumentation
	cfg    config
}

func NewSession(loader RuntimeLoader, instr Instrumentation, opts ...Option) *Session {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Session{loader: loader, instr: instr, cfg: cfg}
}

// Run executes source and returns its captured output. It never fails: load
// and execution errors are reported in Result.Error alongside any output
// produced before the failure.
//
// ctx bounds how long the caller waits. A run the caller stops waiting for
// keeps going in the background under the session timeout. Only that
// timeout kills the shared runtime.
func (s *Session) Run(ctx context.Context, source string) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.cfg.logger.Error("run panicked", "panic", r)
			res = Result{Error: fmt.Sprintf("internal error: %v", r)}
		}
		res.Duration = time.Since(start)
	}()

	rt, err := s.loader.EnsureReady(ctx)
	if err != nil {
		return Result{Error: err.Error()}
	}

	release, err := rt.Acquire(ctx)
	if err != nil {
		return Result{Error: err.Error()}
	}

	done := make(chan Result, 1)
	go func() {
		defer release()
		done <- s.execute(context.WithoutCancel(ctx), rt, source)
	}()

	select {
	case res = <-done:
		return res
	case <-ctx.Done():
		select {
		case res = <-done:
			return res
		default:
		}
		s.cfg.logger.Debug("caller stopped waiting, run continues", "err", ctx.Err())
		return Result{Error: ctx.Err().Error()}
	}
}

// execute runs one instrumented program. ctx carries no cancellation; the
// session timeout is the only deadline applied to the runtime.
func (s *Session) execute(ctx context.Context, rt executor.Runtime, source string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.cfg.logger.Error("run panicked", "panic", r)
			res = Result{Error: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	execCtx := ctx
	if s.cfg.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.cfg.timeout)
		defer cancel()
	}

	raw, err := rt.Exec(execCtx, program(s.instr, s.cfg.datasets, source))
	if err == nil {
		res.Text, res.Images = Parse(raw)
		return res
	}

	res.Error = s.describe(err)
	if !recoverable(err) {
		return res
	}

	// The program stopped before its own Restore ran. Run it alone to undo
	// the overrides and recover what was printed up to the failure.
	rctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()
	partial, rerr := rt.Exec(rctx, s.instr.Restore())
	if rerr != nil {
		s.cfg.logger.Warn("could not recover partial output", "err", rerr)
		return res
	}
	res.Text, res.Images = Parse(partial)
	return res
}

func (s *Session) describe(err error) string {
	var guestErr *executor.GuestError
	switch {
	case errors.As(err, &guestErr):
		return guestErr.Message
	case errors.Is(err, executor.ErrExecTimeout) && s.cfg.timeout > 0:
		return fmt.Sprintf("execution timed out after %v", s.cfg.timeout)
	default:
		return err.Error()
	}
}

// recoverable reports whether the runtime survived the failure. A session
// timeout kills it.
func recoverable(err error) bool {
	var guestErr *executor.GuestError
	return errors.As(err, &guestErr)
}

package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// LoadState is the lifecycle state of a Loader.
type LoadState int32

const (
	StateIdle LoadState = iota
	StateLoading
	StateReady
	StateError
)

func (s LoadState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a snapshot of a Loader.
type Status struct {
	State LoadState
	// Err is the failure of the last attempt when State is StateError.
	Err      error
	Attempts int64
}

type bootFunc func(ctx context.Context, engine Engine, lang Language, opts ...InterpreterOption) (Runtime, error)

func bootInterpreter(ctx context.Context, engine Engine, lang Language, opts ...InterpreterOption) (Runtime, error) {
	return Boot(ctx, engine, lang, opts...)
}

// Loader initializes one shared Runtime on first demand. Concurrent callers
// share a single initialization and observe the same handle or the same
// failure. A failed initialization is retried by the next EnsureReady, and
// a runtime that dies is replaced the same way.
type Loader struct {
	engine Engine
	lang   Language
	cfg    loaderConfig
	boot   bootFunc

	group    singleflight.Group
	attempts atomic.Int64

	mu     sync.Mutex
	state  LoadState
	err    error
	rt     Runtime
	closed bool
}

// NewLoader returns an idle loader. Nothing happens until EnsureReady.
func NewLoader(engine Engine, lang Language, opts ...LoaderOption) *Loader {
	cfg := defaultLoaderConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Loader{
		engine: engine,
		lang:   lang,
		cfg:    cfg,
		boot:   bootInterpreter,
	}
}

// EnsureReady returns the shared runtime, initializing it if necessary.
// If ctx ends first the caller stops waiting, but the initialization
// continues for other callers.
func (l *Loader) EnsureReady(ctx context.Context) (Runtime, error) {
	rt, err := l.current()
	if err != nil || rt != nil {
		return rt, err
	}

	ch := l.group.DoChan("runtime", func() (any, error) {
		return l.load()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Runtime), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// current returns the live runtime, if any.
func (l *Loader) current() (Runtime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLoaderClosed
	}
	return l.liveLocked(), nil
}

func (l *Loader) liveLocked() Runtime {
	if l.rt == nil {
		return nil
	}
	select {
	case <-l.rt.Done():
		l.rt = nil
		l.state = StateIdle
		return nil
	default:
		return l.rt
	}
}

func (l *Loader) load() (Runtime, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLoaderClosed
	}
	// A previous flight may have finished between current() and DoChan.
	if rt := l.liveLocked(); rt != nil {
		l.mu.Unlock()
		return rt, nil
	}
	l.state = StateLoading
	l.err = nil
	l.mu.Unlock()

	attempt := l.attempts.Add(1)
	l.cfg.logger.Info("loading runtime", "lang", l.lang.Name(), "engine", l.engine.Name(), "attempt", attempt)

	// Detached from any caller: one impatient caller must not fail the load
	// for everyone else.
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.bootTimeout)
	defer cancel()

	start := time.Now()
	rt, err := l.initialize(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err != nil {
		l.state = StateError
		l.err = err
		l.cfg.logger.Error("runtime load failed", "err", err, "attempt", attempt)
		return nil, err
	}
	if l.closed {
		rt.Close()
		return nil, ErrLoaderClosed
	}

	l.rt = rt
	l.state = StateReady
	go l.watch(rt)

	l.cfg.logger.Info("runtime ready", "took", time.Since(start).Round(time.Millisecond))
	return rt, nil
}

func (l *Loader) initialize(ctx context.Context) (Runtime, error) {
	if err := l.engine.Prepare(ctx); err != nil {
		return nil, &LoadError{Step: StepFetch, Err: err}
	}

	rt, err := l.boot(ctx, l.engine, l.lang, l.cfg.interpOpts...)
	if err != nil {
		return nil, &LoadError{Step: StepBoot, Err: err}
	}

	for _, pkg := range l.cfg.required {
		if err := rt.Import(ctx, pkg); err != nil {
			rt.Close()
			return nil, &LoadError{Step: StepImport, Err: err}
		}
	}

	for _, pkg := range l.cfg.optional {
		l.loadOptional(ctx, rt, pkg)
	}
	return rt, nil
}

func (l *Loader) loadOptional(ctx context.Context, rt Runtime, pkg string) {
	if err := rt.Import(ctx, pkg); err == nil {
		return
	}

	l.cfg.logger.Info("optional package missing, installing", "pkg", pkg)
	if err := rt.Install(ctx, pkg); err != nil {
		l.cfg.logger.Warn("optional package unavailable", "pkg", pkg, "err", err)
		return
	}
	if err := rt.Import(ctx, pkg); err != nil {
		l.cfg.logger.Warn("optional package unavailable", "pkg", pkg, "err", err)
	}
}

func (l *Loader) watch(rt Runtime) {
	<-rt.Done()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rt == rt {
		l.cfg.logger.Warn("runtime exited, will reload on next use")
		l.rt = nil
		l.state = StateIdle
	}
}

// State returns the current load state.
func (l *Loader) State() LoadState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status distinguishes "still loading" from "failed, retry needed".
func (l *Loader) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{State: l.state, Err: l.err, Attempts: l.attempts.Load()}
}

// Attempts returns how many initialization sequences have started.
func (l *Loader) Attempts() int64 {
	return l.attempts.Load()
}

// Close shuts down the runtime and the engine. EnsureReady fails afterwards
// with ErrLoaderClosed.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	rt := l.rt
	l.rt = nil
	l.state = StateIdle
	l.mu.Unlock()

	var errs []error
	if rt != nil {
		errs = append(errs, rt.Close())
	}
	errs = append(errs, l.engine.Close(context.Background()))
	return errors.Join(errs...)
}

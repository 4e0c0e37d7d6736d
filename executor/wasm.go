package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const packagesGuestPath = "/packages"

// WasmEngine runs interpreters compiled to WASI inside wazero.
type WasmEngine struct {
	asset Asset
	cfg   wasmConfig

	mu       sync.Mutex
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule
	closed   bool
}

var _ Engine = (*WasmEngine)(nil)

// NewWasmEngine returns an engine for the interpreter module described by
// asset. Nothing is fetched or compiled until Prepare.
func NewWasmEngine(asset Asset, opts ...WasmOption) *WasmEngine {
	cfg := defaultWasmConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.fetcher == nil {
		cfg.fetcher = NewFetcher()
	}
	return &WasmEngine{asset: asset, cfg: cfg}
}

func (e *WasmEngine) Name() string { return "wasm" }

// Prepare fetches the interpreter module if needed and compiles it.
func (e *WasmEngine) Prepare(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.New("engine closed")
	}
	if e.compiled != nil {
		return nil
	}

	p, _, err := e.cfg.fetcher.Ensure(ctx, e.asset)
	if err != nil {
		return err
	}
	wasm, err := ReadAsset(p)
	if err != nil {
		return fmt.Errorf("read interpreter module: %w", err)
	}

	if e.runtime == nil {
		if err := e.newRuntime(ctx); err != nil {
			return err
		}
	}

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("compile interpreter module: %w", err)
	}
	e.compiled = compiled
	e.cfg.logger.Debug("interpreter module compiled", "path", p)
	return nil
}

func (e *WasmEngine) newRuntime(ctx context.Context) error {
	var cache wazero.CompilationCache
	if e.cfg.diskCache {
		dir := e.cfg.cacheDir
		if dir == "" {
			dir = filepath.Join(defaultCacheDir(), "compiled")
		}
		c, err := wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return fmt.Errorf("create disk cache: %w", err)
		}
		cache = c
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if e.cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(e.cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return fmt.Errorf("instantiate WASI: %w", err)
	}

	e.runtime = rt
	e.cache = cache
	return nil
}

// Start instantiates the compiled module in the background. The module lives
// until it exits or the process is killed.
func (e *WasmEngine) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	e.mu.Lock()
	rt, compiled, closed := e.runtime, e.compiled, e.closed
	e.mu.Unlock()

	if closed {
		return nil, errors.New("engine closed")
	}
	if compiled == nil {
		return nil, ErrNotPrepared
	}

	fsConfig := wazero.NewFSConfig()
	for _, m := range e.cfg.mounts {
		fsConfig = fsConfig.WithReadOnlyDirMount(m.hostPath, m.guestPath)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithArgs(spec.Args...).
		WithStdin(spec.Stdin).
		WithStdout(spec.Stdout).
		WithStderr(spec.Stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithName("")

	if spec.PackagesDir != "" {
		fsConfig = fsConfig.WithReadOnlyDirMount(spec.PackagesDir, packagesGuestPath)
		moduleConfig = moduleConfig.WithEnv(PackagesEnv, packagesGuestPath)
	}
	for k, v := range spec.Env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}
	moduleConfig = moduleConfig.WithFSConfig(fsConfig)

	runCtx, cancel := context.WithCancel(context.Background())
	p := &wasmProcess{cancel: cancel, done: make(chan struct{})}

	go func() {
		mod, err := rt.InstantiateModule(runCtx, compiled, moduleConfig)
		if mod != nil {
			mod.Close(context.Background())
		}
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			err = nil
		}
		if runCtx.Err() != nil {
			err = context.Canceled
		}
		p.err = err
		close(p.done)
	}()

	return p, nil
}

func (e *WasmEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if e.runtime != nil {
		errs = append(errs, e.runtime.Close(ctx))
	}
	if e.cache != nil {
		errs = append(errs, e.cache.Close(ctx))
	}
	return errors.Join(errs...)
}

type wasmProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *wasmProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *wasmProcess) Kill() error {
	p.cancel()
	return nil
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caffeineduck/lectern/executor"
	"github.com/caffeineduck/lectern/hostfunc"
	"github.com/caffeineduck/lectern/internal/config"
	"github.com/caffeineduck/lectern/language/python"
	"github.com/caffeineduck/lectern/notebook"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// app is everything a command needs to run snippets.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	loader   *executor.Loader
	instr    notebook.Instrumentation
	datasets *hostfunc.Datasets
}

// newAppFunc builds the app. Tests replace it to run on a stub engine.
var newAppFunc = newApp

func newApp(cfg *config.Config, logger *log.Logger) (*app, error) {
	pkgDir, err := filepath.Abs(cfg.Packages.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve packages dir: %w", err)
	}
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		return nil, fmt.Errorf("create packages dir: %w", err)
	}

	engine, err := newEngine(cfg, logger)
	if err != nil {
		return nil, err
	}

	datasets := hostfunc.NewDatasets(hostfunc.BuiltinDatasets(),
		hostfunc.WithDatasetLogger(logger.WithPrefix("datasets")),
	)

	registry := hostfunc.NewRegistry()
	registry.Register("dataset_fetch", datasets.Fetch)
	if len(cfg.AllowedHosts) > 0 {
		h := hostfunc.NewHTTP(hostfunc.HTTPConfig{AllowedHosts: cfg.AllowedHosts})
		registry.Register("http_request", h.Request)
	}
	if cfg.Packages.Install {
		registry.Register("pkg_install", hostfunc.NewPkgInstaller(hostfunc.PkgConfig{
			PackageDir:      pkgDir,
			AllowedPackages: cfg.Packages.Allowed,
			Enabled:         true,
		}))
	}

	if cfg.Engine == "wasm" {
		var blocked []string
		for _, name := range cfg.Packages.Optional {
			if _, ok := blockedPackages[strings.ToLower(name)]; ok {
				blocked = append(blocked, name)
			}
		}
		if len(blocked) > 0 {
			logger.Warn("optional packages cannot load in the wasm engine; use --engine process for figures",
				"packages", blocked)
		}
	}

	lang := python.New()
	loader := executor.NewLoader(engine, lang,
		executor.WithRequiredPackages(cfg.Packages.Required...),
		executor.WithOptionalPackages(cfg.Packages.Optional...),
		executor.WithBootTimeout(cfg.Run.BootTimeout),
		executor.WithLogger(logger.WithPrefix("loader")),
		executor.WithInterpreterOptions(
			// Runs are bounded by the session timeout instead.
			executor.WithExecTimeout(0),
			executor.WithRegistry(registry),
			executor.WithPackagesDir(pkgDir),
			executor.WithEnv("MPLBACKEND", "Agg"),
			executor.WithInterpreterLogger(logger.WithPrefix("interpreter")),
		),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		loader:   loader,
		instr:    lang,
		datasets: datasets,
	}, nil
}

func newEngine(cfg *config.Config, logger *log.Logger) (executor.Engine, error) {
	switch cfg.Engine {
	case "process":
		return executor.NewProcessEngine(cfg.Python), nil
	case "wasm":
		var opts []executor.WasmOption
		if cfg.Asset.DiskCache {
			opts = append(opts, executor.WithDiskCache())
		}
		if cfg.Asset.MemoryPages > 0 {
			opts = append(opts, executor.WithMemoryLimit(cfg.Asset.MemoryPages))
		}
		opts = append(opts,
			executor.WithFetcher(executor.NewFetcher(executor.WithFetchLogger(logger.WithPrefix("fetch")))),
			executor.WithWasmLogger(logger.WithPrefix("wasm")),
		)
		return executor.NewWasmEngine(assetOf(cfg), opts...), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}

func assetOf(cfg *config.Config) executor.Asset {
	return executor.Asset{
		URL:      cfg.Asset.URL,
		SHA256:   cfg.Asset.SHA256,
		CacheDir: cfg.Asset.CacheDir,
	}
}

// session returns a new session on the shared runtime. A timeout of zero
// keeps the configured one.
func (a *app) session(timeout time.Duration) *notebook.Session {
	if timeout <= 0 {
		timeout = a.cfg.Run.Timeout
	}
	opts := []notebook.Option{
		notebook.WithTimeout(timeout),
		notebook.WithLogger(a.logger.WithPrefix("notebook")),
	}
	if a.cfg.Datasets && a.datasets != nil {
		opts = append(opts, notebook.WithDatasets(a.datasets.List()...))
	}
	return notebook.NewSession(a.loader, a.instr, opts...)
}

func (a *app) Close() error {
	return a.loader.Close()
}

// setup loads configuration and builds the app for cmd.
func setup(cmd *cobra.Command) (*app, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newAppFunc(cfg, logger)
}

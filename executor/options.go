package executor

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/caffeineduck/lectern/hostfunc"
	"github.com/charmbracelet/log"
)

func newLogger(prefix string) *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		Prefix: prefix,
		Level:  log.WarnLevel,
	})
}

// InterpreterOption configures a booted interpreter.
type InterpreterOption func(*interpreterConfig)

type interpreterConfig struct {
	execTimeout  time.Duration
	startTimeout time.Duration
	registry     *hostfunc.Registry
	packagesDir  string
	env          map[string]string
	stdout       io.Writer
	logger       *log.Logger
}

func defaultInterpreterConfig() interpreterConfig {
	return interpreterConfig{
		execTimeout:  30 * time.Second,
		startTimeout: 60 * time.Second,
		env:          make(map[string]string),
		stdout:       io.Discard,
		logger:       newLogger("interpreter"),
	}
}

// WithExecTimeout sets the maximum time one Exec may take. Zero disables it.
func WithExecTimeout(d time.Duration) InterpreterOption {
	return func(c *interpreterConfig) {
		c.execTimeout = d
	}
}

// WithStartTimeout bounds how long Boot waits for the guest to report ready.
func WithStartTimeout(d time.Duration) InterpreterOption {
	return func(c *interpreterConfig) {
		if d > 0 {
			c.startTimeout = d
		}
	}
}

// WithRegistry sets the host functions the guest may call. The registry is
// copied at boot.
func WithRegistry(r *hostfunc.Registry) InterpreterOption {
	return func(c *interpreterConfig) {
		c.registry = r
	}
}

// WithPackagesDir exposes a host directory of extra libraries to the guest.
func WithPackagesDir(dir string) InterpreterOption {
	return func(c *interpreterConfig) {
		c.packagesDir = dir
	}
}

// WithEnv sets an environment variable in the guest.
func WithEnv(key, value string) InterpreterOption {
	return func(c *interpreterConfig) {
		c.env[key] = value
	}
}

// WithStdout receives the guest's raw standard output. By default it is
// discarded; captured output only reaches callers through Exec values.
func WithStdout(w io.Writer) InterpreterOption {
	return func(c *interpreterConfig) {
		if w != nil {
			c.stdout = w
		}
	}
}

// WithInterpreterLogger sets the interpreter's logger.
func WithInterpreterLogger(l *log.Logger) InterpreterOption {
	return func(c *interpreterConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// LoaderOption configures a Loader.
type LoaderOption func(*loaderConfig)

type loaderConfig struct {
	required    []string
	optional    []string
	bootTimeout time.Duration
	interpOpts  []InterpreterOption
	logger      *log.Logger
}

func defaultLoaderConfig() loaderConfig {
	return loaderConfig{
		bootTimeout: 5 * time.Minute,
		logger:      newLogger("loader"),
	}
}

// WithRequiredPackages lists libraries imported during load. A failed
// import fails the load.
func WithRequiredPackages(pkgs ...string) LoaderOption {
	return func(c *loaderConfig) {
		c.required = append(c.required, pkgs...)
	}
}

// WithOptionalPackages lists libraries imported after the required set.
// A missing optional library is installed on demand; if that fails too the
// load still succeeds.
func WithOptionalPackages(pkgs ...string) LoaderOption {
	return func(c *loaderConfig) {
		c.optional = append(c.optional, pkgs...)
	}
}

// WithBootTimeout bounds one whole initialization attempt.
func WithBootTimeout(d time.Duration) LoaderOption {
	return func(c *loaderConfig) {
		if d > 0 {
			c.bootTimeout = d
		}
	}
}

// WithInterpreterOptions passes options to every interpreter the loader boots.
func WithInterpreterOptions(opts ...InterpreterOption) LoaderOption {
	return func(c *loaderConfig) {
		c.interpOpts = append(c.interpOpts, opts...)
	}
}

// WithLogger sets the loader's logger.
func WithLogger(l *log.Logger) LoaderOption {
	return func(c *loaderConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WasmOption configures a WasmEngine.
type WasmOption func(*wasmConfig)

type wasmConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	mounts           []dirMount
	fetcher          *Fetcher
	logger           *log.Logger
}

type dirMount struct {
	hostPath  string
	guestPath string
}

func defaultWasmConfig() wasmConfig {
	return wasmConfig{
		logger: newLogger("wasm"),
	}
}

// WithDiskCache enables the persistent compilation cache for faster startup.
// Optionally provide a custom directory; otherwise uses ~/.cache/lectern or XDG_CACHE_HOME/lectern.
//
// Examples:
//
//	executor.NewWasmEngine(asset, executor.WithDiskCache())            // default dir
//	executor.NewWasmEngine(asset, executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) WasmOption {
	return func(c *wasmConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to the interpreter.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(1024) = 64MB max
//   - WithMemoryLimit(4096) = 256MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) WasmOption {
	return func(c *wasmConfig) {
		c.memoryLimitPages = pages
	}
}

// WithDirMount mounts a host directory read-only into the guest, e.g. the
// interpreter's standard library.
func WithDirMount(hostPath, guestPath string) WasmOption {
	return func(c *wasmConfig) {
		c.mounts = append(c.mounts, dirMount{hostPath: hostPath, guestPath: guestPath})
	}
}

// WithFetcher sets how the interpreter asset is downloaded.
func WithFetcher(f *Fetcher) WasmOption {
	return func(c *wasmConfig) {
		c.fetcher = f
	}
}

// WithWasmLogger sets the engine's logger.
func WithWasmLogger(l *log.Logger) WasmOption {
	return func(c *wasmConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
	MemoryLimit2GB   uint32 = 32768 // 2 GB
)

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithRetries sets how many times a failed download is retried.
func WithRetries(n uint64) FetcherOption {
	return func(f *Fetcher) {
		f.retries = n
	}
}

// WithFetchLogger sets the fetcher's logger.
func WithFetchLogger(l *log.Logger) FetcherOption {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// Package config loads lectern's settings from defaults, an optional TOML
// file, LECTERN_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	AppName   = "lectern"
	EnvPrefix = "LECTERN"

	// DefaultAssetURL is a WASI build of CPython with its standard library
	// bundled in.
	DefaultAssetURL = "https://github.com/vmware-labs/webassembly-language-runtimes/releases/download/python%2F3.12.0%2B20231211-040d5a6/python-3.12.0.wasm"
)

// Config is the resolved configuration.
type Config struct {
	// Engine is "wasm" or "process". Figures need a host matplotlib, which
	// only the process engine can import.
	Engine string `mapstructure:"engine"`
	// Python is the interpreter binary of the process engine.
	Python string `mapstructure:"python"`

	Asset    AssetConfig    `mapstructure:"asset"`
	Run      RunConfig      `mapstructure:"run"`
	Packages PackagesConfig `mapstructure:"packages"`
	Server   ServerConfig   `mapstructure:"server"`

	// AllowedHosts are reachable through http_request. Empty disables it.
	AllowedHosts []string `mapstructure:"allowed_hosts"`

	// Datasets preloads the builtin datasets into every run.
	Datasets bool `mapstructure:"datasets"`
	Verbose  bool `mapstructure:"verbose"`
}

type AssetConfig struct {
	URL      string `mapstructure:"url"`
	SHA256   string `mapstructure:"sha256"`
	CacheDir string `mapstructure:"cache_dir"`

	// MemoryPages limits guest memory in 64KB pages. Zero means no limit.
	MemoryPages uint32 `mapstructure:"memory_pages"`
	DiskCache   bool   `mapstructure:"disk_cache"`
}

type RunConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	BootTimeout time.Duration `mapstructure:"boot_timeout"`
}

type PackagesConfig struct {
	Dir      string   `mapstructure:"dir"`
	Required []string `mapstructure:"required"`
	Optional []string `mapstructure:"optional"`

	// Allowed restricts what guest code may install. Empty allows anything.
	Allowed []string `mapstructure:"allowed"`
	Install bool     `mapstructure:"install"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: "wasm",
		Python: "python3",
		Asset: AssetConfig{
			URL:       DefaultAssetURL,
			DiskCache: true,
		},
		Run: RunConfig{
			Timeout:     30 * time.Second,
			BootTimeout: 5 * time.Minute,
		},
		Packages: PackagesConfig{
			Dir:      filepath.Join(".lectern", "python", "packages"),
			Required: []string{"json", "math"},
			Optional: []string{"numpy", "pandas", "matplotlib", "seaborn"},
		},
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Datasets: true,
	}
}

// flagKeys maps configuration keys to the command-line flags that override
// them.
var flagKeys = map[string]string{
	"engine":                 "engine",
	"python":                 "python",
	"asset.url":              "asset",
	"run.timeout":            "timeout",
	"packages.dir":           "packages",
	"allowed_hosts":          "allow-host",
	"server.addr":            "addr",
	"server.allowed_origins": "allow-origin",
	"datasets":               "datasets",
	"verbose":                "verbose",
}

// LoadOptions controls where Load looks.
type LoadOptions struct {
	// File is an explicit config file. It must exist.
	File string
	// Dir overrides the user config directory.
	Dir string
	// Flags are bound over file and environment values when changed.
	Flags *pflag.FlagSet
}

// Load resolves the configuration and returns it with the path of the file
// it read, if any.
func Load(opts LoadOptions) (*Config, string, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := findFile(opts)
	if err != nil {
		return nil, "", err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if opts.Flags != nil {
		for key, name := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, "", fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, path, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("engine", d.Engine)
	v.SetDefault("python", d.Python)
	v.SetDefault("asset.url", d.Asset.URL)
	v.SetDefault("asset.sha256", d.Asset.SHA256)
	v.SetDefault("asset.cache_dir", d.Asset.CacheDir)
	v.SetDefault("asset.memory_pages", d.Asset.MemoryPages)
	v.SetDefault("asset.disk_cache", d.Asset.DiskCache)
	v.SetDefault("run.timeout", d.Run.Timeout)
	v.SetDefault("run.boot_timeout", d.Run.BootTimeout)
	v.SetDefault("packages.dir", d.Packages.Dir)
	v.SetDefault("packages.required", d.Packages.Required)
	v.SetDefault("packages.optional", d.Packages.Optional)
	v.SetDefault("packages.allowed", d.Packages.Allowed)
	v.SetDefault("packages.install", d.Packages.Install)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("allowed_hosts", d.AllowedHosts)
	v.SetDefault("datasets", d.Datasets)
	v.SetDefault("verbose", d.Verbose)
}

func findFile(opts LoadOptions) (string, error) {
	if opts.File != "" {
		if !fileExists(opts.File) {
			return "", fmt.Errorf("config file not found: %s", opts.File)
		}
		return opts.File, nil
	}

	local := AppName + ".toml"
	if fileExists(local) {
		return local, nil
	}

	dir := opts.Dir
	if dir == "" {
		var err error
		if dir, err = Dir(); err != nil {
			return "", nil
		}
	}
	if p := filepath.Join(dir, "config.toml"); fileExists(p) {
		return p, nil
	}
	return "", nil
}

// Dir returns the user configuration directory, $XDG_CONFIG_HOME/lectern
// or ~/.config/lectern.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, AppName), nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// Validate rejects settings no component can work with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Engine {
	case "wasm":
		if c.Asset.URL == "" {
			errs = append(errs, errors.New("asset.url is required for the wasm engine"))
		}
	case "process":
		if c.Python == "" {
			errs = append(errs, errors.New("python is required for the process engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown engine %q (want wasm or process)", c.Engine))
	}
	if c.Run.Timeout < 0 {
		errs = append(errs, errors.New("run.timeout must not be negative"))
	}
	if c.Run.BootTimeout < 0 {
		errs = append(errs, errors.New("run.boot_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

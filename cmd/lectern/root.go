package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/caffeineduck/lectern/executor"
	"github.com/caffeineduck/lectern/internal/config"
	"github.com/caffeineduck/lectern/notebook"
	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "lectern [file]",
	Short: "Run lecture snippets and capture their text and figures",
	Long: `lectern - Run Python snippets for interactive lectures.

Snippets run in one shared interpreter that is loaded on first use. What a
snippet prints is returned as text and every matplotlib figure it shows is
returned as a PNG image. The interpreter runs inside WebAssembly by default,
or as a host python3 process with --engine process. The WebAssembly build
cannot load matplotlib or seaborn, so lectures that plot need
--engine process.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runRun, // Default to run command behavior
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./lectern.toml or $XDG_CONFIG_HOME/lectern/config.toml)")
	pf.BoolP("verbose", "v", false, "Enable debug logging")
	pf.String("engine", "wasm", "Interpreter engine: wasm, process")
	pf.String("python", "python3", "Interpreter binary for the process engine")
	pf.String("asset", config.DefaultAssetURL, "URL or path of the WASI interpreter module")
	pf.String("memory", "", "Memory limit for the wasm engine: 64mb, 256mb, 1gb, 2gb")
	pf.String("packages", "", "Path to packages directory")
	pf.StringSlice("allow-host", nil, "Allow http_request to host (repeatable)")
	pf.Bool("datasets", true, "Preload the builtin datasets")
	pf.Duration("timeout", notebook.DefaultTimeout, "Execution timeout per snippet")

	// Add run-specific flags to root (for default command)
	addRunFlags(rootCmd)
}

// loadConfig resolves configuration for cmd, letting its changed flags win.
func loadConfig(cmd *cobra.Command) (*config.Config, *log.Logger, error) {
	cfg, path, err := config.Load(config.LoadOptions{File: cfgFile, Flags: cmd.Flags()})
	if err != nil {
		return nil, nil, err
	}

	if f := cmd.Flags().Lookup("memory"); f != nil && f.Changed {
		pages, err := parseMemoryLimit(f.Value.String())
		if err != nil {
			return nil, nil, err
		}
		cfg.Asset.MemoryPages = pages
	}

	logger := newLogger(cfg.Verbose)
	if path != "" {
		logger.Debug("loaded config", "path", path)
	}
	return cfg, logger, nil
}

func newLogger(verbose bool) *log.Logger {
	level := log.WarnLevel
	if verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: verbose,
	})
}

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "", "0", "none":
		return 0, nil
	case "64mb":
		return executor.MemoryLimit64MB, nil
	case "256mb":
		return executor.MemoryLimit256MB, nil
	case "1gb":
		return executor.MemoryLimit1GB, nil
	case "2gb":
		return executor.MemoryLimit2GB, nil
	default:
		return 0, fmt.Errorf("invalid memory limit %q (expected 64mb, 256mb, 1gb or 2gb)", s)
	}
}

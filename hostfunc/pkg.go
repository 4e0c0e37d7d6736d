package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// PkgConfig configures the package installer.
type PkgConfig struct {
	PackageDir      string   // Directory to install packages into
	AllowedPackages []string // If set, only these packages can be installed
	Enabled         bool     // Whether package installation is enabled
	Pip             string   // pip executable, "pip" by default
}

// DefaultPkgConfig returns the default package installer configuration.
func DefaultPkgConfig() PkgConfig {
	return PkgConfig{
		PackageDir: ".lectern/python/packages",
		Enabled:    false,
		Pip:        "pip",
	}
}

// NewPkgInstaller returns the pkg_install host function. It installs a
// library into the packages directory, which the engines expose to the
// guest. Args: name (required), version (optional).
//
// A failed pip run is reported in the result rather than as an error so the
// guest can show pip's output.
func NewPkgInstaller(cfg PkgConfig) Func {
	if cfg.Pip == "" {
		cfg.Pip = "pip"
	}

	return func(ctx context.Context, args map[string]any) (any, error) {
		if !cfg.Enabled {
			return nil, errors.New("package installation disabled")
		}

		name, _ := args["name"].(string)
		if name == "" {
			return nil, errors.New("package name required")
		}
		// A leading dash would reach pip as an option, e.g. --index-url.
		if strings.ContainsAny(name, ";|&$` ") || strings.HasPrefix(name, "-") {
			return nil, errors.New("invalid package name")
		}
		if !pkgAllowed(cfg.AllowedPackages, name) {
			return nil, fmt.Errorf("package %q not allowed", name)
		}

		pkgSpec := name
		if version, ok := args["version"].(string); ok && version != "" {
			if strings.ContainsAny(version, ";|&$` ") {
				return nil, errors.New("invalid version specifier")
			}
			pkgSpec = name + version
		}

		if err := os.MkdirAll(cfg.PackageDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create package dir: %w", err)
		}
		absDir, err := filepath.Abs(cfg.PackageDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve package dir: %w", err)
		}

		cmd := exec.CommandContext(ctx, cfg.Pip, "install", "--quiet", "--target", absDir, pkgSpec)
		output, err := cmd.CombinedOutput()
		if err != nil {
			msg := strings.TrimSpace(string(output))
			if msg == "" {
				msg = err.Error()
			}
			return PkgInstallResult{Success: false, Error: msg}, nil
		}
		return PkgInstallResult{Success: true, Output: string(output)}, nil
	}
}

func pkgAllowed(allowed []string, name string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, pkg := range allowed {
		if pkg == name || strings.HasPrefix(name, pkg+"[") {
			return true
		}
	}
	return false
}

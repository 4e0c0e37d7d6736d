package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caffeineduck/lectern/executor"
	"github.com/caffeineduck/lectern/hostfunc"
	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zip"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Manage Python packages for lecture snippets",
	Long: `Install and manage Python packages that snippets can import.

Packages are downloaded directly from PyPI (no pip required) into the
packages directory (--packages, default .lectern/python/packages).
Only pure Python wheels are supported - packages with C extensions won't
work in the wasm engine.`,
}

var depsInstallCmd = &cobra.Command{
	Use:   "install [packages...]",
	Short: "Install packages from PyPI",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsInstall,
}

var depsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages",
	RunE:  runDepsList,
}

var depsRemoveCmd = &cobra.Command{
	Use:   "remove [packages...]",
	Short: "Remove packages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsRemove,
}

var depsCacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Cache management commands",
}

var depsCacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear downloaded wheels",
	RunE:  runDepsCacheClear,
}

// pypiBase is the package index. Tests point it at a local server.
var pypiBase = "https://pypi.org"

// wheelCacheDir holds downloaded wheels.
var wheelCacheDir = filepath.Join(".lectern", "cache", "wheels")

func init() {
	depsInstallCmd.Flags().IntP("jobs", "j", 4, "Packages to install concurrently")

	depsCacheCmd.AddCommand(depsCacheClearCmd)
	depsCmd.AddCommand(depsInstallCmd, depsListCmd, depsRemoveCmd, depsCacheCmd)
	rootCmd.AddCommand(depsCmd)
}

type pypiURL struct {
	PackageType string `json:"packagetype"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	Digests     struct {
		SHA256 string `json:"sha256"`
	} `json:"digests"`
}

type pypiResponse struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"info"`
	Urls []pypiURL `json:"urls"`
}

// Packages that won't work in WASM (require C extensions, sockets, etc.)
var blockedPackages = map[string]string{
	// C extensions
	"numpy":         "requires C extensions",
	"pandas":        "requires C extensions (numpy)",
	"scipy":         "requires C extensions",
	"tensorflow":    "requires C extensions",
	"torch":         "requires C extensions",
	"scikit-learn":  "requires C extensions",
	"sklearn":       "requires C extensions",
	"matplotlib":    "requires C extensions",
	"seaborn":       "requires matplotlib",
	"pillow":        "requires C extensions",
	"opencv-python": "requires C extensions",
	"lxml":          "requires C extensions",
	// Socket-based
	"requests": "uses sockets (use the http_request host function instead)",
	"httpx":    "uses sockets (use the http_request host function instead)",
	"urllib3":  "uses sockets (use the http_request host function instead)",
	"aiohttp":  "uses async sockets (use the http_request host function instead)",
}

// installer downloads pure Python wheels into a packages directory.
type installer struct {
	index   *hostfunc.HTTP
	fetcher *executor.Fetcher
	pkgDir  string
	cache   string
	logger  *log.Logger
}

func newInstaller(pkgDir string, logger *log.Logger) (*installer, error) {
	u, err := url.Parse(pypiBase)
	if err != nil {
		return nil, fmt.Errorf("invalid package index %q: %w", pypiBase, err)
	}
	return &installer{
		index:   hostfunc.NewHTTP(hostfunc.HTTPConfig{AllowedHosts: []string{u.Hostname()}}),
		fetcher: executor.NewFetcher(executor.WithFetchLogger(logger.WithPrefix("fetch"))),
		pkgDir:  pkgDir,
		cache:   wheelCacheDir,
		logger:  logger,
	}, nil
}

func runDepsInstall(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	jobs, _ := cmd.Flags().GetInt("jobs")

	if cfg.Engine == "wasm" {
		for _, spec := range args {
			name, _ := parsePackageSpec(spec)
			if reason, blocked := blockedPackages[strings.ToLower(name)]; blocked {
				return fmt.Errorf("%s is not supported in the wasm engine (%s)", name, reason)
			}
		}
	}

	if err := os.MkdirAll(cfg.Packages.Dir, 0o755); err != nil {
		return fmt.Errorf("create package dir: %w", err)
	}
	inst, err := newInstaller(cfg.Packages.Dir, logger)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	out := cmd.OutOrStdout()

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(max(jobs, 1))
	for _, spec := range args {
		g.Go(func() error {
			name, version := parsePackageSpec(spec)
			installed, err := inst.install(ctx, name, version)
			if err != nil {
				return fmt.Errorf("install %s: %w", name, err)
			}
			mu.Lock()
			fmt.Fprintf(out, "Installed %s\n", installed)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintln(out, "Done.")
	return nil
}

// parsePackageSpec splits "name==1.0" into its parts. Other version
// operators are accepted and resolve to the latest release.
func parsePackageSpec(spec string) (name, version string) {
	spec = strings.TrimSpace(spec)
	if n, v, ok := strings.Cut(spec, "=="); ok {
		return n, v
	}
	if i := strings.IndexAny(spec, "<>=!~"); i != -1 {
		return spec[:i], ""
	}
	return spec, ""
}

// install fetches a package's metadata and wheel, and extracts the wheel.
// It returns "name-version" as published.
func (i *installer) install(ctx context.Context, name, version string) (string, error) {
	metaURL := fmt.Sprintf("%s/pypi/%s/json", pypiBase, url.PathEscape(name))
	if version != "" {
		metaURL = fmt.Sprintf("%s/pypi/%s/%s/json", pypiBase, url.PathEscape(name), url.PathEscape(version))
	}

	resp, err := i.index.Get(ctx, metaURL)
	if err != nil {
		return "", fmt.Errorf("fetch package info: %w", err)
	}
	switch {
	case resp.Status == http.StatusNotFound:
		return "", errors.New("package not found on PyPI")
	case resp.Status != http.StatusOK:
		return "", fmt.Errorf("PyPI returned status %d", resp.Status)
	}

	var meta pypiResponse
	if err := json.Unmarshal([]byte(resp.Body), &meta); err != nil {
		return "", fmt.Errorf("parse PyPI response: %w", err)
	}

	wheel, ok := findWheel(meta.Urls)
	if !ok {
		return "", errors.New("no compatible wheel found (pure Python wheel required)")
	}

	i.logger.Debug("downloading wheel", "file", wheel.Filename)
	p, _, err := i.fetcher.Ensure(ctx, executor.Asset{
		URL:      wheel.URL,
		SHA256:   wheel.Digests.SHA256,
		CacheDir: i.cache,
	})
	if err != nil {
		return "", err
	}

	if err := extractWheel(p, i.pkgDir); err != nil {
		return "", fmt.Errorf("extract wheel: %w", err)
	}
	return meta.Info.Name + "-" + meta.Info.Version, nil
}

func findWheel(urls []pypiURL) (pypiURL, bool) {
	for _, u := range urls {
		if u.PackageType != "bdist_wheel" {
			continue
		}
		filename := strings.ToLower(u.Filename)
		if strings.Contains(filename, "-py3-none-any") || strings.Contains(filename, "-py2.py3-none-any") {
			return u, true
		}
	}
	return pypiURL{}, false
}

func extractWheel(wheelPath, destDir string) error {
	r, err := zip.OpenReader(wheelPath)
	if err != nil {
		return err
	}
	defer r.Close()

	// Reject before writing anything.
	for _, f := range r.File {
		name := strings.ToLower(f.Name)
		if strings.HasSuffix(name, ".so") || strings.HasSuffix(name, ".pyd") || strings.HasSuffix(name, ".dylib") {
			return fmt.Errorf("package contains C extensions (%s) which won't work in WASM", filepath.Base(f.Name))
		}
		if !filepath.IsLocal(f.Name) {
			return fmt.Errorf("invalid path in wheel: %s", f.Name)
		}
	}

	for _, f := range r.File {
		if strings.Contains(f.Name, ".dist-info/") {
			continue
		}

		destPath := filepath.Join(destDir, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, destPath); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func runDepsList(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	entries, err := os.ReadDir(cfg.Packages.Dir)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(out, "No packages installed.")
		return nil
	}
	if err != nil {
		return err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasSuffix(entry.Name(), ".dist-info") && !strings.HasPrefix(entry.Name(), "__") {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		fmt.Fprintln(out, "No packages installed.")
		return nil
	}

	fmt.Fprintf(out, "Packages in %s:\n", cfg.Packages.Dir)
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", name)
	}
	return nil
}

func runDepsRemove(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dir := cfg.Packages.Dir

	for _, pkg := range args {
		if !filepath.IsLocal(pkg) {
			return fmt.Errorf("invalid package name %q", pkg)
		}
		if err := os.RemoveAll(filepath.Join(dir, pkg)); err != nil {
			logger.Warn("failed to remove package", "name", pkg, "err", err)
			continue
		}

		entries, _ := os.ReadDir(dir)
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), pkg) && strings.HasSuffix(entry.Name(), ".dist-info") {
				os.RemoveAll(filepath.Join(dir, entry.Name()))
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", pkg)
	}
	return nil
}

func runDepsCacheClear(cmd *cobra.Command, args []string) error {
	if err := os.RemoveAll(wheelCacheDir); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
	return nil
}

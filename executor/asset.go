package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzip"
)

// Asset is the interpreter binary an engine boots from.
type Asset struct {
	// URL is an http(s) URL, a file:// URL, or a local path.
	URL string
	// SHA256 optionally pins the content (hex). Checked after download and
	// on every cache hit.
	SHA256 string
	// CacheDir holds downloaded assets. Defaults to the user cache dir.
	CacheDir string
}

// Local reports whether the asset is already on the host and needs no download.
func (a Asset) Local() bool {
	u, err := url.Parse(a.URL)
	return err != nil || u.Scheme == "" || u.Scheme == "file"
}

// Path returns where the asset lives on disk once available.
func (a Asset) Path() string {
	if a.Local() {
		return strings.TrimPrefix(a.URL, "file://")
	}
	dir := a.CacheDir
	if dir == "" {
		dir = filepath.Join(defaultCacheDir(), "assets")
	}
	name := "asset"
	if u, err := url.Parse(a.URL); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
		name = path.Base(u.Path)
	}
	return filepath.Join(dir, name)
}

// Fetcher downloads assets into their cache directory.
type Fetcher struct {
	client  *http.Client
	retries uint64
	logger  *log.Logger
}

// NewFetcher returns a Fetcher with a 5 minute client timeout and 3 retries.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:  &http.Client{Timeout: 5 * time.Minute},
		retries: 3,
		logger:  newLogger("fetch"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Ensure returns the on-disk path of the asset, downloading it only if it is
// not present yet. fetched reports whether a download happened.
func (f *Fetcher) Ensure(ctx context.Context, a Asset) (p string, fetched bool, err error) {
	p = a.Path()

	if _, statErr := os.Stat(p); statErr == nil {
		if err := verifyFile(p, a.SHA256); err != nil {
			if a.Local() {
				return "", false, err
			}
			f.logger.Warn("cached asset failed verification, refetching", "path", p, "err", err)
		} else {
			return p, false, nil
		}
	} else if a.Local() {
		return "", false, fmt.Errorf("asset %s: %w", p, statErr)
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", false, fmt.Errorf("create asset dir: %w", err)
	}

	f.logger.Info("downloading asset", "url", a.URL)
	start := time.Now()

	var b backoff.BackOff = backoff.NewExponentialBackOff()
	b = backoff.WithContext(backoff.WithMaxRetries(b, f.retries), ctx)

	err = backoff.RetryNotify(func() error {
		return f.download(ctx, a, p)
	}, b, func(err error, wait time.Duration) {
		f.logger.Warn("asset download failed, retrying", "url", a.URL, "err", err, "wait", wait)
	})
	if err != nil {
		return "", false, fmt.Errorf("fetch %s: %w", a.URL, err)
	}

	f.logger.Info("asset ready", "path", p, "took", time.Since(start).Round(time.Millisecond))
	return p, true, nil
}

func (f *Fetcher) download(ctx context.Context, a Asset, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download failed: %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return backoff.Permanent(err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := checkSum(hash.Sum(nil), a.SHA256); err != nil {
		return backoff.Permanent(err)
	}

	return os.Rename(tmpPath, dest)
}

// ReadAsset returns the asset contents, decompressing .gz files.
func ReadAsset(p string) ([]byte, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(p, ".gz") {
		return data, nil
	}

	rdr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", p, err)
	}
	defer rdr.Close()
	return io.ReadAll(rdr)
}

func verifyFile(p, want string) error {
	if want == "" {
		return nil
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return err
	}
	return checkSum(hash.Sum(nil), want)
}

var errChecksum = errors.New("checksum mismatch")

func checkSum(sum []byte, want string) error {
	if want == "" {
		return nil
	}
	if got := hex.EncodeToString(sum); !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %s, want %s", errChecksum, got, want)
	}
	return nil
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "lectern")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "lectern")
	}
	return filepath.Join(os.TempDir(), "lectern-cache")
}

package hostfunc

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

//go:embed datasets/*.csv
var fallbackFS embed.FS

const seabornData = "https://raw.githubusercontent.com/mwaskom/seaborn-data/master/"

// Dataset is a named CSV table preloaded into every run.
type Dataset struct {
	Name string
	URL  string
	// Fallback is CSV text used when URL cannot be fetched.
	Fallback string
}

// BuiltinDatasets returns the datasets lectern ships fallbacks for.
func BuiltinDatasets() []Dataset {
	return []Dataset{
		{Name: "penguins", URL: seabornData + "penguins.csv", Fallback: FallbackCSV("penguins")},
		{Name: "tips", URL: seabornData + "tips.csv", Fallback: FallbackCSV("tips")},
	}
}

// FallbackCSV returns the bundled sample of a builtin dataset, or "".
func FallbackCSV(name string) string {
	data, err := fallbackFS.ReadFile("datasets/" + name + ".csv")
	if err != nil {
		return ""
	}
	return string(data)
}

type DatasetOption func(*Datasets)

// WithDatasetHTTP sets the client used for remote datasets. By default only
// the hosts of the configured dataset URLs are reachable.
func WithDatasetHTTP(h *HTTP) DatasetOption {
	return func(d *Datasets) {
		d.http = h
	}
}

func WithDatasetCache(kv *KV) DatasetOption {
	return func(d *Datasets) {
		d.cache = kv
	}
}

// WithDatasetRetries sets how often a failed download is retried before
// falling back.
func WithDatasetRetries(n uint64) DatasetOption {
	return func(d *Datasets) {
		d.retries = n
	}
}

func WithDatasetLogger(l *log.Logger) DatasetOption {
	return func(d *Datasets) {
		if l != nil {
			d.logger = l
		}
	}
}

// Datasets serves dataset_fetch. Remote tables are downloaded once and
// cached; a table that cannot be downloaded is served from its fallback.
type Datasets struct {
	sets   []Dataset
	byName map[string]Dataset

	http    *HTTP
	cache   *KV
	retries uint64
	logger  *log.Logger
	group   singleflight.Group
}

func NewDatasets(sets []Dataset, opts ...DatasetOption) *Datasets {
	d := &Datasets{
		sets:    sets,
		byName:  make(map[string]Dataset, len(sets)),
		retries: 2,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "datasets",
			Level:  log.WarnLevel,
		}),
	}
	for _, ds := range sets {
		d.byName[ds.Name] = ds
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.http == nil {
		var hosts []string
		for _, ds := range sets {
			if u, err := url.Parse(ds.URL); err == nil && u.Hostname() != "" {
				hosts = append(hosts, u.Hostname())
			}
		}
		d.http = NewHTTP(HTTPConfig{AllowedHosts: hosts})
	}
	if d.cache == nil {
		d.cache = NewKV(DefaultKVConfig())
	}
	return d
}

// List returns the datasets in configuration order.
func (d *Datasets) List() []Dataset {
	return d.sets
}

// Fetch is the dataset_fetch host function. Args: name (required).
func (d *Datasets) Fetch(ctx context.Context, args map[string]any) (any, error) {
	name, _ := args["name"].(string)
	if name == "" {
		return nil, errors.New("dataset name required")
	}
	resp, err := d.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Load returns the CSV text of the named dataset.
func (d *Datasets) Load(ctx context.Context, name string) (DatasetResponse, error) {
	ds, ok := d.byName[name]
	if !ok {
		return DatasetResponse{}, fmt.Errorf("unknown dataset: %s", name)
	}

	if csv, ok := d.cache.Lookup(name); ok {
		return DatasetResponse{Name: name, CSV: csv, Source: "cache"}, nil
	}

	var fetchErr error
	if ds.URL != "" {
		v, err, _ := d.group.Do(name, func() (any, error) {
			return d.download(ctx, ds.URL)
		})
		if err == nil {
			csv := v.(string)
			if err := d.cache.Store(name, csv); err != nil {
				d.logger.Warn("dataset not cached", "name", name, "err", err)
			}
			return DatasetResponse{Name: name, CSV: csv, Source: "remote"}, nil
		}
		fetchErr = err
		d.logger.Warn("dataset download failed", "name", name, "err", err)
	}

	if ds.Fallback != "" {
		return DatasetResponse{Name: name, CSV: ds.Fallback, Source: "fallback"}, nil
	}
	if fetchErr == nil {
		fetchErr = errors.New("no source")
	}
	return DatasetResponse{}, fmt.Errorf("dataset %s unavailable: %w", name, fetchErr)
}

func (d *Datasets) download(ctx context.Context, rawURL string) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(eb, d.retries), ctx)

	return backoff.RetryWithData(func() (string, error) {
		resp, err := d.http.Get(ctx, rawURL)
		if err != nil {
			if errors.Is(err, errRequestFailed) {
				return "", err
			}
			return "", backoff.Permanent(err)
		}

		switch {
		case resp.Status == http.StatusOK:
			return resp.Body, nil
		case resp.Status >= 500 || resp.Status == http.StatusTooManyRequests:
			return "", fmt.Errorf("status %d", resp.Status)
		default:
			return "", backoff.Permanent(fmt.Errorf("status %d", resp.Status))
		}
	}, b)
}

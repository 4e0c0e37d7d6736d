package hostfunc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tinyCSV = "a,b\n1,2\n"

func countingServer(t *testing.T, handler func(n int64, w http.ResponseWriter)) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(hits.Add(1), w)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDatasetsRemoteThenCache(t *testing.T) {
	srv, hits := countingServer(t, func(_ int64, w http.ResponseWriter) {
		w.Write([]byte(tinyCSV))
	})
	d := NewDatasets([]Dataset{{Name: "tiny", URL: srv.URL + "/tiny.csv"}})

	resp, err := d.Load(context.Background(), "tiny")
	require.NoError(t, err)
	assert.Equal(t, "remote", resp.Source)
	assert.Equal(t, tinyCSV, resp.CSV)

	resp, err = d.Load(context.Background(), "tiny")
	require.NoError(t, err)
	assert.Equal(t, "cache", resp.Source)
	assert.Equal(t, int64(1), hits.Load())
}

func TestDatasetsRetriesTransientFailure(t *testing.T) {
	srv, hits := countingServer(t, func(n int64, w http.ResponseWriter) {
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(tinyCSV))
	})
	d := NewDatasets([]Dataset{{Name: "tiny", URL: srv.URL}}, WithDatasetRetries(2))

	resp, err := d.Load(context.Background(), "tiny")
	require.NoError(t, err)
	assert.Equal(t, "remote", resp.Source)
	assert.Equal(t, int64(2), hits.Load())
}

func TestDatasetsFallbackOnNotFound(t *testing.T) {
	srv, hits := countingServer(t, func(_ int64, w http.ResponseWriter) {
		w.WriteHeader(http.StatusNotFound)
	})
	d := NewDatasets([]Dataset{{Name: "tiny", URL: srv.URL, Fallback: "x\n1\n"}}, WithDatasetRetries(3))

	resp, err := d.Load(context.Background(), "tiny")
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Source)
	assert.Equal(t, "x\n1\n", resp.CSV)
	assert.Equal(t, int64(1), hits.Load(), "4xx must not be retried")

	_, cached := d.cache.Lookup("tiny")
	assert.False(t, cached, "fallback must not be cached")
}

func TestDatasetsFallbackWhenHostBlocked(t *testing.T) {
	d := NewDatasets(
		[]Dataset{{Name: "tiny", URL: "https://example.com/tiny.csv", Fallback: tinyCSV}},
		WithDatasetHTTP(NewHTTP(HTTPConfig{AllowedHosts: []string{"other.org"}})),
	)

	resp, err := d.Load(context.Background(), "tiny")
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Source)
}

func TestDatasetsUnavailable(t *testing.T) {
	srv, _ := countingServer(t, func(_ int64, w http.ResponseWriter) {
		w.WriteHeader(http.StatusForbidden)
	})
	d := NewDatasets([]Dataset{{Name: "tiny", URL: srv.URL}})

	_, err := d.Load(context.Background(), "tiny")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dataset tiny unavailable")
}

func TestDatasetsUnknownName(t *testing.T) {
	d := NewDatasets(BuiltinDatasets())
	_, err := d.Load(context.Background(), "iris")
	assert.EqualError(t, err, "unknown dataset: iris")
}

func TestDatasetsFetchHostFunc(t *testing.T) {
	d := NewDatasets([]Dataset{{Name: "local", Fallback: tinyCSV}})

	_, err := d.Fetch(context.Background(), map[string]any{})
	assert.EqualError(t, err, "dataset name required")

	result, err := d.Fetch(context.Background(), map[string]any{"name": "local"})
	require.NoError(t, err)
	resp, ok := result.(DatasetResponse)
	require.True(t, ok)
	assert.Equal(t, DatasetResponse{Name: "local", CSV: tinyCSV, Source: "fallback"}, resp)
}

func TestBuiltinDatasetsHaveFallbacks(t *testing.T) {
	sets := BuiltinDatasets()
	require.Len(t, sets, 2)
	for _, ds := range sets {
		assert.True(t, strings.HasPrefix(ds.URL, "https://raw.githubusercontent.com/"), ds.Name)
		lines := strings.Split(strings.TrimSpace(ds.Fallback), "\n")
		assert.Greater(t, len(lines), 10, "%s fallback should carry sample rows", ds.Name)
	}
	assert.True(t, strings.HasPrefix(FallbackCSV("penguins"), "species,island"))
	assert.Empty(t, FallbackCSV("iris"))
}

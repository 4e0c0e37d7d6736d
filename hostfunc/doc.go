// Package hostfunc provides the Go functions guest code can call.
//
// Guests have no implicit access to the network or the host. Each capability
// is a [Func] registered by name in a [Registry]:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("my_func", func(ctx context.Context, args map[string]any) (any, error) {
//	    return "result", nil
//	})
//
// # Built-in Capabilities
//
// Datasets: named CSV tables for lecture examples via [Datasets]. Remote
// tables are downloaded once, cached in a [KV], and replaced by a bundled
// fallback when the download fails.
//
//	ds := hostfunc.NewDatasets(hostfunc.BuiltinDatasets())
//	registry.Register("dataset_fetch", ds.Fetch)
//
// HTTP: requests to an allowlist of hosts via [HTTP] and [HTTPConfig].
//
//	http := hostfunc.NewHTTP(hostfunc.HTTPConfig{
//	    AllowedHosts: []string{"api.example.com"},
//	})
//	registry.Register("http_request", http.Request)
//
// Packages: on-demand pip installs into the packages directory via
// [NewPkgInstaller].
package hostfunc

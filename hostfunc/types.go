package hostfunc

// HTTP types

type HTTPResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Dataset types

type DatasetResponse struct {
	Name string `json:"name"`
	CSV  string `json:"csv"`
	// Source is one of "cache", "remote" or "fallback".
	Source string `json:"source"`
}

// Package types

type PkgInstallResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

package hostfunc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 8 << 20 // 8MB, enough for a teaching dataset
	DefaultRequestTimeout = 30 * time.Second
)

var (
	errHTTPDisabled   = errors.New("http not enabled")
	errHostNotAllowed = errors.New("host not allowed")
	errRequestFailed  = errors.New("request failed")
)

type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
}

// HTTP performs outbound requests restricted to an allowlist of hosts.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// Request is the http_request host function.
// Args: url (required), method, body, headers.
func (h *HTTP) Request(ctx context.Context, args map[string]any) (any, error) {
	method, _ := args["method"].(string)
	rawURL, _ := args["url"].(string)
	body, _ := args["body"].(string)

	headers := make(map[string]string)
	if hs, ok := args["headers"].(map[string]any); ok {
		for k, v := range hs {
			if vs, ok := v.(string); ok {
				headers[k] = vs
			}
		}
	}

	resp, err := h.Do(ctx, method, rawURL, body, headers)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Get fetches rawURL, subject to the same checks as guest requests.
func (h *HTTP) Get(ctx context.Context, rawURL string) (*HTTPResponse, error) {
	return h.Do(ctx, http.MethodGet, rawURL, "", nil)
}

func (h *HTTP) Do(ctx context.Context, method, rawURL, body string, headers map[string]string) (*HTTPResponse, error) {
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}

	if rawURL == "" {
		return nil, errors.New("url required")
	}
	if len(rawURL) > h.cfg.MaxURLLength {
		return nil, errors.New("url exceeds max length")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.New("invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.New("scheme must be http or https")
	}

	if len(h.cfg.AllowedHosts) == 0 {
		return nil, errHTTPDisabled
	}

	host := parsed.Hostname()
	if !h.isHostAllowed(host) {
		return nil, fmt.Errorf("%w: %s", errHostNotAllowed, host)
	}

	var reqBody io.Reader
	if body != "" {
		if int64(len(body)) > h.cfg.MaxBodySize {
			return nil, errors.New("request body exceeds max size")
		}
		reqBody = bytes.NewBufferString(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errRequestFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	respHeaders := make(map[string]string)
	for k, v := range resp.Header {
		if len(v) > 0 {
			respHeaders[k] = v[0]
		}
	}

	return &HTTPResponse{
		Status:  resp.StatusCode,
		Body:    string(respBody),
		Headers: respHeaders,
	}, nil
}

// isHostAllowed matches hosts exactly or as a subdomain of an allowed
// domain. IP addresses only match exactly, after normalization.
func (h *HTTP) isHostAllowed(host string) bool {
	ip := net.ParseIP(host)
	for _, allowed := range h.cfg.AllowedHosts {
		if ip != nil {
			if allowedIP := net.ParseIP(allowed); allowedIP != nil && allowedIP.Equal(ip) {
				return true
			}
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

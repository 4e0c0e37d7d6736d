package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/lectern/executor"
	"github.com/caffeineduck/lectern/internal/config"
	"github.com/caffeineduck/lectern/notebook/notebooktest"
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

func setupTestServer(t *testing.T, origins ...string) (*server, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	if len(origins) > 0 {
		cfg.Server.AllowedOrigins = origins
	}
	var logs bytes.Buffer
	a := stubApp(&cfg, log.New(&logs), notebooktest.Guest{})
	t.Cleanup(func() { a.Close() })

	s := newServer(a)
	return s, s.routes()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeRun(t *testing.T, w *httptest.ResponseRecorder) runResponse {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp runResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	_, h := setupTestServer(t)

	w := doJSON(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("expected 'ok', got %q", w.Body.String())
	}
}

func TestRunEndpoint(t *testing.T) {
	_, h := setupTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/run", `{"code": "print a\nshow\nprint b"}`)
	resp := decodeRun(t, w)

	if resp.Text != "a\nb\n" {
		t.Errorf("text = %q", resp.Text)
	}
	if len(resp.Images) != 1 || resp.Images[0].Data != notebooktest.Figure(1) || resp.Images[0].Format != "png" {
		t.Errorf("images = %+v", resp.Images)
	}
	if resp.Error != "" {
		t.Errorf("unexpected error: %s", resp.Error)
	}
	if resp.RequestID == "" || resp.RequestID != w.Header().Get("X-Request-ID") {
		t.Errorf("request id %q does not match header %q", resp.RequestID, w.Header().Get("X-Request-ID"))
	}
}

func TestRunEndpointEmptyImages(t *testing.T) {
	_, h := setupTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/run", `{"code": "print a"}`)
	if !strings.Contains(w.Body.String(), `"images":[]`) {
		t.Errorf("images should encode as an empty list: %s", w.Body.String())
	}
}

func TestRunEndpointGuestError(t *testing.T) {
	_, h := setupTestServer(t)

	resp := decodeRun(t, doJSON(t, h, http.MethodPost, "/run", `{"code": "print before\nraise ZeroDivisionError: division by zero"}`))
	if resp.Error != "ZeroDivisionError: division by zero" {
		t.Errorf("error = %q", resp.Error)
	}
	if resp.Text != "before\n" {
		t.Errorf("partial text = %q", resp.Text)
	}

	// The runtime survives a guest error.
	resp = decodeRun(t, doJSON(t, h, http.MethodPost, "/run", `{"code": "print after"}`))
	if resp.Text != "after\n" || resp.Error != "" {
		t.Errorf("follow-up run = %+v", resp)
	}
}

func TestRunEndpointTimeout(t *testing.T) {
	s, h := setupTestServer(t)

	resp := decodeRun(t, doJSON(t, h, http.MethodPost, "/run", `{"code": "block", "timeout": "50ms"}`))
	if resp.Error != "execution timed out after 50ms" {
		t.Errorf("error = %q", resp.Error)
	}

	resp = decodeRun(t, doJSON(t, h, http.MethodPost, "/run", `{"code": "print again"}`))
	if resp.Text != "again\n" {
		t.Errorf("run after timeout = %+v", resp)
	}
	if got := s.app.loader.Attempts(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestRunEndpointAbortedRequestKeepsState(t *testing.T) {
	s, h := setupTestServer(t)

	decodeRun(t, doJSON(t, h, http.MethodPost, "/run", `{"code": "set x 42"}`))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(`{"code": "sleep 200ms"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	resp := decodeRun(t, w)
	if resp.Error != context.DeadlineExceeded.Error() {
		t.Errorf("error = %q", resp.Error)
	}

	resp = decodeRun(t, doJSON(t, h, http.MethodPost, "/run", `{"code": "echo x"}`))
	if resp.Text != "42\n" || resp.Error != "" {
		t.Errorf("run after aborted request = %+v", resp)
	}
	if got := s.app.loader.Attempts(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestRunEndpointBadRequests(t *testing.T) {
	_, h := setupTestServer(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{not json`, "invalid json"},
		{"missing code", `{}`, "code required"},
		{"bad timeout", `{"code": "print x", "timeout": "soon"}`, "invalid timeout"},
		{"negative timeout", `{"code": "print x", "timeout": "-1s"}`, "invalid timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, h, http.MethodPost, "/run", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.want) {
				t.Errorf("body = %s, want %q", w.Body.String(), tt.want)
			}
		})
	}
}

func TestStatusAndWarmup(t *testing.T) {
	s, h := setupTestServer(t)

	var st statusResponse
	w := doJSON(t, h, http.MethodGet, "/status", "")
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if st.State != "idle" || st.Attempts != 0 {
		t.Errorf("initial status = %+v", st)
	}

	w = doJSON(t, h, http.MethodPost, "/warmup", "")
	if w.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", w.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.app.loader.State() != executor.StateReady {
		if time.Now().After(deadline) {
			t.Fatalf("warmup did not finish, state %v", s.app.loader.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	w = doJSON(t, h, http.MethodGet, "/status", "")
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if st.State != "ready" || st.Attempts != 1 || st.Error != "" {
		t.Errorf("status after warmup = %+v", st)
	}
}

func TestStatusReportsLoadError(t *testing.T) {
	s, h := setupTestServer(t)
	s.app.loader = executor.NewLoader(notebooktest.Guest{Missing: []string{"numpy"}}.Engine(), notebooktest.Language{},
		executor.WithRequiredPackages("numpy"),
	)

	resp := decodeRun(t, doJSON(t, h, http.MethodPost, "/run", `{"code": "print x"}`))
	if !strings.Contains(resp.Error, "numpy") {
		t.Errorf("error = %q", resp.Error)
	}

	var st statusResponse
	w := doJSON(t, h, http.MethodGet, "/status", "")
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if st.State != "error" || !strings.Contains(st.Error, "load runtime: import") {
		t.Errorf("status = %+v", st)
	}
}

func TestCORSAllowAll(t *testing.T) {
	_, h := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://slides.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestCORSAllowedOrigins(t *testing.T) {
	_, h := setupTestServer(t, "http://slides.example")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://slides.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://slides.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://elsewhere.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403 for a foreign origin, got %d", w.Code)
	}
}

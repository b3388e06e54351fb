package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"rumikernel/internal/bootstrap"
	"rumikernel/internal/logging"
)

func newTestServer(t *testing.T) *server {
	t.Helper()
	workspace := t.TempDir()
	deps, err := bootstrap.Build(workspace, filepath.Join(workspace, "rumikernel.yaml"))
	if err != nil {
		t.Fatalf("bootstrap.Build: %v", err)
	}
	logging.Init(false)
	return &server{deps: deps, token: "test-token", log: zap.NewNop()}
}

func doRequest(t *testing.T, srv *server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	return rec
}

func TestMissingBearerTokenIsRejected(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/packs", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWrongBearerTokenIsRejected(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/packs", "not-the-token")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCorrectBearerTokenListsPacks(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/packs", "test-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var got []any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestDockerStatusReportsSandboxFields(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/docker/status", "test-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, ok := got["available"]; !ok {
		t.Fatal("expected \"available\" field")
	}
	if _, ok := got["security_mode"]; !ok {
		t.Fatal("expected \"security_mode\" field")
	}
}

func TestServicesRouteResolvesEveryRegisteredName(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/services", "test-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got struct {
		Services []string        `json:"services"`
		Resolved map[string]bool `json:"resolved"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(got.Services) == 0 {
		t.Fatal("expected at least one registered service name")
	}
	for _, name := range got.Services {
		if !got.Resolved[name] {
			t.Errorf("service %q reported as unresolved", name)
		}
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/nope", "test-token")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

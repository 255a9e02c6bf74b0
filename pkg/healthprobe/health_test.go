package healthprobe

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	hc := New()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	hc.Health()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.Status != "healthy" {
		t.Errorf("expected status healthy, got %q", resp.Status)
	}
	if resp.Uptime == "" {
		t.Error("expected non-empty uptime")
	}
}

func TestHealthEndpointReportsComponents(t *testing.T) {
	t.Parallel()

	hc := New()
	hc.RegisterCheck("venue", func() error { return nil })
	hc.RegisterCheck("storage", func() error { return errors.New("connection refused") })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	hc.Health()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.Status != "degraded" {
		t.Errorf("expected status degraded, got %q", resp.Status)
	}
	if resp.Components["venue"] != "ok" {
		t.Errorf("expected venue ok, got %q", resp.Components["venue"])
	}
	if resp.Components["storage"] != "connection refused" {
		t.Errorf("expected storage failure message, got %q", resp.Components["storage"])
	}
}

func TestHealthEndpointCheckReplaced(t *testing.T) {
	t.Parallel()

	hc := New()
	hc.RegisterCheck("venue", func() error { return errors.New("down") })
	hc.RegisterCheck("venue", func() error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	hc.Health()(w, req)

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected status healthy after replacement, got %q", resp.Status)
	}
}

func TestReadyEndpointNotReady(t *testing.T) {
	t.Parallel()

	hc := New()

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()

	hc.Ready()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.Status != "not_ready" {
		t.Errorf("expected status not_ready, got %q", resp.Status)
	}
}

func TestReadyEndpointReady(t *testing.T) {
	t.Parallel()

	hc := New()
	hc.SetReady(true)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()

	hc.Ready()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.Status != "ready" {
		t.Errorf("expected status ready, got %q", resp.Status)
	}
}

func TestReadyToggle(t *testing.T) {
	t.Parallel()

	hc := New()
	hc.SetReady(true)
	hc.SetReady(false)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()

	hc.Ready()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 after toggle off, got %d", w.Code)
	}
}

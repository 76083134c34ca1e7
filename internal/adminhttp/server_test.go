package adminhttp

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthzOKWhenAllChecksPass(t *testing.T) {
	h := New(nil, map[string]HealthCheck{
		"store": func() error { return nil },
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthzDegradedWhenCheckFails(t *testing.T) {
	h := New(nil, map[string]HealthCheck{
		"store": func() error { return errors.New("connection refused") },
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMetricsReturnsSourceSnapshot(t *testing.T) {
	h := New(func() Metrics {
		return Metrics{TokenizeTotal: 42}
	}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !contains(rec.Body.String(), `"tokenize_total":42`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func contains(s, sub string) bool {
	return len(sub) == 0 || (len(s) >= len(sub) && indexOf(s, sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

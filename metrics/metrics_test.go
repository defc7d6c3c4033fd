package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Cycles.WithLabelValues("ran").Inc()
	m.QuotaTokens.Set(7)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	for _, want := range []string{
		`orbit_cycles_total{outcome="ran"} 1`,
		"orbit_quota_tokens 7",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegistryIsIsolated(t *testing.T) {
	a, b := New(), New()
	a.Deliveries.WithLabelValues("Email", "success").Inc()

	families, err := b.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "orbit_deliveries_total" && len(f.GetMetric()) > 0 {
			t.Errorf("second registry saw deliveries recorded on the first")
		}
	}
}

package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsHandler(t *testing.T) {
	// Record some metrics
	RegistryHitsTotal.WithLabelValues("strong").Inc()
	RegistryMissesTotal.WithLabelValues("absent").Inc()
	PrunePassesTotal.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler := MetricsHandler()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Errorf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"gofusion_registry_hits_total",
		"gofusion_registry_misses_total",
		"gofusion_prune_passes_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Metrics output missing: %s", metric)
		}
	}
}

func TestMetricDefinitions(t *testing.T) {
	// All metric vectors must accept their documented label values.
	tests := []struct {
		name string
		fn   func()
	}{
		{"RegistryHitsTotal", func() { RegistryHitsTotal.WithLabelValues("weak").Inc() }},
		{"RegistryMissesTotal", func() { RegistryMissesTotal.WithLabelValues("collected").Inc() }},
		{"RegistryUnregistrationsTotal", func() { RegistryUnregistrationsTotal.WithLabelValues("removed").Inc() }},
		{"PrunedEntriesTotal", func() { PrunedEntriesTotal.WithLabelValues("demoted").Inc() }},
		{"RegistryEntries", func() { RegistryEntries.Set(12) }},
		{"RegistryRegistrationsTotal", func() { RegistryRegistrationsTotal.Inc() }},
		{"DelayerCancelsTotal", func() { DelayerCancelsTotal.Inc() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn()
		})
	}
}

func TestGetCounterValue(t *testing.T) {
	RegistryHitsTotal.WithLabelValues("strong").Inc()

	v, err := GetCounterValue(RegistryHitsTotal, "strong")
	if err != nil {
		t.Fatalf("GetCounterValue error: %v", err)
	}
	if v < 1 {
		t.Errorf("GetCounterValue = %v, want >= 1", v)
	}
}

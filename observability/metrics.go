package observability

import (
	"net/http"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RegistryHitsTotal counts registry lookups that returned a computation,
	// by pin state at lookup time
	RegistryHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gofusion_registry_hits_total",
			Help: "Total number of registry hits by pin state",
		},
		[]string{"pin"}, // strong, weak
	)

	// RegistryMissesTotal counts registry lookups that returned nothing,
	// by reason
	RegistryMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gofusion_registry_misses_total",
			Help: "Total number of registry misses by reason",
		},
		[]string{"reason"}, // absent, collected
	)

	// RegistryRegistrationsTotal counts successful Register publications
	RegistryRegistrationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gofusion_registry_registrations_total",
			Help: "Total number of computations published to the registry",
		},
	)

	// RegistryUnregistrationsTotal counts Unregister calls by outcome
	RegistryUnregistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gofusion_registry_unregistrations_total",
			Help: "Total number of unregister calls by outcome",
		},
		[]string{"outcome"}, // removed, skipped
	)

	// PrunePassesTotal counts completed prune passes
	PrunePassesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gofusion_prune_passes_total",
			Help: "Total number of completed prune passes",
		},
	)

	// PrunedEntriesTotal counts entries dropped or demoted by the pruner
	PrunedEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gofusion_pruned_entries_total",
			Help: "Total number of entries removed or demoted by the pruner",
		},
		[]string{"action"}, // removed, demoted
	)

	// RegistryEntries tracks the entry count observed by the last prune pass
	RegistryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gofusion_registry_entries",
			Help: "Registry entry count as of the last prune pass",
		},
	)

	// DelayerCancelsTotal counts effective delay cancellations
	DelayerCancelsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gofusion_delayer_cancels_total",
			Help: "Total number of effective delay cancellations",
		},
	)
)

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts an HTTP server exposing Prometheus metrics
func StartMetricsServer(addr string) error {
	http.Handle("/metrics", MetricsHandler())
	return http.ListenAndServe(addr, nil)
}

// GetCounterValue retrieves the current value of a counter metric with the given labels
// This is primarily intended for testing
func GetCounterValue(counter *prometheus.CounterVec, labels ...string) (float64, error) {
	metric, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0, err
	}

	// Write metric to a DTO to read its value
	var pb dto.Metric
	if err := metric.Write(&pb); err != nil {
		return 0, err
	}

	if pb.Counter != nil {
		return pb.Counter.GetValue(), nil
	}

	return 0, nil
}

// Package metrics holds the Prometheus collectors shared by the workers.
// Collectors work unregistered; Register exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueryCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackwatch_query_cycles_total",
			Help: "Matcher queries dispatched, by outcome",
		},
		[]string{"result"}, // match, nomatch, timeout, failed
	)
	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trackwatch_query_duration_seconds",
			Help:    "Wall time of one matcher query",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		},
	)
	DetectionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackwatch_detection_events_total",
			Help: "Track lifecycle events emitted",
		},
		[]string{"kind"},
	)
	ActiveTracks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackwatch_active_tracks",
			Help: "Tracks currently considered playing",
		},
	)
	IngestedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackwatch_ingested_bytes_total",
			Help: "Decoded PCM bytes read from the stream",
		},
	)
	FingerprintFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackwatch_fingerprint_files_total",
			Help: "Reference files processed by store jobs, by status",
		},
		[]string{"status"}, // ok, failed, skipped
	)
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		QueryCycles,
		QueryDuration,
		DetectionEvents,
		ActiveTracks,
		IngestedBytes,
		FingerprintFiles,
	)
}

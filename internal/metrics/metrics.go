package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventweather_api_calls_total",
			Help: "Total upstream API calls",
		},
		[]string{"source", "endpoint", "status"},
	)

	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventweather_api_latency_seconds",
			Help:    "Upstream API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source", "endpoint"},
	)

	CitiesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventweather_cities_processed_total",
			Help: "Cities processed by outcome",
		},
		[]string{"outcome"},
	)

	ObservationsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventweather_observations_recorded_total",
			Help: "Weather observations written to the store",
		},
	)

	EventsStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventweather_events_stored_total",
			Help: "New events written to the store",
		},
	)

	EventsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventweather_events_skipped_total",
			Help: "Event records excluded before storage",
		},
		[]string{"reason"},
	)

	WeatherQualityFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventweather_weather_quality_flags_total",
			Help: "Weather observations flagged by quality checks",
		},
		[]string{"flag"},
	)

	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventweather_last_run_timestamp_seconds",
			Help: "Unix time the last pipeline run finished",
		},
	)
)

// WriteFile writes the default registry to path in the node exporter
// textfile format.
func WriteFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create metrics directory: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

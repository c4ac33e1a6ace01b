package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFile(t *testing.T) {
	CitiesProcessed.WithLabelValues("ok").Inc()
	LastRunTimestamp.Set(1700000000)

	path := filepath.Join(t.TempDir(), "textfile", "eventweather.prom")
	if err := WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics file: %v", err)
	}
	for _, want := range []string{
		`eventweather_cities_processed_total{outcome="ok"}`,
		"eventweather_last_run_timestamp_seconds 1.7e+09",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics file missing %q", want)
		}
	}
}

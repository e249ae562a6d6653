package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("failed to read exposition: %v", err)
	}
	return string(body)
}

func TestObserveAnalysis(t *testing.T) {
	m := New()

	m.ObserveAnalysis("completed", 2*time.Second, 120, 3, 17)
	m.ObserveAnalysis("failed", time.Second, 0, 0, 0)

	body := scrape(t, m)
	for _, want := range []string{
		`kestrel_analysis_runs_total{status="completed"} 1`,
		`kestrel_analysis_runs_total{status="failed"} 1`,
		`kestrel_analysis_transactions_total 120`,
		`kestrel_analysis_last_ring_count 3`,
		`kestrel_analysis_last_suspicious_count 17`,
		`kestrel_analysis_duration_seconds_count 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in exposition", want)
		}
	}
}

func TestCacheLookup(t *testing.T) {
	m := New()
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)

	body := scrape(t, m)
	if !strings.Contains(body, `kestrel_cache_lookups_total{result="miss"} 2`) {
		t.Error("expected 2 misses")
	}
	if !strings.Contains(body, `kestrel_cache_lookups_total{result="hit"} 1`) {
		t.Error("expected 1 hit")
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveAnalysis("completed", time.Second, 1, 1, 1)
	m.CacheLookup(true)
}

func TestRuntimeCollectors(t *testing.T) {
	if !strings.Contains(scrape(t, New()), "go_goroutines") {
		t.Error("expected Go runtime metrics in exposition")
	}
}

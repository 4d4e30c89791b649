package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFromContext(t *testing.T) {
	c := NewCollector("vulnhub_test")
	ctx := WithMetrics(context.Background(), c)
	if got := FromContext(ctx, "vulnhub_test"); got != c {
		t.Fatal("expected the stored collector")
	}
	if got := FromContext(ctx, "other"); got == c {
		t.Fatal("expected a fresh collector for another namespace")
	}
	if got := FromContext(context.Background(), ""); got.namespace != DefaultNamespace {
		t.Fatalf("expected default namespace, got %q", got.namespace)
	}
}

// TestRegisterCounter tests the RegisterCounter method of the Collector.
func TestRegisterCounter(t *testing.T) {
	ctx := context.Background()
	collector := NewCollector("vulnhub")

	counter, err := collector.RegisterCounter(ctx, "scans_total", "Scans processed.", "tool", "status")
	if err != nil {
		t.Fatal(err)
	}
	if err := collector.AddCounter(ctx, "scans_total", 1, "ZAP", "Completed"); err != nil {
		t.Fatal(err)
	}
	if err := collector.AddCounter(ctx, "scans_total", 2, "ZAP", "Completed"); err != nil {
		t.Fatal(err)
	}

	err = testutil.CollectAndCompare(counter, strings.NewReader(`
		# HELP vulnhub_scans_total Scans processed.
		# TYPE vulnhub_scans_total counter
		vulnhub_scans_total{status="Completed",tool="ZAP"} 3
	`))
	if err != nil {
		t.Fatal(err)
	}

	if err := collector.AddCounter(ctx, "scans_total", 1, "ZAP"); err == nil {
		t.Fatal("expected a label cardinality error")
	}
}

func TestRegisterTwice(t *testing.T) {
	ctx := context.Background()
	collector := NewCollector("vulnhub")

	if _, err := collector.RegisterHistogram(ctx, "ingest_duration_seconds", "Ingestion time.", nil, "tool"); err != nil {
		t.Fatal(err)
	}
	_, err := collector.RegisterGauge(ctx, "ingest_duration_seconds", "clash", "tool")
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if !collector.Unregister(ctx, "ingest_duration_seconds") {
		t.Fatal("expected the histogram to be unregistered")
	}
	if _, err := collector.RegisterGauge(ctx, "ingest_duration_seconds", "reuse", "tool"); err != nil {
		t.Fatalf("expected the name to be free again, got %v", err)
	}
}

// TestRegisterGauge tests the RegisterGauge method of the Collector.
func TestRegisterGauge(t *testing.T) {
	ctx := context.Background()
	collector := NewCollector("vulnhub")

	gauge, err := collector.RegisterGauge(ctx, "ingest_in_flight", "Ingestions running.", "tool")
	if err != nil {
		t.Fatal(err)
	}
	if err := collector.AddGauge(ctx, "ingest_in_flight", 1, "Bandit"); err != nil {
		t.Fatal(err)
	}
	if err := collector.ObserveHistogram(ctx, "ingest_in_flight", 1, "Bandit"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if got := testutil.ToFloat64(gauge.WithLabelValues("Bandit")); got != 1 {
		t.Fatalf("expected gauge 1, got %v", got)
	}
}

// TestMetricsHandler tests the MetricsHandler method of the Collector.
func TestMetricsHandler(t *testing.T) {
	ctx := context.Background()
	collector := NewCollector("vulnhub")
	if _, err := collector.RegisterCounter(ctx, "findings_total", "Findings parsed.", "tool"); err != nil {
		t.Fatal(err)
	}
	if err := collector.AddCounter(ctx, "findings_total", 4, "Burp"); err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/metrics", nil)
	if err != nil {
		t.Fatalf("could not create request: %v", err)
	}
	rr := httptest.NewRecorder()
	collector.MetricsHandler().ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), `vulnhub_findings_total{tool="Burp"} 4`) {
		t.Errorf("metric missing from body:\n%s", rr.Body.String())
	}
}

// TestNonExistingCounter tests the AddCounter method of the Collector.
func TestNonExistingCounter(t *testing.T) {
	collector := NewCollector("")
	err := collector.AddCounter(context.Background(), "non_existing_counter", 1, "label1")
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

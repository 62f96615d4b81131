package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusRecorder_CountsAndObserves(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	recorder := NewPrometheusRecorder(WithRegistry(registry))

	tags := map[string]string{"operation": "ingest", "status": "success"}
	recorder.IncCounter(ctx, "relay.ingest.total", 1, tags)
	recorder.IncCounter(ctx, "relay.ingest.total", 2, tags)
	recorder.IncCounter(ctx, "relay.ingest.total", 1, map[string]string{"operation": "ingest", "status": "failure", "extra": "dropped"})
	recorder.ObserveHistogram(ctx, "relay.ingest.duration_ms", 12, tags)

	if recorder.counters["relay_ingest_total"] == nil {
		t.Fatalf("expected counter to be registered under a sanitized name")
	}

	server := httptest.NewServer(recorder.Handler())
	defer server.Close()
	res, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	for _, want := range []string{
		`relay_ingest_total{operation="ingest",status="success"} 3`,
		`relay_ingest_total{operation="ingest",status="failure"} 1`,
		"relay_ingest_duration_ms_bucket",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in exposition, got:\n%s", want, body)
		}
	}
}

func TestMetricName(t *testing.T) {
	cases := map[string]string{
		"relay.retry.expired": "relay_retry_expired",
		"9lives":              "_lives",
		"":                    "relay_unnamed",
		"a-b c":               "a_b_c",
	}
	for input, want := range cases {
		if got := MetricName(input); got != want {
			t.Fatalf("MetricName(%q): expected %q, got %q", input, want, got)
		}
	}
}

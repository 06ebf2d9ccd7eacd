package clusterd

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/clusterd/internal/metrics"
)

func TestParseCollector(t *testing.T) {
	cases := []struct {
		raw  string
		want collector
	}{
		{"otel:4317", collector{protocol: "grpc", endpoint: "otel:4317", insecure: true}},
		{"otel", collector{protocol: "grpc", endpoint: "otel:4317", insecure: true}},
		{"grpcs://otel.example.com", collector{protocol: "grpc", endpoint: "otel.example.com:4317"}},
		{"http://otel", collector{protocol: "http", endpoint: "otel:4318", insecure: true}},
		{"https://otel:443/v1/traces/", collector{protocol: "http", endpoint: "otel:443", path: "/v1/traces"}},
	}
	for _, tc := range cases {
		got, err := parseCollector(tc.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		if diff := cmp.Diff(tc.want, got, cmp.AllowUnexported(collector{})); diff != "" {
			t.Fatalf("parse %q mismatch (-want +got):\n%s", tc.raw, diff)
		}
	}
	for _, raw := range []string{"", "ftp://otel", "http://"} {
		if _, err := parseCollector(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestMetricsEndpointServesCollectors(t *testing.T) {
	ctx := context.Background()
	node, err := Open(ctx, Config{Cluster: "metrics", Instance: "n1", MetricsListen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = node.Close(context.Background()) })
	metrics.Transition("metrics", "n1", "ok")

	addr := node.MetricsAddr()
	if addr == nil {
		t.Fatalf("metrics listener not bound")
	}
	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "clusterd_participant_transitions_total") {
		t.Fatalf("scrape is missing the transition counter:\n%s", body)
	}
}

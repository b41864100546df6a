package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/polisai/polis-relay/pkg/config"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func useManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func TestRecordTunnel(t *testing.T) {
	reader := useManualReader(t)

	RecordTunnel(context.Background(), TunnelMetrics{
		Direction: "inbound",
		Reason:    "local closed",
		Sent:      1024,
		Received:  512,
		Duration:  1500 * time.Millisecond,
	})

	metrics := collectMetrics(t, reader)

	tunnels, ok := metrics["relay.agent.tunnels_total"]
	if !ok {
		t.Fatalf("missing relay.agent.tunnels_total metric")
	}
	tunnelData, ok := tunnels.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for tunnels metric")
	}
	if len(tunnelData.DataPoints) != 1 || tunnelData.DataPoints[0].Value != 1 {
		t.Fatalf("expected one tunnel recorded, got %+v", tunnelData.DataPoints)
	}
	if value, ok := tunnelData.DataPoints[0].Attributes.Value(attribute.Key("tunnel.close_reason")); !ok || value.AsString() != "local closed" {
		t.Fatalf("expected tunnel.close_reason 'local closed', got %v", value)
	}

	bytes, ok := metrics["relay.agent.tunnel_bytes_total"]
	if !ok {
		t.Fatalf("missing relay.agent.tunnel_bytes_total metric")
	}
	byteData := bytes.Data.(metricdata.Sum[int64])
	flows := map[string]int64{}
	for _, dp := range byteData.DataPoints {
		flow, _ := dp.Attributes.Value(attribute.Key("bytes.flow"))
		flows[flow.AsString()] = dp.Value
	}
	if flows["sent"] != 1024 || flows["received"] != 512 {
		t.Fatalf("unexpected byte counts %v", flows)
	}

	hist, ok := metrics["relay.agent.tunnel_duration_seconds"]
	if !ok {
		t.Fatalf("missing relay.agent.tunnel_duration_seconds metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 1.5 {
		t.Fatalf("expected histogram sum 1.5, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordTunnelSkipsEmptyFlows(t *testing.T) {
	reader := useManualReader(t)

	RecordTunnel(context.Background(), TunnelMetrics{Direction: "outbound", Reason: "dial failed"})

	metrics := collectMetrics(t, reader)
	if _, ok := metrics["relay.agent.tunnel_bytes_total"]; ok {
		if data := metrics["relay.agent.tunnel_bytes_total"].Data.(metricdata.Sum[int64]); len(data.DataPoints) != 0 {
			t.Fatalf("expected no byte datapoints, got %d", len(data.DataPoints))
		}
	}
}

func TestRecordReconnect(t *testing.T) {
	reader := useManualReader(t)

	RecordReconnect(context.Background(), "restart")
	RecordReconnect(context.Background(), "restart")
	RecordReconnect(context.Background(), "error")

	metrics := collectMetrics(t, reader)
	reconnects, ok := metrics["relay.agent.reconnects_total"]
	if !ok {
		t.Fatalf("missing relay.agent.reconnects_total metric")
	}

	counts := map[string]int64{}
	for _, dp := range reconnects.Data.(metricdata.Sum[int64]).DataPoints {
		cause, _ := dp.Attributes.Value(attribute.Key("reconnect.cause"))
		counts[cause.AsString()] = dp.Value
	}
	if counts["restart"] != 2 || counts["error"] != 1 {
		t.Fatalf("unexpected reconnect counts %v", counts)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.TelemetryConfig{OTLPEndpoint: "collector:4317", Insecure: true}, "broker")
	if cfg.ServiceName != "polis-broker" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Role != "broker" || cfg.Endpoint != "collector:4317" || !cfg.Insecure {
		t.Fatalf("unexpected config %+v", cfg)
	}

	cfg = FromConfig(config.TelemetryConfig{ServiceName: "edge-relay"}, "agent")
	if cfg.ServiceName != "edge-relay" {
		t.Fatalf("expected explicit service name, got %q", cfg.ServiceName)
	}
}

func TestSetupProviderWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "polis-agent"})
	if err != nil {
		t.Fatalf("setup provider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

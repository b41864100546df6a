package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce        sync.Once
	metricsInitErr     error
	tunnelCounter      metric.Int64Counter
	tunnelBytesCounter metric.Int64Counter
	tunnelDuration     metric.Float64Histogram
	reconnectCounter   metric.Int64Counter
)

// TunnelMetrics describes one finished logical connection on an agent.
type TunnelMetrics struct {
	// Direction is "inbound" for connections served locally and "outbound"
	// for connections forwarded to another agent.
	Direction string
	Reason    string
	Sent      int64
	Received  int64
	Duration  time.Duration
}

// RecordTunnel emits counters and histograms for a closed tunnel.
func RecordTunnel(ctx context.Context, m TunnelMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("tunnel.direction", m.Direction),
		attribute.String("tunnel.close_reason", m.Reason),
	)
	tunnelCounter.Add(ctx, 1, attrs)

	if m.Sent > 0 {
		tunnelBytesCounter.Add(ctx, m.Sent, metric.WithAttributes(
			attribute.String("tunnel.direction", m.Direction),
			attribute.String("bytes.flow", "sent"),
		))
	}
	if m.Received > 0 {
		tunnelBytesCounter.Add(ctx, m.Received, metric.WithAttributes(
			attribute.String("tunnel.direction", m.Direction),
			attribute.String("bytes.flow", "received"),
		))
	}
	if m.Duration > 0 {
		tunnelDuration.Record(ctx, m.Duration.Seconds(), attrs)
	}
}

// RecordReconnect counts an agent reconnect attempt by cause.
func RecordReconnect(ctx context.Context, cause string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	reconnectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reconnect.cause", cause)))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("relay.agent")

		tunnelCounter, metricsInitErr = meter.Int64Counter(
			"relay.agent.tunnels_total",
			metric.WithDescription("Logical connections closed, by direction and reason"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		tunnelBytesCounter, metricsInitErr = meter.Int64Counter(
			"relay.agent.tunnel_bytes_total",
			metric.WithDescription("Bytes relayed through logical connections"),
			metric.WithUnit("By"),
		)
		if metricsInitErr != nil {
			return
		}

		tunnelDuration, metricsInitErr = meter.Float64Histogram(
			"relay.agent.tunnel_duration_seconds",
			metric.WithDescription("Lifetime of logical connections"),
			metric.WithUnit("s"),
		)
		if metricsInitErr != nil {
			return
		}

		reconnectCounter, metricsInitErr = meter.Int64Counter(
			"relay.agent.reconnects_total",
			metric.WithDescription("Broker reconnect attempts by cause"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

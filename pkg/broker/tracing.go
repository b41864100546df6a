package broker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	polistls "github.com/polisai/polis-relay/internal/tls"
)

const tracerName = "github.com/polisai/polis-relay/pkg/broker"

// tracer resolves through the global provider so SetupProvider can run after
// package initialisation.
func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func startSessionSpan(ctx context.Context, remoteAddr string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "relay.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("net.peer.addr", remoteAddr)),
	)
}

func startRegisterSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer().Start(ctx, "relay.register")
}

// recordAgent annotates span with the admitted agent. The certificate itself
// is never recorded.
func recordAgent(span trace.Span, identity string, claim *polistls.AgentClaim) {
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.String("relay.agent.identity", identity))
	if claim == nil {
		return
	}
	span.SetAttributes(
		attribute.String("relay.agent.subject", claim.Subject),
		attribute.String("relay.agent.fingerprint", claim.Fingerprint),
	)
	if claim.SPIFFEID != "" {
		span.SetAttributes(attribute.String("relay.agent.spiffe_id", claim.SPIFFEID))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

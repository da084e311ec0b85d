package reconcile

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Rejection reasons, recorded as the "reason" attribute.
const (
	reasonCovered    = "covered"    // fallback update for an extension under an active channel
	reasonStale      = "stale"      // older than the cached observation
	reasonPrecedence = "precedence" // lost a near-simultaneous race to a higher source
)

type metrics struct {
	accepted metric.Int64Counter
	rejected metric.Int64Counter
	mounts   metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter) metrics {
	if meter == nil {
		meter = otel.Meter("github.com/voxdesk/extwatch/internal/reconcile")
	}
	accepted, _ := meter.Int64Counter("extwatch.updates.accepted",
		metric.WithDescription("Status updates written to the cache"))
	rejected, _ := meter.Int64Counter("extwatch.updates.rejected",
		metric.WithDescription("Status updates dropped by precedence rules"))
	mounts, _ := meter.Int64UpDownCounter("extwatch.mounts",
		metric.WithDescription("Mounted UI contexts"))
	return metrics{accepted: accepted, rejected: rejected, mounts: mounts}
}

func (m metrics) accept(source string) {
	m.accepted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m metrics) reject(source, reason string) {
	m.rejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("reason", reason),
	))
}

func (m metrics) mounted(delta int64) {
	m.mounts.Add(context.Background(), delta)
}

// Package metrics wires the join operator's lookup counters into an
// OpenTelemetry metric provider: one Sink instance constructed once per
// process and shared by every JoinHashMap handle, mirroring
// internal/apply's single analyzer instance shared across statements.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Sink records join-hash-map lookup counters, labelled by actor id and
// join side ("left"/"right").
type Sink struct {
	provider    *sdkmetric.MeterProvider
	lookupTotal metric.Int64Counter
	lookupMiss  metric.Int64Counter
}

// New constructs a Sink backed by an in-process SDK meter provider. Callers
// that already run an otel pipeline (exporters, readers) should use
// NewWithProvider instead so metrics are exported through it.
func New() (*Sink, error) {
	return NewWithProvider(sdkmetric.NewMeterProvider())
}

// NewWithProvider constructs a Sink against an existing MeterProvider.
func NewWithProvider(provider *sdkmetric.MeterProvider) (*Sink, error) {
	meter := provider.Meter("streamjoin/hashjoin")

	lookupTotal, err := meter.Int64Counter(
		"join_total_lookup_count",
		metric.WithDescription("take_state calls against a JoinHashMap"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create join_total_lookup_count: %w", err)
	}

	lookupMiss, err := meter.Int64Counter(
		"join_lookup_miss_count",
		metric.WithDescription("take_state calls that missed the bounded cache and fell through to a state-table scan"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create join_lookup_miss_count: %w", err)
	}

	return &Sink{provider: provider, lookupTotal: lookupTotal, lookupMiss: lookupMiss}, nil
}

// RecordLookups adds deltaMiss/deltaTotal lookups accrued by actorID's side
// since the last flush to the counters, labelled by actor id and side.
func (s *Sink) RecordLookups(actorID, side string, deltaMiss, deltaTotal uint64) {
	if s == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("actor_id", actorID),
		attribute.String("side", side),
	)
	ctx := context.Background()
	if deltaTotal > 0 {
		s.lookupTotal.Add(ctx, int64(deltaTotal), attrs)
	}
	if deltaMiss > 0 {
		s.lookupMiss.Add(ctx, int64(deltaMiss), attrs)
	}
}

// Shutdown flushes and releases the underlying meter provider's resources.
func (s *Sink) Shutdown(ctx context.Context) error {
	if s == nil || s.provider == nil {
		return nil
	}
	return s.provider.Shutdown(ctx)
}

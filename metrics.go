package cophylike

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "cophylike.engine"

var tracer trace.Tracer = otel.Tracer(instrumentationName)

// engineMetrics holds the instruments of one engine. Instruments come from
// the meter provider given in Options, or the global one.
type engineMetrics struct {
	evaluations   metric.Int64Counter
	cacheHits     metric.Int64Counter
	operations    metric.Int64Counter
	matrixUpdates metric.Int64Counter
	restores      metric.Int64Counter
	accepts       metric.Int64Counter
	rescales      metric.Int64Counter
	passOps       metric.Int64Histogram
}

func newEngineMetrics(mp metric.MeterProvider) (*engineMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := new(engineMetrics)
	var err error
	if m.evaluations, err = meter.Int64Counter("likelihood_evaluations_total",
		metric.WithDescription("Evaluation passes that ran the scheduler")); err != nil {
		return nil, err
	}
	if m.cacheHits, err = meter.Int64Counter("likelihood_cache_hits_total",
		metric.WithDescription("Evaluations answered from the cached log-likelihood")); err != nil {
		return nil, err
	}
	if m.operations, err = meter.Int64Counter("likelihood_partial_operations_total",
		metric.WithDescription("Partial-likelihood operations sent to the compute engine")); err != nil {
		return nil, err
	}
	if m.matrixUpdates, err = meter.Int64Counter("likelihood_matrix_updates_total",
		metric.WithDescription("Transition matrix updates sent to the compute engine")); err != nil {
		return nil, err
	}
	if m.restores, err = meter.Int64Counter("likelihood_restores_total",
		metric.WithDescription("Rejected proposals rolled back")); err != nil {
		return nil, err
	}
	if m.accepts, err = meter.Int64Counter("likelihood_accepts_total",
		metric.WithDescription("Accepted proposals")); err != nil {
		return nil, err
	}
	if m.rescales, err = meter.Int64Counter("likelihood_rescale_events_total",
		metric.WithDescription("Passes retried with rescaling after a non-finite likelihood")); err != nil {
		return nil, err
	}
	if m.passOps, err = meter.Int64Histogram("likelihood_pass_operations",
		metric.WithDescription("Partial operations emitted per pass")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *engineMetrics) recordWork(ctx context.Context, updates []MatrixUpdate, ops []PartialOperation) {
	m.operations.Add(ctx, int64(len(ops)))
	m.matrixUpdates.Add(ctx, int64(len(updates)))
}

//recordPass counts one evaluation; ops covers every operation sent in it, a rescaling retry included
func (m *engineMetrics) recordPass(ctx context.Context, ops int) {
	m.evaluations.Add(ctx, 1)
	m.passOps.Record(ctx, int64(ops))
}

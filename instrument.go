package userstate

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/goliatone/go-userstate"

// metrics holds the Prometheus collectors of one client. A nil *metrics is a
// valid no-op.
type metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	history    *prometheus.CounterVec
	scanned    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "userstate",
			Name:      "operations_total",
			Help:      "Client operations by name, scope and outcome.",
		}, []string{"op", "scope", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "userstate",
			Name:      "operation_duration_seconds",
			Help:      "Latency of client operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		history: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "userstate",
			Name:      "history_entries_total",
			Help:      "History entries appended by scope.",
		}, []string{"scope"}),
		scanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "userstate",
			Name:      "scanned_records_total",
			Help:      "Records yielded by bulk scans.",
		}, []string{"op", "scope"}),
	}
	var err error
	if m.operations, err = register(reg, m.operations); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.history, err = register(reg, m.history); err != nil {
		return nil, err
	}
	if m.scanned, err = register(reg, m.scanned); err != nil {
		return nil, err
	}
	return m, nil
}

// register reuses collectors already registered by another client sharing
// the registerer.
func register[C prometheus.Collector](reg prometheus.Registerer, collector C) (C, error) {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return collector, nil
}

func (m *metrics) observe(op string, scope Scope, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, string(scope), outcome(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metrics) historyAppended(scope Scope, n int) {
	if m == nil || n == 0 {
		return
	}
	m.history.WithLabelValues(string(scope)).Add(float64(n))
}

func (m *metrics) recordsScanned(op string, scope Scope, n int) {
	if m == nil || n == 0 {
		return
	}
	m.scanned.WithLabelValues(op, string(scope)).Add(float64(n))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotSupported):
		return "not_supported"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	default:
		return "error"
	}
}

func newTracer(provider trace.TracerProvider) trace.Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return provider.Tracer(instrumentationName)
}

// operation spans one client call. end records the span status and metrics.
type operation struct {
	name    string
	scope   Scope
	start   time.Time
	span    trace.Span
	metrics *metrics
}

func (c *Client) begin(ctx context.Context, name string, user UserID, scope Scope, keys int) (context.Context, *operation) {
	attrs := []attribute.KeyValue{
		attribute.String("userstate.scope", string(scope)),
		attribute.Int("userstate.keys", keys),
	}
	if user != "" {
		attrs = append(attrs, attribute.String("userstate.user", string(user)))
	}
	ctx, span := c.tracer.Start(ctx, "userstate."+name, trace.WithAttributes(attrs...))
	return ctx, &operation{
		name:    name,
		scope:   scope,
		start:   time.Now(),
		span:    span,
		metrics: c.metrics,
	}
}

func (op *operation) end(err error) {
	if err != nil && !errors.Is(err, ErrNotFound) {
		op.span.RecordError(err)
		op.span.SetStatus(codes.Error, err.Error())
	}
	op.span.End()
	op.metrics.observe(op.name, op.scope, op.start, err)
}

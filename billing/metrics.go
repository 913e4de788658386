package billing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/warp/dues-engine/billing"

// instruments are the engine's otel counters. NewEngine binds them to the
// global MeterProvider, which config.SetupTelemetry installs.
type instruments struct {
	allocated   metric.Float64Counter
	frozen      metric.Int64Counter
	suspended   metric.Int64Counter
	rowsClosed  metric.Int64Counter
	rowsOpened  metric.Int64Counter
	itemFailure metric.Int64Counter
}

func newInstruments(meter metric.Meter) *instruments {
	fallback := noop.NewMeterProvider().Meter(instrumentationName)
	in := &instruments{}
	var err error

	if in.allocated, err = meter.Float64Counter("dues.allocated.amount",
		metric.WithDescription("Money applied to monthly balances")); err != nil {
		in.allocated, _ = fallback.Float64Counter("dues.allocated.amount")
	}
	if in.frozen, err = meter.Int64Counter("dues.members.frozen"); err != nil {
		in.frozen, _ = fallback.Int64Counter("dues.members.frozen")
	}
	if in.suspended, err = meter.Int64Counter("dues.members.suspended"); err != nil {
		in.suspended, _ = fallback.Int64Counter("dues.members.suspended")
	}
	if in.rowsClosed, err = meter.Int64Counter("dues.balances.closed"); err != nil {
		in.rowsClosed, _ = fallback.Int64Counter("dues.balances.closed")
	}
	if in.rowsOpened, err = meter.Int64Counter("dues.balances.opened"); err != nil {
		in.rowsOpened, _ = fallback.Int64Counter("dues.balances.opened")
	}
	if in.itemFailure, err = meter.Int64Counter("dues.item.failures",
		metric.WithDescription("Per-item failures skipped by batch operations")); err != nil {
		in.itemFailure, _ = fallback.Int64Counter("dues.item.failures")
	}
	return in
}

// UseMeterProvider records the engine's counters through mp instead of the
// global provider.
func (e *Engine) UseMeterProvider(mp metric.MeterProvider) {
	e.meters = newInstruments(mp.Meter(instrumentationName))
}

func (e *Engine) metrics() *instruments {
	if e.meters == nil {
		e.meters = newInstruments(otel.Meter(instrumentationName))
	}
	return e.meters
}

func (e *Engine) countFailures(ctx context.Context, op string, failures []ItemError) {
	if len(failures) == 0 {
		return
	}
	e.metrics().itemFailure.Add(ctx, int64(len(failures)),
		metric.WithAttributes(attribute.String("op", op)))
}

package tracing

import (
	"context"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/healthconnect/config"
	"example.com/healthconnect/internal/events"
)

const shutdownTimeout = 10 * time.Second

// Tracer opens one trace per projected event
type Tracer interface {
	// StartProjection opens the trace of evt and returns a context that
	// carries it
	StartProjection(ctx context.Context, service, topic string, evt events.Event) (context.Context, *Projection)
	Close()
}

// Projection is the trace of one event. The zero value records nothing.
type Projection struct {
	txn *newrelic.Transaction
}

// Segment times a named step; call the returned func when it ends
func (p *Projection) Segment(name string) func() {
	if p == nil || p.txn == nil {
		return func() {}
	}
	seg := p.txn.StartSegment(name)
	return seg.End
}

// Fail attaches err to the trace
func (p *Projection) Fail(err error) {
	if p == nil || p.txn == nil || err == nil {
		return
	}
	p.txn.NoticeError(err)
}

// End closes the trace
func (p *Projection) End() {
	if p == nil || p.txn == nil {
		return
	}
	p.txn.End()
}

// NewRelicTracer reports projection traces to New Relic
type NewRelicTracer struct {
	app *newrelic.Application
}

// NewTracer creates a New Relic tracer. Without a license key tracing is
// disabled.
func NewTracer(cfg config.TracingConfig) (Tracer, error) {
	if cfg.LicenseKey == "" {
		log.Warn().Msg("New Relic license key not provided, tracing will be disabled")
		return Disabled(), nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(cfg.DistribTracing),
		newrelic.ConfigAppLogForwardingEnabled(cfg.LogEnabled),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize New Relic")
	}
	return &NewRelicTracer{app: app}, nil
}

// Disabled returns a tracer that records nothing
func Disabled() Tracer {
	return &NewRelicTracer{}
}

func (t *NewRelicTracer) StartProjection(ctx context.Context, service, topic string, evt events.Event) (context.Context, *Projection) {
	if t.app == nil {
		return ctx, &Projection{}
	}

	txn := t.app.StartTransaction(topic + "/" + evt.EventType())
	txn.AddAttribute("service", service)
	txn.AddAttribute("topic", topic)
	if id := evt.AggregateID(); id != "" {
		txn.AddAttribute("aggregate_id", id)
	}
	return newrelic.NewContext(ctx, txn), &Projection{txn: txn}
}

// Close flushes pending traces
func (t *NewRelicTracer) Close() {
	if t.app == nil {
		return
	}
	t.app.Shutdown(shutdownTimeout)
	log.Info().Msg("New Relic tracer shutdown")
}

// FromContext returns the trace carried by ctx, if any
func FromContext(ctx context.Context) *Projection {
	return &Projection{txn: newrelic.FromContext(ctx)}
}

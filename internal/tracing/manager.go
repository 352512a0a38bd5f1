package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/podtrace/eintrprobe/internal/config"
	"github.com/podtrace/eintrprobe/internal/logger"
	"github.com/podtrace/eintrprobe/internal/prober"
	"github.com/podtrace/eintrprobe/internal/signals"
	"github.com/podtrace/eintrprobe/internal/tracing/exporter"
)

// Manager records one span per probe run. When disabled every call is a
// no-op.
type Manager struct {
	enabled bool
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
}

var newSpanExporter = exporter.NewOTLPExporter

func NewManager(enabled bool, endpoint string, sampleRate float64) (*Manager, error) {
	if !enabled {
		return &Manager{tracer: noop.NewTracerProvider().Tracer(exporter.ServiceName)}, nil
	}

	exp, err := newSpanExporter(endpoint)
	if err != nil {
		return nil, err
	}
	return newManagerWithExporter(exp, sampleRate)
}

func newManagerWithExporter(exp sdktrace.SpanExporter, sampleRate float64) (*Manager, error) {
	tp, err := exporter.NewTracerProvider(exp, sampleRate, config.GetVersion())
	if err != nil {
		return nil, err
	}
	return &Manager{
		enabled: true,
		tp:      tp,
		tracer:  tp.Tracer(exporter.ServiceName),
	}, nil
}

func (m *Manager) Enabled() bool {
	return m.enabled
}

// RunAttributes describe the configuration of a run.
type RunAttributes struct {
	RunID        string
	Source       string
	Policy       string
	Signal       string
	Iterations   uint64
	PID          int
	ProberThread int
}

// RunSpan is the span covering one run.
type RunSpan struct {
	span trace.Span
}

func (m *Manager) StartRun(ctx context.Context, attrs RunAttributes) (context.Context, *RunSpan) {
	ctx, span := m.tracer.Start(ctx, "eintrprobe.run",
		trace.WithAttributes(
			attribute.String("eintrprobe.run_id", attrs.RunID),
			attribute.String("eintrprobe.source", attrs.Source),
			attribute.String("eintrprobe.policy", attrs.Policy),
			attribute.String("eintrprobe.signal", attrs.Signal),
			attribute.Int64("eintrprobe.iterations", int64(attrs.Iterations)),
			attribute.Int("process.pid", attrs.PID),
			attribute.Int("thread.id", attrs.ProberThread),
		),
	)
	return ctx, &RunSpan{span: span}
}

func (s *RunSpan) Event(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetupFailed ends the span for a run that never started probing.
func (s *RunSpan) SetupFailed(stage string, err error) {
	s.span.SetAttributes(attribute.String("eintrprobe.setup_stage", stage))
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, fmt.Sprintf("setup failed at %s", stage))
	s.span.End()
}

// End records the outcome and totals and ends the span. A detected
// interruption is the result being looked for and leaves the status unset.
// Kernel delivery figures are only attached when the audit ran.
func (s *RunSpan) End(out prober.Outcome, d signals.Deliveries) {
	s.span.SetAttributes(
		attribute.String("eintrprobe.outcome", out.Kind.String()),
		attribute.Int64("eintrprobe.iteration", int64(out.Iteration)),
		attribute.String("eintrprobe.op", string(out.Op)),
		attribute.String("eintrprobe.path", out.Path),
		attribute.Int64("eintrprobe.deliveries_observed", int64(d.Observed)),
		attribute.Int64("eintrprobe.noise_signals", int64(d.Noise)),
		attribute.Int64("eintrprobe.injector_sends", int64(d.Sends)),
		attribute.Bool("eintrprobe.audited", d.Audited),
	)
	if d.Audited {
		s.span.SetAttributes(
			attribute.Int64("eintrprobe.signals_delivered", int64(d.KernelProber+d.KernelOther)),
			attribute.Int64("eintrprobe.signals_other_thread", int64(d.KernelOther)),
		)
	}
	if out.Kind == prober.FatalError && out.Err != nil {
		s.span.RecordError(out.Err)
		s.span.SetStatus(codes.Error, out.Err.Error())
	}
	s.span.End()
}

func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, config.DefaultTracingShutdownTimeout)
	defer cancel()
	if err := m.tp.Shutdown(ctx); err != nil {
		logger.Warn("Failed to flush run span", zap.Error(err))
		return err
	}
	return nil
}

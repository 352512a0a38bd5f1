package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sys/unix"

	"github.com/podtrace/eintrprobe/internal/prober"
	"github.com/podtrace/eintrprobe/internal/signals"
)

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNewManager_Disabled(t *testing.T) {
	m, err := NewManager(false, "", 1.0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.Enabled() {
		t.Error("manager should be disabled")
	}
	_, span := m.StartRun(context.Background(), RunAttributes{RunID: "x"})
	span.Event("started")
	span.End(prober.Outcome{Kind: prober.Completed}, signals.Deliveries{})
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNewManager_ExporterError(t *testing.T) {
	orig := newSpanExporter
	defer func() { newSpanExporter = orig }()
	newSpanExporter = func(string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("no exporter")
	}

	if _, err := NewManager(true, "localhost:4318", 1.0); err == nil {
		t.Error("expected exporter error")
	}
}

func TestRunSpan_Outcomes(t *testing.T) {
	fatalErr := prober.NewIOError(2, prober.OpCreate, "/tmp/x", unix.EACCES)
	tests := []struct {
		name       string
		out        prober.Outcome
		wantStatus codes.Code
		// wantError is the message of the exception event, empty for none.
		wantError string
	}{
		{"completed", prober.Outcome{Kind: prober.Completed, Iteration: 1000}, codes.Unset, ""},
		{"interrupt", prober.Outcome{
			Kind: prober.InterruptDetected, Iteration: 7, Op: prober.OpStatSelf,
			Snapshot: signals.Snapshot{Signals: 3},
		}, codes.Unset, ""},
		{"fatal", prober.Outcome{
			Kind: prober.FatalError, Iteration: 2, Op: prober.OpCreate,
			Err: fatalErr,
		}, codes.Error, fatalErr.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := tracetest.NewInMemoryExporter()
			m, err := newManagerWithExporter(mem, 1.0)
			if err != nil {
				t.Fatalf("newManagerWithExporter: %v", err)
			}

			_, span := m.StartRun(context.Background(), RunAttributes{
				RunID: "run-1", Source: "injector", Policy: "interruptible", Signal: "SIGALRM", Iterations: 1000,
			})
			span.Event("source started")
			span.End(tt.out, signals.Deliveries{Sends: 42, Observed: 3})
			if err := m.tp.ForceFlush(context.Background()); err != nil {
				t.Fatalf("ForceFlush: %v", err)
			}

			spans := mem.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			got := spans[0]
			if got.Name != "eintrprobe.run" {
				t.Errorf("span name = %q", got.Name)
			}
			if got.Status.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", got.Status.Code, tt.wantStatus)
			}
			if v, ok := attrValue(got.Attributes, "eintrprobe.outcome"); !ok || v.AsString() != tt.out.Kind.String() {
				t.Errorf("outcome attribute = %v", v)
			}
			if v, ok := attrValue(got.Attributes, "eintrprobe.injector_sends"); !ok || v.AsInt64() != 42 {
				t.Errorf("sends attribute = %v", v)
			}
			if v, ok := attrValue(got.Attributes, "eintrprobe.deliveries_observed"); !ok || v.AsInt64() != 3 {
				t.Errorf("deliveries_observed attribute = %v", v)
			}
			if _, ok := attrValue(got.Attributes, "eintrprobe.signals_delivered"); ok {
				t.Error("kernel delivery count must not be attached without the audit")
			}

			wantEvents := 1
			if tt.wantError != "" {
				wantEvents = 2
			}
			if len(got.Events) != wantEvents || got.Events[0].Name != "source started" {
				t.Fatalf("events = %+v", got.Events)
			}
			if tt.wantError != "" {
				ev := got.Events[1]
				if ev.Name != "exception" {
					t.Errorf("second event = %q, want exception", ev.Name)
				}
				if v, ok := attrValue(ev.Attributes, "exception.message"); !ok || v.AsString() != tt.wantError {
					t.Errorf("exception.message = %v, want %q", v, tt.wantError)
				}
			}
			_ = m.Shutdown(context.Background())
		})
	}
}

func TestRunSpan_AuditedTotals(t *testing.T) {
	mem := tracetest.NewInMemoryExporter()
	m, err := newManagerWithExporter(mem, 1.0)
	if err != nil {
		t.Fatalf("newManagerWithExporter: %v", err)
	}
	_, span := m.StartRun(context.Background(), RunAttributes{RunID: "run-3"})
	span.End(prober.Outcome{Kind: prober.Completed, Iteration: 10}, signals.Deliveries{
		Sends: 500, Observed: 4, Audited: true, KernelProber: 120, KernelOther: 5,
	})
	_ = m.tp.ForceFlush(context.Background())

	spans := mem.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	attrs := spans[0].Attributes
	for key, want := range map[string]int64{
		"eintrprobe.signals_delivered":    125,
		"eintrprobe.signals_other_thread": 5,
		"eintrprobe.deliveries_observed":  4,
	} {
		if v, ok := attrValue(attrs, key); !ok || v.AsInt64() != want {
			t.Errorf("%s = %v, want %d", key, v, want)
		}
	}
	_ = m.Shutdown(context.Background())
}

func TestRunSpan_SetupFailed(t *testing.T) {
	mem := tracetest.NewInMemoryExporter()
	m, err := newManagerWithExporter(mem, 1.0)
	if err != nil {
		t.Fatalf("newManagerWithExporter: %v", err)
	}
	_, span := m.StartRun(context.Background(), RunAttributes{RunID: "run-2"})
	span.SetupFailed("handler", errors.New("boom"))
	_ = m.tp.ForceFlush(context.Background())

	spans := mem.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status.Code)
	}
	if v, ok := attrValue(spans[0].Attributes, "eintrprobe.setup_stage"); !ok || v.AsString() != "handler" {
		t.Errorf("setup_stage = %v", v)
	}
}

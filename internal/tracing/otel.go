// Package tracing exports job executions as OpenTelemetry spans.
package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

const instrumentationName = "github.com/ChuLiYu/beaver-jobs"

// OTelConfig OpenTelemetry settings
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer sets up an OTLP/HTTP exporter and installs the provider globally.
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// SpanListener records one "job.execute" span per job round. Blocking
// cycles become span events. A span covers the work only: it ends where the
// round returned, also when it is closed later by DONE or the next round.
type SpanListener struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[*jobmanager.Future]*roundSpan
}

type roundSpan struct {
	span     trace.Span
	returned time.Time // zero while the work runs
}

// end closes the span at the round's return, or at fallback.
func (r *roundSpan) end(fallback time.Time) {
	at := fallback
	if !r.returned.IsZero() {
		at = r.returned
	}
	r.span.End(trace.WithTimestamp(at))
}

// NewSpanListener creates a listener using tp, or the global provider when
// tp is nil.
func NewSpanListener(tp trace.TracerProvider) *SpanListener {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &SpanListener{
		tracer: tp.Tracer(instrumentationName),
		spans:  make(map[*jobmanager.Future]*roundSpan),
	}
}

// OnEvent implements jobmanager.JobListener.
func (l *SpanListener) OnEvent(event jobmanager.JobEvent) {
	switch event.Type {
	case types.EventAboutToRun:
		l.startRound(event)

	case types.EventBlocked:
		l.addEvent(event, "job.blocked")
	case types.EventUnblocked:
		l.addEvent(event, "job.unblocked")
	case types.EventResumed:
		l.addEvent(event, "job.resumed")

	case types.EventDone:
		rs := l.take(event.Future)
		if rs == nil {
			return
		}
		state := event.Future.State()
		rs.span.SetAttributes(attribute.String("job.state", string(state)))
		if event.Err != nil && state == types.StateDone {
			rs.span.RecordError(event.Err)
			rs.span.SetStatus(codes.Error, event.Err.Error())
		} else {
			rs.span.SetStatus(codes.Ok, "")
		}
		rs.end(event.Time)

	case types.EventShutdown:
		l.mu.Lock()
		spans := l.spans
		l.spans = make(map[*jobmanager.Future]*roundSpan)
		l.mu.Unlock()
		for _, rs := range spans {
			rs.span.AddEvent("manager.shutdown", trace.WithTimestamp(event.Time))
			rs.end(event.Time)
		}
	}
}

// OnRoundEnd implements jobmanager.RoundListener. The span stays open so DONE
// can still attach the outcome.
func (l *SpanListener) OnRoundEnd(f *jobmanager.Future, at time.Time, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rs := l.spans[f]; rs != nil {
		rs.returned = at
	}
}

// startRound ends the span of the previous periodic round, if any, and
// starts a new one.
func (l *SpanListener) startRound(event jobmanager.JobEvent) {
	f := event.Future
	if prev := l.take(f); prev != nil {
		prev.end(event.Time)
	}

	attrs := []attribute.KeyValue{
		attribute.String("job.id", f.ID()),
		attribute.String("job.name", f.Name()),
		attribute.Int("job.round", f.Rounds()),
	}
	if m := f.Mutex(); m != nil {
		attrs = append(attrs, attribute.String("job.mutex", fmt.Sprint(m)))
	}
	if session := f.RunContext().SessionID(); session != "" {
		attrs = append(attrs, attribute.String("job.session", session))
	}

	_, span := l.tracer.Start(context.Background(), "job.execute",
		trace.WithTimestamp(event.Time),
		trace.WithAttributes(attrs...),
	)
	l.mu.Lock()
	l.spans[f] = &roundSpan{span: span}
	l.mu.Unlock()
}

func (l *SpanListener) addEvent(event jobmanager.JobEvent, name string) {
	l.mu.Lock()
	rs := l.spans[event.Future]
	l.mu.Unlock()
	if rs == nil {
		return
	}
	rs.span.AddEvent(name,
		trace.WithTimestamp(event.Time),
		trace.WithAttributes(attribute.String("blocking_condition", event.Hint)),
	)
}

func (l *SpanListener) take(f *jobmanager.Future) *roundSpan {
	l.mu.Lock()
	defer l.mu.Unlock()
	rs := l.spans[f]
	delete(l.spans, f)
	return rs
}

// Open returns the number of spans not yet ended.
func (l *SpanListener) Open() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.spans)
}

package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/internal/runcontext"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

func newTraced(t *testing.T) (*jobmanager.JobManager, *SpanListener, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	listener := NewSpanListener(tp)
	m := jobmanager.New(jobmanager.WithCoreWorkers(2), jobmanager.WithListener(listener, nil))
	t.Cleanup(func() {
		m.Shutdown()
		m.AwaitTermination(5 * time.Second)
	})
	return m, listener, recorder
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSpanPerExecution(t *testing.T) {
	m, listener, recorder := newTraced(t)

	rc := runcontext.New().WithSession(runcontext.StringSession("s-1"))
	f, err := m.Schedule(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	}, jobmanager.NewInput().WithName("import").WithMutex("tenant-1").WithRunContext(rc))
	require.NoError(t, err)
	require.True(t, f.AwaitDone(5*time.Second))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "job.execute", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)

	name, ok := attrValue(span.Attributes(), "job.name")
	require.True(t, ok)
	assert.Equal(t, "import", name.AsString())
	mutex, ok := attrValue(span.Attributes(), "job.mutex")
	require.True(t, ok)
	assert.Equal(t, "tenant-1", mutex.AsString())
	session, ok := attrValue(span.Attributes(), "job.session")
	require.True(t, ok)
	assert.Equal(t, "s-1", session.AsString())

	assert.Equal(t, 0, listener.Open())
}

func TestSpanRecordsError(t *testing.T) {
	m, _, recorder := newTraced(t)

	f, err := m.Schedule(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}, jobmanager.NewInput().WithExceptionLogging(false))
	require.NoError(t, err)
	require.True(t, f.AwaitDone(5*time.Second))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
}

func TestSpanBlockingEvents(t *testing.T) {
	m, _, recorder := newTraced(t)
	bc := m.NewBlockingCondition("gate", true)

	f, err := m.Schedule(context.Background(), func(ctx context.Context) (any, error) {
		return nil, bc.WaitFor(ctx)
	}, jobmanager.NewInput().WithMutex("m"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.State() == types.StateBlocked }, 5*time.Second, 5*time.Millisecond)

	bc.SetBlocking(false)
	require.True(t, f.AwaitDone(5*time.Second))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	var names []string
	for _, ev := range spans[0].Events() {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"job.blocked", "job.unblocked", "job.resumed"}, names)
}

func TestSpanPerPeriodicRound(t *testing.T) {
	m, _, recorder := newTraced(t)

	rounds := 0
	f, err := m.ScheduleAtFixedRate(context.Background(), func(ctx context.Context) (any, error) {
		rounds++
		if rounds == 3 {
			return nil, errors.New("stop")
		}
		return nil, nil
	}, 0, 5*time.Millisecond, jobmanager.NewInput().WithExceptionLogging(false))
	require.NoError(t, err)
	require.True(t, f.AwaitDone(5*time.Second))

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	for i, span := range spans {
		round, ok := attrValue(span.Attributes(), "job.round")
		require.True(t, ok)
		assert.EqualValues(t, i+1, round.AsInt64())
	}
	assert.Equal(t, codes.Error, spans[2].Status().Code)
}

func TestPeriodicSpanExcludesIdleTime(t *testing.T) {
	m, _, recorder := newTraced(t)

	const period = 100 * time.Millisecond
	rounds := 0
	f, err := m.ScheduleWithFixedDelay(context.Background(), func(ctx context.Context) (any, error) {
		rounds++
		time.Sleep(5 * time.Millisecond)
		if rounds == 3 {
			jobmanager.CurrentFuture(ctx).Cancel(false)
		}
		return nil, nil
	}, 0, period, jobmanager.NewInput())
	require.NoError(t, err)
	require.True(t, f.AwaitDone(5*time.Second))

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	for i, span := range spans {
		d := span.EndTime().Sub(span.StartTime())
		assert.GreaterOrEqual(t, d, 5*time.Millisecond, "round %d", i+1)
		assert.Less(t, d, period/2, "round %d span covers the wait before the next round", i+1)
	}
	assert.Equal(t, codes.Ok, spans[2].Status().Code)
}

func TestShutdownEndsOpenSpans(t *testing.T) {
	m, listener, recorder := newTraced(t)

	started := make(chan struct{})
	_, err := m.Schedule(context.Background(), func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, jobmanager.NewInput())
	require.NoError(t, err)
	<-started

	m.Shutdown()
	require.True(t, m.AwaitTermination(5*time.Second))

	assert.Equal(t, 0, listener.Open())
	assert.Len(t, recorder.Ended(), 1)
}

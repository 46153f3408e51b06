package jobmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

const testTimeout = 5 * time.Second

// newTestManager creates a manager that is shut down when the test ends
func newTestManager(t *testing.T, opts ...Option) *JobManager {
	t.Helper()
	m := New(append([]Option{WithCoreWorkers(4)}, opts...)...)
	t.Cleanup(func() {
		m.Shutdown()
		m.AwaitTermination(testTimeout)
	})
	return m
}

// waitForState polls until f reaches state
func waitForState(t *testing.T, f *Future, state types.JobState) {
	t.Helper()
	require.Eventually(t, func() bool { return f.State() == state },
		testTimeout, 5*time.Millisecond, "%s never reached %s (now %s)", f, state, f.State())
}

// awaitResult waits for f and returns its outcome
func awaitResult(t *testing.T, f *Future) (any, error) {
	t.Helper()
	require.True(t, f.AwaitDone(testTimeout), "%s did not finish", f)
	return f.AwaitDoneAndGet()
}

// eventRecorder collects every delivered event
type eventRecorder struct {
	mu     sync.Mutex
	events []JobEvent
}

func (r *eventRecorder) OnEvent(e JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) all() []JobEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]JobEvent(nil), r.events...)
}

func (r *eventRecorder) types() []types.EventType {
	var out []types.EventType
	for _, e := range r.all() {
		out = append(out, e.Type)
	}
	return out
}

// typesFor returns the event types concerning f, in delivery order
func (r *eventRecorder) typesFor(f *Future) []types.EventType {
	var out []types.EventType
	for _, e := range r.all() {
		if e.Future == f {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *eventRecorder) count(t types.EventType) int {
	n := 0
	for _, e := range r.all() {
		if e.Type == t {
			n++
		}
	}
	return n
}

// orderLog records labels from concurrent jobs
type orderLog struct {
	mu     sync.Mutex
	labels []string
}

func (l *orderLog) add(label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.labels = append(l.labels, label)
}

func (l *orderLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.labels...)
}

// nop is work that returns immediately
func nop(context.Context) (any, error) { return nil, nil }

// waitOn returns work that blocks until gate is closed or the job is interrupted
func waitOn(gate <-chan struct{}) Work {
	return func(ctx context.Context) (any, error) {
		select {
		case <-gate:
			return nil, nil
		case <-ctx.Done():
			return nil, interruptedError(ctx)
		}
	}
}

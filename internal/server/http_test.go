package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/internal/metrics"
	"github.com/ChuLiYu/beaver-jobs/internal/runcontext"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T) *jobmanager.JobManager {
	t.Helper()
	m := jobmanager.New(jobmanager.WithCoreWorkers(2), jobmanager.WithLogger(quietLogger()))
	t.Cleanup(func() {
		m.Shutdown()
		m.AwaitTermination(5 * time.Second)
	})
	return m
}

// envelope decodes the standard response envelope.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *apiError       `json:"error"`
}

func do(t *testing.T, h http.Handler, method, path string, wantStatus int) envelope {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, wantStatus, w.Code, "%s %s: body=%s", method, path, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "%s %s: invalid JSON", method, path)
	return env
}

// parkJob schedules a job that holds mutex until gate is closed.
func parkJob(t *testing.T, m *jobmanager.JobManager, input jobmanager.JobInput, gate chan struct{}) *jobmanager.Future {
	t.Helper()
	f, err := m.Schedule(context.Background(), func(ctx context.Context) (any, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil, nil
	}, input)
	require.NoError(t, err)
	return f
}

func TestHealthz(t *testing.T) {
	m := newTestManager(t)
	srv := NewInspector(m, quietLogger(), WithVersion("1.2.3"))

	env := do(t, srv, http.MethodGet, "/healthz", http.StatusOK)
	assert.Equal(t, "ok", env.Status)
	var health healthResponse
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "serving", health.Status)
	assert.Equal(t, "1.2.3", health.Version)

	m.Shutdown()
	env = do(t, srv, http.MethodGet, "/healthz", http.StatusServiceUnavailable)
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "shutting_down", health.Status)
}

func TestListAndGetJobs(t *testing.T) {
	m := newTestManager(t)
	srv := NewInspector(m, quietLogger())

	gate := make(chan struct{})
	defer close(gate)
	rc := runcontext.New().WithSession(runcontext.StringSession("s-1"))
	running := parkJob(t, m, jobmanager.NewInput().WithName("import").WithMutex("tenant-1").WithRunContext(rc), gate)
	queued := parkJob(t, m, jobmanager.NewInput().WithName("export").WithMutex("tenant-1"), gate)

	require.Eventually(t, func() bool {
		return running.State() == types.StateRunning && queued.State() == types.StateWaitingForPermit
	}, 5*time.Second, 5*time.Millisecond)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{running.ID(), queued.ID()}},
		{"by state", "?state=running", []string{running.ID()}},
		{"by states", "?state=running&state=waiting_for_permit", []string{running.ID(), queued.ID()}},
		{"by name", "?name=export", []string{queued.ID()}},
		{"by mutex", "?mutex=tenant-1", []string{running.ID(), queued.ID()}},
		{"by other mutex", "?mutex=tenant-2", []string{}},
		{"by session", "?session=s-1", []string{running.ID()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := do(t, srv, http.MethodGet, "/api/v1/jobs"+tt.query, http.StatusOK)
			var infos []types.FutureInfo
			require.NoError(t, json.Unmarshal(env.Data, &infos))
			ids := make([]string, 0, len(infos))
			for _, info := range infos {
				ids = append(ids, info.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	env := do(t, srv, http.MethodGet, "/api/v1/jobs?state=sleeping", http.StatusBadRequest)
	require.NotNil(t, env.Error)
	assert.Equal(t, codeBadRequest, env.Error.Code)

	env = do(t, srv, http.MethodGet, "/api/v1/jobs/"+running.ID(), http.StatusOK)
	var info types.FutureInfo
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "import", info.Name)
	assert.Equal(t, "tenant-1", info.Mutex)
	assert.Equal(t, "s-1", info.Session)

	env = do(t, srv, http.MethodGet, "/api/v1/jobs/missing", http.StatusNotFound)
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, codeNotFound, env.Error.Code)
}

func TestCancelJob(t *testing.T) {
	m := newTestManager(t)
	srv := NewInspector(m, quietLogger())

	gate := make(chan struct{})
	defer close(gate)
	running := parkJob(t, m, jobmanager.NewInput().WithMutex("m"), gate)
	queued := parkJob(t, m, jobmanager.NewInput().WithMutex("m"), gate)
	require.Eventually(t, func() bool { return queued.State() == types.StateWaitingForPermit }, 5*time.Second, 5*time.Millisecond)

	do(t, srv, http.MethodPost, "/api/v1/jobs/"+queued.ID()+"/cancel?interrupt=maybe", http.StatusBadRequest)

	env := do(t, srv, http.MethodPost, "/api/v1/jobs/"+queued.ID()+"/cancel", http.StatusOK)
	var resp cancelResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.True(t, resp.Cancelled)
	assert.Equal(t, types.StateCancelled, resp.State)

	env = do(t, srv, http.MethodPost, "/api/v1/jobs/"+running.ID()+"/cancel?interrupt=true", http.StatusOK)
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.True(t, resp.Cancelled)
	require.True(t, running.AwaitDone(5*time.Second))
	assert.True(t, running.IsCancelled())

	do(t, srv, http.MethodPost, "/api/v1/jobs/"+running.ID()+"/cancel", http.StatusNotFound)
}

func TestMutexes(t *testing.T) {
	m := newTestManager(t)
	srv := NewInspector(m, quietLogger())

	do(t, srv, http.MethodGet, "/api/v1/mutexes/tenant-1", http.StatusNotFound)

	gate := make(chan struct{})
	holder := parkJob(t, m, jobmanager.NewInput().WithMutex("tenant-1"), gate)
	waiter := parkJob(t, m, jobmanager.NewInput().WithMutex("tenant-1"), gate)
	require.Eventually(t, func() bool { return waiter.State() == types.StateWaitingForPermit }, 5*time.Second, 5*time.Millisecond)

	env := do(t, srv, http.MethodGet, "/api/v1/mutexes/tenant-1", http.StatusOK)
	var resp types.MutexInfo
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, "tenant-1", resp.Mutex)
	assert.Equal(t, 2, resp.Competitors)
	assert.Equal(t, holder.ID(), resp.Holder)
	assert.Equal(t, []string{waiter.ID()}, resp.Waiting)
	assert.Empty(t, resp.Yielded)

	env = do(t, srv, http.MethodGet, "/api/v1/mutexes", http.StatusOK)
	var list []types.MutexInfo
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)

	close(gate)
	require.True(t, m.AwaitDone(nil, 5*time.Second))
	do(t, srv, http.MethodGet, "/api/v1/mutexes/tenant-1", http.StatusNotFound)
}

func TestMetricsRoute(t *testing.T) {
	m := newTestManager(t)
	reg := prometheus.NewRegistry()
	metrics.NewCollectorWithRegisterer(reg).Attach(m)

	withMetrics := NewInspector(m, quietLogger(), WithGatherer(reg))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	withMetrics.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "beaver_jobs_scheduled_total")

	without := NewInspector(m, quietLogger())
	w = httptest.NewRecorder()
	without.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

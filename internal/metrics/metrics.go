// ============================================================================
// Beaver-Jobs Metrics - Prometheus metrics fed by the job event bus
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Turns job lifecycle events into Prometheus metrics
//
// The Collector is a jobmanager.JobListener. Attach registers it on a manager
// and adds a custom collector that reports live futures per state at scrape
// time.
//
// Metrics:
//
//   1. Counters:
//      - beaver_jobs_scheduled_total: futures accepted by the manager
//      - beaver_jobs_executions_total: rounds started (ABOUT_TO_RUN)
//      - beaver_jobs_blocked_total: waits on a blocking condition
//      - beaver_jobs_finished_total{outcome}: terminal futures by
//        outcome (done, failed, cancelled, rejected)
//      - beaver_jobs_shutdowns_total: manager shutdowns
//
//   2. Histograms:
//      - beaver_jobs_run_duration_seconds: first ABOUT_TO_RUN to DONE
//      - beaver_jobs_blocked_duration_seconds: BLOCKED to RESUMED
//
//   3. Scrape-time gauges:
//      - beaver_jobs_futures{state}: registered futures per state
//      - beaver_jobs_active_workers: pool goroutines running work
//
// Prometheus queries:
//
//   # failed jobs per minute
//   rate(beaver_jobs_finished_total{outcome="failed"}[1m])
//
//   # 95th percentile time spent blocked
//   histogram_quantile(0.95, beaver_jobs_blocked_duration_seconds_bucket)
//
//   # queue pressure on mutex permits
//   beaver_jobs_futures{state="waiting_for_permit"}
//
// ============================================================================

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

const namespace = "beaver_jobs"

// Outcome label values
const (
	OutcomeDone      = "done"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

// Collector Prometheus metrics collector
type Collector struct {
	registerer prometheus.Registerer

	jobsScheduled  prometheus.Counter
	jobsExecutions prometheus.Counter
	jobsBlocked    prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	shutdowns      prometheus.Counter

	runDuration     prometheus.Histogram
	blockedDuration prometheus.Histogram

	mu           sync.Mutex
	startedAt    map[*jobmanager.Future]time.Time
	blockedSince map[*jobmanager.Future]time.Time
}

// NewCollector creates a collector registered with the default registerer.
func NewCollector() *Collector {
	return NewCollectorWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCollectorWithRegisterer creates a collector registered with reg.
// It panics when the metrics are already registered there.
func NewCollectorWithRegisterer(reg prometheus.Registerer) *Collector {
	c := &Collector{
		registerer: reg,
		jobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_total",
			Help:      "Total number of futures accepted by the job manager",
		}),
		jobsExecutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of job rounds started",
		}),
		jobsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_total",
			Help:      "Total number of waits on a blocking condition",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finished_total",
			Help:      "Total number of futures that reached a terminal state, by outcome",
		}, []string{"outcome"}),
		shutdowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shutdowns_total",
			Help:      "Total number of job manager shutdowns",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Time from the first round start to termination in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		blockedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blocked_duration_seconds",
			Help:      "Time spent parked on a blocking condition in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		startedAt:    make(map[*jobmanager.Future]time.Time),
		blockedSince: make(map[*jobmanager.Future]time.Time),
	}

	reg.MustRegister(
		c.jobsScheduled,
		c.jobsExecutions,
		c.jobsBlocked,
		c.jobsFinished,
		c.shutdowns,
		c.runDuration,
		c.blockedDuration,
	)
	// Outcome series exist from the start so rate() works before the first failure
	for _, outcome := range []string{OutcomeDone, OutcomeFailed, OutcomeCancelled, OutcomeRejected} {
		c.jobsFinished.WithLabelValues(outcome)
	}
	return c
}

// Attach subscribes the collector to m and registers the scrape-time gauges
// of m.
func (c *Collector) Attach(m *jobmanager.JobManager) jobmanager.ListenerHandle {
	c.registerer.MustRegister(newStateCollector(m))
	return m.AddListener(c, nil)
}

// OnEvent implements jobmanager.JobListener.
func (c *Collector) OnEvent(event jobmanager.JobEvent) {
	switch event.Type {
	case types.EventScheduled:
		c.jobsScheduled.Inc()

	case types.EventAboutToRun:
		c.jobsExecutions.Inc()
		c.mu.Lock()
		if _, ok := c.startedAt[event.Future]; !ok {
			c.startedAt[event.Future] = event.Time
		}
		c.mu.Unlock()

	case types.EventBlocked:
		c.jobsBlocked.Inc()
		c.mu.Lock()
		c.blockedSince[event.Future] = event.Time
		c.mu.Unlock()

	case types.EventResumed:
		c.mu.Lock()
		since, ok := c.blockedSince[event.Future]
		delete(c.blockedSince, event.Future)
		c.mu.Unlock()
		if ok {
			c.blockedDuration.Observe(event.Time.Sub(since).Seconds())
		}

	case types.EventDone:
		c.jobsFinished.WithLabelValues(outcomeOf(event)).Inc()
		c.mu.Lock()
		started, ok := c.startedAt[event.Future]
		delete(c.startedAt, event.Future)
		delete(c.blockedSince, event.Future)
		c.mu.Unlock()
		if ok {
			c.runDuration.Observe(event.Time.Sub(started).Seconds())
		}

	case types.EventShutdown:
		c.shutdowns.Inc()
	}
}

// outcomeOf maps a DONE event to its outcome label.
func outcomeOf(event jobmanager.JobEvent) string {
	switch event.Future.State() {
	case types.StateCancelled:
		return OutcomeCancelled
	case types.StateRejected:
		return OutcomeRejected
	}
	if event.Err != nil {
		return OutcomeFailed
	}
	return OutcomeDone
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ============================================================================
// Scrape-time state collector
// ============================================================================

// futureSource is the part of the manager the state collector reads.
type futureSource interface {
	Futures(filter *jobmanager.FutureFilter) []*jobmanager.Future
	ActiveWorkers() int
}

type stateCollector struct {
	source      futureSource
	futuresDesc *prometheus.Desc
	workersDesc *prometheus.Desc
}

func newStateCollector(source futureSource) *stateCollector {
	return &stateCollector{
		source: source,
		futuresDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "futures"),
			"Registered futures by state",
			[]string{"state"}, nil,
		),
		workersDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_workers"),
			"Pool goroutines currently running work",
			nil, nil,
		),
	}
}

func (s *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.futuresDesc
	ch <- s.workersDesc
}

func (s *stateCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[types.JobState]int, len(types.AllStates))
	for _, f := range s.source.Futures(nil) {
		counts[f.State()]++
	}
	for _, state := range types.AllStates {
		if state.IsTerminal() {
			continue
		}
		ch <- prometheus.MustNewConstMetric(s.futuresDesc, prometheus.GaugeValue, float64(counts[state]), string(state))
	}
	ch <- prometheus.MustNewConstMetric(s.workersDesc, prometheus.GaugeValue, float64(s.source.ActiveWorkers()))
}

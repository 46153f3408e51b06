package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/internal/runcontext"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// Scenario is a scripted set of jobs and blocking conditions.
//
//	timeout: 10s
//	conditions:
//	  - name: approval
//	    release_after: 200ms
//	jobs:
//	  - name: outer
//	    session: s-1
//	    wait_on: approval
//	  - name: inner
//	    session: s-1
//	    delay: 50ms
type Scenario struct {
	Timeout    time.Duration   `yaml:"timeout"`
	Conditions []ConditionSpec `yaml:"conditions"`
	Jobs       []JobSpec       `yaml:"jobs"`
}

// ConditionSpec declares a blocking condition. It starts blocking unless
// Clear is set, and is cleared after ReleaseAfter when positive.
type ConditionSpec struct {
	Name         string        `yaml:"name"`
	Clear        bool          `yaml:"clear"`
	ReleaseAfter time.Duration `yaml:"release_after"`
}

// JobSpec declares one job. Session doubles as the mutex unless Mutex is
// set explicitly.
type JobSpec struct {
	Name        string             `yaml:"name"`
	Session     string             `yaml:"session"`
	Mutex       string             `yaml:"mutex"`
	Hints       []string           `yaml:"hints"`
	Delay       time.Duration      `yaml:"delay"`
	Duration    time.Duration      `yaml:"duration"`
	WaitOn      string             `yaml:"wait_on"`
	WaitTimeout time.Duration      `yaml:"wait_timeout"`
	Fail        string             `yaml:"fail"`
	Schedule    types.ScheduleKind `yaml:"schedule"`
	Period      time.Duration      `yaml:"period"`
	Rounds      int                `yaml:"rounds"`
	Expiration  time.Duration      `yaml:"expiration"`
}

// JobOutcome is the final state of one scenario job.
type JobOutcome struct {
	Name   string
	ID     string
	State  types.JobState
	Rounds int
	Result any
	Err    error
}

// ScenarioReport collects the outcome of a scenario run.
type ScenarioReport struct {
	Outcomes []JobOutcome
	Trace    []TraceLine
	Elapsed  time.Duration
}

// TraceLine is one recorded event.
type TraceLine struct {
	Offset time.Duration
	Job    string
	Type   types.EventType
	Hint   string
}

func (l TraceLine) String() string {
	job := l.Job
	if job == "" {
		job = "-"
	}
	line := fmt.Sprintf("%8s  %-13s %-12s", l.Offset.Round(time.Millisecond), l.Type, job)
	if l.Hint != "" {
		line += " " + l.Hint
	}
	return line
}

// loadScenario reads a scenario file.
func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario YAML: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if len(sc.Jobs) == 0 {
		return errors.New("no jobs defined")
	}
	conditions := make(map[string]bool, len(sc.Conditions))
	for _, c := range sc.Conditions {
		if c.Name == "" {
			return errors.New("condition without name")
		}
		if conditions[c.Name] {
			return fmt.Errorf("duplicate condition %q", c.Name)
		}
		conditions[c.Name] = true
	}
	names := make(map[string]bool, len(sc.Jobs))
	for i, j := range sc.Jobs {
		if j.Name == "" {
			return fmt.Errorf("job #%d has no name", i+1)
		}
		if names[j.Name] {
			return fmt.Errorf("duplicate job %q", j.Name)
		}
		names[j.Name] = true
		if j.WaitOn != "" && !conditions[j.WaitOn] {
			return fmt.Errorf("job %q waits on unknown condition %q", j.Name, j.WaitOn)
		}
		if j.Schedule != "" && j.Schedule != types.ScheduleOnce && !j.Schedule.IsPeriodic() {
			return fmt.Errorf("job %q has unknown schedule %q", j.Name, j.Schedule)
		}
		if err := j.input().Validate(); err != nil {
			return fmt.Errorf("job %q: %w", j.Name, err)
		}
	}
	return nil
}

func (j JobSpec) input() jobmanager.JobInput {
	in := jobmanager.NewInput().
		WithName(j.Name).
		WithDelay(j.Delay).
		WithExpiration(j.Expiration).
		WithExceptionLogging(false)
	if len(j.Hints) > 0 {
		in = in.WithExecutionHint(j.Hints...)
	}

	rc := runcontext.New()
	if j.Session != "" {
		rc = rc.WithSession(runcontext.StringSession(j.Session))
	}
	in = in.WithRunContext(rc)

	switch {
	case j.Mutex != "":
		in = in.WithMutex(j.Mutex)
	case j.Session != "":
		in = in.WithMutex(j.Session)
	}

	switch j.Schedule {
	case types.ScheduleFixedRate:
		in = in.WithFixedRate(j.Period)
	case types.ScheduleFixedDelay:
		in = in.WithFixedDelay(j.Period)
	}
	return in
}

// work sleeps for Duration, waits on its condition, then fails or succeeds.
// A periodic job cancels itself after Rounds rounds.
func (j JobSpec) work(conditions map[string]*jobmanager.BlockingCondition) jobmanager.Work {
	return func(ctx context.Context) (any, error) {
		if j.Duration > 0 {
			t := time.NewTimer(j.Duration)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, context.Cause(ctx)
			}
		}
		if j.WaitOn != "" {
			bc := conditions[j.WaitOn]
			var err error
			if j.WaitTimeout > 0 {
				err = bc.WaitForTimeout(ctx, j.WaitTimeout)
			} else {
				err = bc.WaitFor(ctx)
			}
			if err != nil {
				return nil, err
			}
		}
		if j.Fail != "" {
			return nil, errors.New(j.Fail)
		}
		if f := jobmanager.CurrentFuture(ctx); f != nil && j.Schedule.IsPeriodic() && j.Rounds > 0 && f.Rounds() >= j.Rounds {
			f.Cancel(false)
		}
		return j.Name + " ok", nil
	}
}

// traceRecorder records and optionally prints every event of the run.
type traceRecorder struct {
	start time.Time
	out   io.Writer

	mu    sync.Mutex
	lines []TraceLine
}

func (r *traceRecorder) OnEvent(event jobmanager.JobEvent) {
	line := TraceLine{Offset: event.Time.Sub(r.start), Type: event.Type, Hint: event.Hint}
	if event.Future != nil {
		line.Job = event.Future.Name()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if r.out != nil {
		fmt.Fprintln(r.out, line)
	}
}

func (r *traceRecorder) snapshot() []TraceLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceLine(nil), r.lines...)
}

// RunScenario schedules every job of sc on m and waits for all of them.
// Events are written to out as they happen when out is not nil. When the
// scenario timeout elapses first, the remaining jobs are cancelled with
// interruption and an error is returned along with the report.
func RunScenario(ctx context.Context, m *jobmanager.JobManager, sc *Scenario, out io.Writer) (*ScenarioReport, error) {
	if err := sc.validate(); err != nil {
		return nil, err
	}

	recorder := &traceRecorder{start: time.Now(), out: out}
	handle := m.AddListener(recorder, nil)
	defer m.RemoveListener(handle)

	conditions := make(map[string]*jobmanager.BlockingCondition, len(sc.Conditions))
	for _, c := range sc.Conditions {
		bc := m.NewBlockingCondition(c.Name, !c.Clear)
		conditions[c.Name] = bc
		if c.ReleaseAfter > 0 {
			t := time.AfterFunc(c.ReleaseAfter, func() { bc.SetBlocking(false) })
			defer t.Stop()
		}
	}

	futures := make([]*jobmanager.Future, 0, len(sc.Jobs))
	for _, j := range sc.Jobs {
		f, err := m.Schedule(ctx, j.work(conditions), j.input())
		if err != nil {
			return nil, fmt.Errorf("failed to schedule job %q: %w", j.Name, err)
		}
		futures = append(futures, f)
	}

	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var runErr error
	if !m.AwaitDone(jobmanager.NewFutureFilter().AndMatchFuture(futures...), timeout) {
		runErr = fmt.Errorf("scenario did not finish within %v", timeout)
		for _, f := range futures {
			f.Cancel(true)
		}
		for _, f := range futures {
			f.AwaitDone(time.Second)
		}
	}

	report := &ScenarioReport{Elapsed: time.Since(recorder.start)}
	for _, f := range futures {
		result, err := f.AwaitDoneAndGetTimeout(time.Millisecond)
		report.Outcomes = append(report.Outcomes, JobOutcome{
			Name:   f.Name(),
			ID:     f.ID(),
			State:  f.State(),
			Rounds: f.Rounds(),
			Result: result,
			Err:    err,
		})
	}
	report.Trace = recorder.snapshot()
	return report, runErr
}

// TraceFor returns the event types recorded for job, in order.
func (r *ScenarioReport) TraceFor(job string) []types.EventType {
	var out []types.EventType
	for _, l := range r.Trace {
		if l.Job == job {
			out = append(out, l.Type)
		}
	}
	return out
}

// Print writes a summary table of r.
func (r *ScenarioReport) Print(w io.Writer) {
	fmt.Fprintf(w, "\nScenario finished in %s\n", r.Elapsed.Round(time.Millisecond))
	for _, o := range r.Outcomes {
		detail := fmt.Sprint(o.Result)
		if o.Err != nil {
			detail = o.Err.Error()
		}
		fmt.Fprintf(w, "  %-12s %-10s rounds=%d  %s\n", o.Name, o.State, o.Rounds, detail)
	}
}

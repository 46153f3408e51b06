// Package types defines the core domain model shared by beaver-jobs packages.
package types

// JobState is the lifecycle state of a scheduled future.
type JobState string

// Job states
const (
	StateNew              JobState = "new"                // constructed, not admitted anywhere yet
	StateScheduled        JobState = "scheduled"          // admitted; waiting for its delay or the next periodic round
	StateWaitingForPermit JobState = "waiting_for_permit" // queued behind another competitor of the same mutex
	StateAboutToRun       JobState = "about_to_run"       // a worker is about to invoke the work
	StateRunning          JobState = "running"            // the work is executing
	StateBlocked          JobState = "blocked"            // parked on a blocking condition, permit yielded
	StateDone             JobState = "done"               // terminal: finished with result or error
	StateCancelled        JobState = "cancelled"          // terminal: cancellation was requested
	StateRejected         JobState = "rejected"           // terminal: the manager refused the submission
)

// IsTerminal reports whether no further transition can leave s.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateDone, StateCancelled, StateRejected:
		return true
	}
	return false
}

// IsExecuting reports whether a worker currently owns the future.
func (s JobState) IsExecuting() bool {
	switch s {
	case StateAboutToRun, StateRunning, StateBlocked:
		return true
	}
	return false
}

// IsValid reports whether s names a known state.
func (s JobState) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// AllStates lists every state in lifecycle order.
var AllStates = []JobState{
	StateNew,
	StateScheduled,
	StateWaitingForPermit,
	StateAboutToRun,
	StateRunning,
	StateBlocked,
	StateDone,
	StateCancelled,
	StateRejected,
}

// EventType identifies a lifecycle transition published on the listener bus.
type EventType string

// Event types
const (
	EventScheduled  EventType = "scheduled"    // fired once on the submitting goroutine
	EventAboutToRun EventType = "about_to_run" // fired on the worker right before the work is invoked
	EventBlocked    EventType = "blocked"      // the work entered a blocking condition
	EventUnblocked  EventType = "unblocked"    // released from the park, permit not yet regained
	EventResumed    EventType = "resumed"      // permit regained, the work continues
	EventDone       EventType = "done"         // terminal, fired exactly once per future
	EventShutdown   EventType = "shutdown"     // manager-wide, carries no future
)

// ScheduleKind tells how often a job runs.
type ScheduleKind string

const (
	ScheduleOnce       ScheduleKind = "once"
	ScheduleFixedRate  ScheduleKind = "fixed_rate"
	ScheduleFixedDelay ScheduleKind = "fixed_delay"
)

// IsPeriodic reports whether the job re-arms after each round.
func (k ScheduleKind) IsPeriodic() bool {
	return k == ScheduleFixedRate || k == ScheduleFixedDelay
}

// FutureInfo is a read-only view of a future, used by inspectors and snapshots.
type FutureInfo struct {
	ID             string   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	State          JobState `json:"state" yaml:"state"`
	Mutex          string   `json:"mutex,omitempty" yaml:"mutex,omitempty"`
	Session        string   `json:"session,omitempty" yaml:"session,omitempty"`
	ExecutionHints []string `json:"execution_hints,omitempty" yaml:"execution_hints,omitempty"`
	Cancelled      bool     `json:"cancelled" yaml:"cancelled"`
	Rounds         int      `json:"rounds" yaml:"rounds"`
	ScheduledAt    int64    `json:"scheduled_at" yaml:"scheduled_at"`                   // Unix ms
	StartedAt      int64    `json:"started_at,omitempty" yaml:"started_at,omitempty"`   // Unix ms, first round
	Error          string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// MutexInfo is a read-only view of the permit bookkeeping of one mutex object.
type MutexInfo struct {
	Mutex       string   `json:"mutex" yaml:"mutex"`
	Competitors int      `json:"competitors" yaml:"competitors"`
	Holder      string   `json:"holder,omitempty" yaml:"holder,omitempty"`
	Waiting     []string `json:"waiting" yaml:"waiting"`
	Yielded     []string `json:"yielded" yaml:"yielded"`
}

// StateDump is a point-in-time picture of a job manager.
type StateDump struct {
	SchemaVer int          `json:"schema_ver"`
	TakenAt   int64        `json:"taken_at"` // Unix ms
	Shutdown  bool         `json:"shutdown"`
	Futures   []FutureInfo `json:"futures"`
	Mutexes   []MutexInfo  `json:"mutexes"`
}

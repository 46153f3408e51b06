package jobmanager

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// JobEvent is one lifecycle transition published to listeners.
type JobEvent struct {
	Type   types.EventType
	Future *Future // nil for manager-wide events such as SHUTDOWN
	Time   time.Time
	Hint   string // blocking condition name for BLOCKED / UNBLOCKED / RESUMED
	Err    error  // terminal error carried by DONE
}

func (e JobEvent) String() string {
	if e.Future == nil {
		return fmt.Sprintf("JobEvent{%s}", e.Type)
	}
	return fmt.Sprintf("JobEvent{%s future=%s}", e.Type, e.Future)
}

// JobListener receives events on the goroutine that caused the transition.
type JobListener interface {
	OnEvent(event JobEvent)
}

// RoundListener is implemented by listeners that also want to know when the
// work of a round returned. It is called on the worker before the future is
// re-armed or finished, so periodic rounds are reported too, which DONE is
// not. Filters apply with the future predicates only.
type RoundListener interface {
	OnRoundEnd(f *Future, at time.Time, err error)
}

// JobListenerFunc adapts a function to JobListener.
type JobListenerFunc func(event JobEvent)

func (fn JobListenerFunc) OnEvent(event JobEvent) { fn(event) }

// DoneEvent is handed to WhenDone callbacks.
type DoneEvent struct {
	Future *Future
	State  types.JobState
	Result any
	Err    error
}

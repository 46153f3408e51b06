package jobmanager

import (
	"github.com/ChuLiYu/beaver-jobs/internal/runcontext"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// FutureFilter selects futures. Predicates are and-ed; an empty filter (or a
// nil *FutureFilter) accepts everything.
type FutureFilter struct {
	predicates []func(f *Future) bool
}

// NewFutureFilter starts an empty filter.
func NewFutureFilter() *FutureFilter {
	return &FutureFilter{}
}

// AndMatch adds an arbitrary predicate.
func (ff *FutureFilter) AndMatch(p func(f *Future) bool) *FutureFilter {
	ff.predicates = append(ff.predicates, p)
	return ff
}

// AndMatchFuture accepts only the given futures.
func (ff *FutureFilter) AndMatchFuture(futures ...*Future) *FutureFilter {
	set := make(map[*Future]struct{}, len(futures))
	for _, f := range futures {
		set[f] = struct{}{}
	}
	return ff.AndMatch(func(f *Future) bool {
		_, ok := set[f]
		return ok
	})
}

// AndMatchID accepts futures by ID.
func (ff *FutureFilter) AndMatchID(ids ...string) *FutureFilter {
	set := toSet(ids)
	return ff.AndMatch(func(f *Future) bool {
		_, ok := set[f.ID()]
		return ok
	})
}

// AndMatchMutex accepts futures competing for mutex.
func (ff *FutureFilter) AndMatchMutex(mutex any) *FutureFilter {
	return ff.AndMatch(func(f *Future) bool {
		m := f.Mutex()
		return m != nil && m == mutex
	})
}

// AndMatchSession accepts futures whose RunContext carries a session with
// the same ID.
func (ff *FutureFilter) AndMatchSession(session runcontext.Session) *FutureFilter {
	return ff.AndMatch(func(f *Future) bool {
		if session == nil {
			return f.runContext.Session() == nil
		}
		return f.runContext.SessionID() == session.ID()
	})
}

// AndMatchName accepts futures with one of the names.
func (ff *FutureFilter) AndMatchName(names ...string) *FutureFilter {
	set := toSet(names)
	return ff.AndMatch(func(f *Future) bool {
		_, ok := set[f.Name()]
		return ok
	})
}

// AndMatchExecutionHint accepts futures currently carrying hint.
func (ff *FutureFilter) AndMatchExecutionHint(hint string) *FutureFilter {
	return ff.AndMatch(func(f *Future) bool { return f.ContainsExecutionHint(hint) })
}

// AndMatchNotExecutionHint accepts futures not carrying hint.
func (ff *FutureFilter) AndMatchNotExecutionHint(hint string) *FutureFilter {
	return ff.AndMatch(func(f *Future) bool { return !f.ContainsExecutionHint(hint) })
}

// AndMatchState accepts futures in one of the states.
func (ff *FutureFilter) AndMatchState(states ...types.JobState) *FutureFilter {
	set := make(map[types.JobState]struct{}, len(states))
	for _, s := range states {
		set[s] = struct{}{}
	}
	return ff.AndMatch(func(f *Future) bool {
		_, ok := set[f.State()]
		return ok
	})
}

// AndAreNotBlocked rejects futures parked on a blocking condition.
func (ff *FutureFilter) AndAreNotBlocked() *FutureFilter {
	return ff.AndMatch(func(f *Future) bool { return f.State() != types.StateBlocked })
}

// Accept reports whether f passes every predicate.
func (ff *FutureFilter) Accept(f *Future) bool {
	if ff == nil {
		return true
	}
	for _, p := range ff.predicates {
		if !p(f) {
			return false
		}
	}
	return true
}

// EventFilter selects events by type and by the future they concern.
// Future predicates let manager-wide events (nil future) through.
type EventFilter struct {
	eventTypes map[types.EventType]struct{}
	futures    FutureFilter
}

// NewEventFilter starts an empty filter.
func NewEventFilter() *EventFilter {
	return &EventFilter{}
}

// AndMatchEventType accepts only the given event types.
func (ef *EventFilter) AndMatchEventType(eventTypes ...types.EventType) *EventFilter {
	if ef.eventTypes == nil {
		ef.eventTypes = make(map[types.EventType]struct{}, len(eventTypes))
	}
	for _, t := range eventTypes {
		ef.eventTypes[t] = struct{}{}
	}
	return ef
}

func (ef *EventFilter) AndMatchFuture(futures ...*Future) *EventFilter {
	ef.futures.AndMatchFuture(futures...)
	return ef
}

func (ef *EventFilter) AndMatchMutex(mutex any) *EventFilter {
	ef.futures.AndMatchMutex(mutex)
	return ef
}

func (ef *EventFilter) AndMatchSession(session runcontext.Session) *EventFilter {
	ef.futures.AndMatchSession(session)
	return ef
}

func (ef *EventFilter) AndMatchName(names ...string) *EventFilter {
	ef.futures.AndMatchName(names...)
	return ef
}

func (ef *EventFilter) AndMatchExecutionHint(hint string) *EventFilter {
	ef.futures.AndMatchExecutionHint(hint)
	return ef
}

func (ef *EventFilter) AndMatchNotExecutionHint(hint string) *EventFilter {
	ef.futures.AndMatchNotExecutionHint(hint)
	return ef
}

func (ef *EventFilter) AndMatchFutureFunc(p func(f *Future) bool) *EventFilter {
	ef.futures.AndMatch(p)
	return ef
}

// Accept reports whether the event passes the filter.
func (ef *EventFilter) Accept(event JobEvent) bool {
	if ef == nil {
		return true
	}
	if ef.eventTypes != nil {
		if _, ok := ef.eventTypes[event.Type]; !ok {
			return false
		}
	}
	if event.Future == nil {
		return true
	}
	return ef.futures.Accept(event.Future)
}

// AcceptFuture applies only the future predicates.
func (ef *EventFilter) AcceptFuture(f *Future) bool {
	if ef == nil {
		return true
	}
	return ef.futures.Accept(f)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

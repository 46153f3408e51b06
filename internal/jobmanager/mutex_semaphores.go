// ============================================================================
// Beaver-Jobs Mutex Semaphores - per mutex-object permit bookkeeping
// ============================================================================
//
// Package: internal/jobmanager
// File: mutex_semaphores.go
// Function: Tracks, for every mutex object, which future holds the single
//           permit, who queues for it and who temporarily yielded it
//
// Per mutex object:
//   holder       the future allowed to run
//   waiting      FIFO queue of futures waiting for the permit
//   yielded      futures parked on a blocking condition; they gave the permit
//                away but still compete for it
//   competitors  |waiting| + (holder != nil) + |yielded|
//
// Yield and reacquire are their own operations, separate from Release:
//
//   YieldForBlockingCondition   holder -> yielded, head of queue promoted,
//                               competitors unchanged
//   Reacquire                   yielded -> tail of queue (or holder if free),
//                               returns once holder
//
// Locking:
//   The table lock only guards lookup, creation and removal of entries. All
//   bookkeeping for one mutex happens under that entry's own lock. An entry is
//   dropped from the table when its competitor count reaches zero; a goroutine
//   that loses the race against the removal sees entry.removed and retries.
//   Grant callbacks run after every lock is released.
//
// ============================================================================

package jobmanager

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// permitWaiter is a queued future and what to do once it is promoted.
type permitWaiter struct {
	future *Future
	grant  func()
}

type mutexEntry struct {
	mu          sync.Mutex
	holder      *Future
	waiting     []permitWaiter
	yielded     map[*Future]struct{}
	competitors int
	removed     bool
}

// promoteNext hands the permit to the head of the queue and returns its
// grant callback. Caller holds e.mu.
func (e *mutexEntry) promoteNext() func() {
	if len(e.waiting) == 0 {
		e.holder = nil
		return nil
	}
	next := e.waiting[0]
	e.waiting[0] = permitWaiter{}
	e.waiting = e.waiting[1:]
	e.holder = next.future
	return next.grant
}

// MutexSemaphores is the permit table shared by all futures of one manager.
type MutexSemaphores struct {
	mu      sync.Mutex
	entries map[any]*mutexEntry
}

// NewMutexSemaphores creates an empty permit table.
func NewMutexSemaphores() *MutexSemaphores {
	return &MutexSemaphores{entries: make(map[any]*mutexEntry)}
}

// lockEntry returns the locked entry for mutex. With create false it returns
// nil when no entry exists.
func (s *MutexSemaphores) lockEntry(mutex any, create bool) *mutexEntry {
	for {
		s.mu.Lock()
		e, ok := s.entries[mutex]
		if !ok {
			if !create {
				s.mu.Unlock()
				return nil
			}
			e = &mutexEntry{yielded: make(map[*Future]struct{})}
			s.entries[mutex] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// unlockEntry drops e from the table once nobody competes for it, then
// unlocks it.
func (s *MutexSemaphores) unlockEntry(mutex any, e *mutexEntry) {
	if e.competitors == 0 {
		e.removed = true
		s.mu.Lock()
		if s.entries[mutex] == e {
			delete(s.entries, mutex)
		}
		s.mu.Unlock()
	}
	e.mu.Unlock()
}

// TryAcquire makes f a competitor for mutex. It returns true when f became
// the holder right away. Otherwise f is queued and onGrant is called once f
// is promoted.
func (s *MutexSemaphores) TryAcquire(mutex any, f *Future, onGrant func()) bool {
	e := s.lockEntry(mutex, true)
	defer s.unlockEntry(mutex, e)

	e.competitors++
	if e.holder == nil {
		e.holder = f
		return true
	}
	e.waiting = append(e.waiting, permitWaiter{future: f, grant: onGrant})
	return false
}

// Release gives up the permit held by f and promotes the next waiter.
func (s *MutexSemaphores) Release(mutex any, f *Future) error {
	e := s.lockEntry(mutex, false)
	if e == nil {
		return ErrNotPermitOwner
	}
	if e.holder != f {
		e.mu.Unlock()
		return ErrNotPermitOwner
	}
	e.competitors--
	grant := e.promoteNext()
	s.unlockEntry(mutex, e)

	if grant != nil {
		grant()
	}
	return nil
}

// YieldForBlockingCondition hands the permit of f to the next waiter while f
// stays counted as a competitor.
func (s *MutexSemaphores) YieldForBlockingCondition(mutex any, f *Future) error {
	e := s.lockEntry(mutex, false)
	if e == nil {
		return ErrNotPermitOwner
	}
	if e.holder != f {
		e.mu.Unlock()
		return ErrNotPermitOwner
	}
	e.yielded[f] = struct{}{}
	grant := e.promoteNext()
	e.mu.Unlock()

	if grant != nil {
		grant()
	}
	return nil
}

// Reacquire puts a yielded f back in line at the tail of the queue and
// returns once f holds the permit again. It cannot be interrupted.
func (s *MutexSemaphores) Reacquire(mutex any, f *Future) error {
	e := s.lockEntry(mutex, false)
	if e == nil {
		return ErrNotYielded
	}
	if _, ok := e.yielded[f]; !ok {
		e.mu.Unlock()
		return ErrNotYielded
	}
	delete(e.yielded, f)
	if e.holder == nil {
		e.holder = f
		e.mu.Unlock()
		return nil
	}
	granted := make(chan struct{})
	e.waiting = append(e.waiting, permitWaiter{future: f, grant: func() { close(granted) }})
	e.mu.Unlock()

	<-granted
	return nil
}

// Withdraw removes f from the competition for mutex wherever it is: holder,
// queue or yielded set. It reports whether f was found.
func (s *MutexSemaphores) Withdraw(mutex any, f *Future) bool {
	e := s.lockEntry(mutex, false)
	if e == nil {
		return false
	}

	var grant func()
	switch {
	case e.holder == f:
		grant = e.promoteNext()
	case hasYielded(e, f):
		delete(e.yielded, f)
	default:
		idx := -1
		for i, w := range e.waiting {
			if w.future == f {
				idx = i
				break
			}
		}
		if idx < 0 {
			e.mu.Unlock()
			return false
		}
		e.waiting = append(e.waiting[:idx], e.waiting[idx+1:]...)
	}
	e.competitors--
	s.unlockEntry(mutex, e)

	if grant != nil {
		grant()
	}
	return true
}

func hasYielded(e *mutexEntry, f *Future) bool {
	_, ok := e.yielded[f]
	return ok
}

// PermitCount returns the number of futures competing for mutex.
func (s *MutexSemaphores) PermitCount(mutex any) int {
	e := s.lockEntry(mutex, false)
	if e == nil {
		return 0
	}
	defer e.mu.Unlock()
	return e.competitors
}

// IsPermitOwner reports whether f holds the permit of mutex.
func (s *MutexSemaphores) IsPermitOwner(mutex any, f *Future) bool {
	e := s.lockEntry(mutex, false)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	return e.holder == f
}

// Len returns the number of mutex objects with at least one competitor.
func (s *MutexSemaphores) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// PermitSnapshot is a point-in-time view of one mutex object.
type PermitSnapshot struct {
	Holder      *Future
	Waiting     []*Future
	Yielded     []*Future
	Competitors int
}

// Snapshot returns the current bookkeeping of mutex. ok is false when nobody
// competes for it.
func (s *MutexSemaphores) Snapshot(mutex any) (snap PermitSnapshot, ok bool) {
	e := s.lockEntry(mutex, false)
	if e == nil {
		return PermitSnapshot{}, false
	}
	defer e.mu.Unlock()

	snap.Holder = e.holder
	snap.Competitors = e.competitors
	for _, w := range e.waiting {
		snap.Waiting = append(snap.Waiting, w.future)
	}
	for f := range e.yielded {
		snap.Yielded = append(snap.Yielded, f)
	}
	return snap, true
}

// Mutexes returns every mutex object that currently has competitors.
func (s *MutexSemaphores) Mutexes() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, 0, len(s.entries))
	for m := range s.entries {
		out = append(out, m)
	}
	return out
}

// Info renders the snapshot of mutex with future IDs.
func (snap PermitSnapshot) Info(mutex any) types.MutexInfo {
	info := types.MutexInfo{
		Mutex:       fmt.Sprint(mutex),
		Competitors: snap.Competitors,
		Waiting:     make([]string, 0, len(snap.Waiting)),
		Yielded:     make([]string, 0, len(snap.Yielded)),
	}
	if snap.Holder != nil {
		info.Holder = snap.Holder.ID()
	}
	for _, f := range snap.Waiting {
		info.Waiting = append(info.Waiting, f.ID())
	}
	for _, f := range snap.Yielded {
		info.Yielded = append(info.Yielded, f.ID())
	}
	sort.Strings(info.Yielded)
	return info
}

// Infos returns the bookkeeping of every contended mutex, ordered by name.
func (s *MutexSemaphores) Infos() []types.MutexInfo {
	out := make([]types.MutexInfo, 0)
	for _, m := range s.Mutexes() {
		if snap, ok := s.Snapshot(m); ok {
			out = append(out, snap.Info(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mutex < out[j].Mutex })
	return out
}

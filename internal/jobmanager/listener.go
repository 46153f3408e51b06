package jobmanager

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ListenerHandle identifies a registration for RemoveListener.
type ListenerHandle uint64

type listenerRegistration struct {
	handle   ListenerHandle
	listener JobListener
	filter   *EventFilter
}

// listenerRegistry keeps registrations in a copy-on-write slice so events
// are delivered without holding a lock.
type listenerRegistry struct {
	mu   sync.Mutex
	next ListenerHandle
	regs atomic.Pointer[[]listenerRegistration]
	log  *slog.Logger
}

func newListenerRegistry(log *slog.Logger) *listenerRegistry {
	r := &listenerRegistry{log: log}
	empty := make([]listenerRegistration, 0)
	r.regs.Store(&empty)
	return r
}

func (r *listenerRegistry) add(l JobListener, filter *EventFilter) ListenerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	cur := *r.regs.Load()
	regs := make([]listenerRegistration, len(cur), len(cur)+1)
	copy(regs, cur)
	regs = append(regs, listenerRegistration{handle: r.next, listener: l, filter: filter})
	r.regs.Store(&regs)
	return r.next
}

func (r *listenerRegistry) remove(h ListenerHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.regs.Load()
	regs := make([]listenerRegistration, 0, len(cur))
	found := false
	for _, reg := range cur {
		if reg.handle == h {
			found = true
			continue
		}
		regs = append(regs, reg)
	}
	if found {
		r.regs.Store(&regs)
	}
	return found
}

func (r *listenerRegistry) size() int {
	return len(*r.regs.Load())
}

// fire delivers event to every accepting listener in registration order.
func (r *listenerRegistry) fire(event JobEvent) {
	for _, reg := range *r.regs.Load() {
		if !reg.filter.Accept(event) {
			continue
		}
		r.deliver(reg, event)
	}
}

func (r *listenerRegistry) deliver(reg listenerRegistration, event JobEvent) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Listener panicked", "listener", reg.handle, "event", event.Type, "panic", p)
		}
	}()
	reg.listener.OnEvent(event)
}

// roundEnded notifies the RoundListeners accepting f.
func (r *listenerRegistry) roundEnded(f *Future, at time.Time, err error) {
	for _, reg := range *r.regs.Load() {
		rl, ok := reg.listener.(RoundListener)
		if !ok || !reg.filter.AcceptFuture(f) {
			continue
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("Round listener panicked", "listener", reg.handle, "future", f.id, "panic", p)
				}
			}()
			rl.OnRoundEnd(f, at, err)
		}()
	}
}

package jobmanager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bareFuture(id string) *Future {
	return &Future{id: id}
}

// grantRecorder returns an onGrant callback that logs the promoted future
func grantRecorder(order *[]string, mu *sync.Mutex, id string) func() {
	return func() {
		mu.Lock()
		defer mu.Unlock()
		*order = append(*order, id)
	}
}

func TestTryAcquireAndRelease(t *testing.T) {
	s := NewMutexSemaphores()
	a, b, c := bareFuture("a"), bareFuture("b"), bareFuture("c")

	var mu sync.Mutex
	var promoted []string

	assert.True(t, s.TryAcquire("m", a, nil))
	assert.False(t, s.TryAcquire("m", b, grantRecorder(&promoted, &mu, "b")))
	assert.False(t, s.TryAcquire("m", c, grantRecorder(&promoted, &mu, "c")))
	assert.Equal(t, 3, s.PermitCount("m"))
	assert.True(t, s.IsPermitOwner("m", a))

	require.NoError(t, s.Release("m", a))
	assert.True(t, s.IsPermitOwner("m", b))
	assert.Equal(t, 2, s.PermitCount("m"))

	assert.ErrorIs(t, s.Release("m", c), ErrNotPermitOwner, "only the holder releases")

	require.NoError(t, s.Release("m", b))
	require.NoError(t, s.Release("m", c))
	assert.Equal(t, []string{"b", "c"}, promoted)
	assert.Equal(t, 0, s.PermitCount("m"))
	assert.Equal(t, 0, s.Len())
}

func TestReleaseUnknownMutex(t *testing.T) {
	s := NewMutexSemaphores()
	assert.ErrorIs(t, s.Release("missing", bareFuture("a")), ErrNotPermitOwner)
	assert.ErrorIs(t, s.Reacquire("missing", bareFuture("a")), ErrNotYielded)
	assert.False(t, s.Withdraw("missing", bareFuture("a")))
}

func TestYieldKeepsCompetitorCount(t *testing.T) {
	s := NewMutexSemaphores()
	outer, inner := bareFuture("outer"), bareFuture("inner")

	var mu sync.Mutex
	var promoted []string
	require.True(t, s.TryAcquire("m", outer, nil))
	require.False(t, s.TryAcquire("m", inner, grantRecorder(&promoted, &mu, "inner")))

	require.NoError(t, s.YieldForBlockingCondition("m", outer))
	assert.Equal(t, []string{"inner"}, promoted)
	assert.True(t, s.IsPermitOwner("m", inner))
	assert.Equal(t, 2, s.PermitCount("m"))

	snap, ok := s.Snapshot("m")
	require.True(t, ok)
	assert.Same(t, inner, snap.Holder)
	assert.Equal(t, []*Future{outer}, snap.Yielded)
	assert.Empty(t, snap.Waiting)

	reacquired := make(chan struct{})
	go func() {
		assert.NoError(t, s.Reacquire("m", outer))
		close(reacquired)
	}()

	// outer queues behind inner
	require.Eventually(t, func() bool {
		snap, _ := s.Snapshot("m")
		return len(snap.Waiting) == 1
	}, time.Second, time.Millisecond)
	select {
	case <-reacquired:
		t.Fatal("reacquire returned while inner still holds the permit")
	default:
	}

	require.NoError(t, s.Release("m", inner))
	select {
	case <-reacquired:
	case <-time.After(time.Second):
		t.Fatal("reacquire never returned")
	}
	assert.True(t, s.IsPermitOwner("m", outer))
	assert.Equal(t, 1, s.PermitCount("m"))

	require.NoError(t, s.Release("m", outer))
	assert.Equal(t, 0, s.Len())
}

func TestReacquireWhenFree(t *testing.T) {
	s := NewMutexSemaphores()
	a := bareFuture("a")

	require.True(t, s.TryAcquire("m", a, nil))
	require.NoError(t, s.YieldForBlockingCondition("m", a))
	assert.Equal(t, 1, s.PermitCount("m"))
	assert.False(t, s.IsPermitOwner("m", a))

	require.NoError(t, s.Reacquire("m", a))
	assert.True(t, s.IsPermitOwner("m", a))
	assert.ErrorIs(t, s.Reacquire("m", a), ErrNotYielded)
}

func TestWithdraw(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *MutexSemaphores, holder, other *Future)
		gone  func(holder, other *Future) *Future
		count int
	}{
		{
			name: "queued",
			setup: func(s *MutexSemaphores, holder, other *Future) {
				s.TryAcquire("m", holder, nil)
				s.TryAcquire("m", other, nil)
			},
			gone:  func(_, other *Future) *Future { return other },
			count: 1,
		},
		{
			name: "yielded",
			setup: func(s *MutexSemaphores, holder, other *Future) {
				s.TryAcquire("m", holder, nil)
				s.TryAcquire("m", other, func() {})
				_ = s.YieldForBlockingCondition("m", holder)
			},
			gone:  func(holder, _ *Future) *Future { return holder },
			count: 1,
		},
		{
			name: "holder",
			setup: func(s *MutexSemaphores, holder, other *Future) {
				s.TryAcquire("m", holder, nil)
				s.TryAcquire("m", other, func() {})
			},
			gone:  func(holder, _ *Future) *Future { return holder },
			count: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMutexSemaphores()
			holder, other := bareFuture("holder"), bareFuture("other")
			tt.setup(s, holder, other)

			target := tt.gone(holder, other)
			assert.True(t, s.Withdraw("m", target))
			assert.False(t, s.Withdraw("m", target), "second withdraw finds nothing")
			assert.Equal(t, tt.count, s.PermitCount("m"))

			snap, ok := s.Snapshot("m")
			require.True(t, ok)
			assert.NotSame(t, target, snap.Holder)
			assert.NotNil(t, snap.Holder, "the remaining competitor holds the permit")
		})
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	s := NewMutexSemaphores()

	var wg sync.WaitGroup
	var inside, maxInside int
	var mu sync.Mutex
	enter := func() {
		mu.Lock()
		inside++
		if inside > maxInside {
			maxInside = inside
		}
		mu.Unlock()
	}
	leave := func() {
		mu.Lock()
		inside--
		mu.Unlock()
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := &Future{}
			granted := make(chan struct{})
			if !s.TryAcquire("shared", f, func() { close(granted) }) {
				<-granted
			}
			enter()
			time.Sleep(100 * time.Microsecond)
			leave()
			assert.NoError(t, s.Release("shared", f))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 0, s.Len())
}

package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

func newManager(t *testing.T) *jobmanager.JobManager {
	t.Helper()
	m := jobmanager.New(jobmanager.WithCoreWorkers(2))
	t.Cleanup(func() {
		m.Shutdown()
		m.AwaitTermination(5 * time.Second)
	})
	return m
}

func TestNewManager(t *testing.T) {
	manager := NewManager("dump.json")
	assert.Equal(t, "dump.json", manager.GetPath())
}

func TestCaptureWriteAndLoad(t *testing.T) {
	m := newManager(t)
	gate := make(chan struct{})
	defer close(gate)

	hold := func(ctx context.Context) (any, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil, nil
	}
	holder, err := m.Schedule(context.Background(), hold, jobmanager.NewInput().WithName("holder").WithMutex("tenant-1"))
	require.NoError(t, err)
	waiter, err := m.Schedule(context.Background(), hold, jobmanager.NewInput().WithName("waiter").WithMutex("tenant-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return waiter.State() == types.StateWaitingForPermit }, 5*time.Second, 5*time.Millisecond)

	dump := Capture(m)
	assert.Equal(t, SchemaVersion, dump.SchemaVer)
	assert.False(t, dump.Shutdown)
	require.Len(t, dump.Futures, 2)
	assert.ElementsMatch(t, []string{"holder", "waiter"}, []string{dump.Futures[0].Name, dump.Futures[1].Name})
	require.Len(t, dump.Mutexes, 1)
	assert.Equal(t, holder.ID(), dump.Mutexes[0].Holder)
	assert.Equal(t, []string{waiter.ID()}, dump.Mutexes[0].Waiting)

	manager := NewManager(filepath.Join(t.TempDir(), "dump.json"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(dump))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, dump, loaded)

	_, err = os.Stat(manager.GetPath() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewManager(filepath.Join(dir, "missing.json")).Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	corrupted := filepath.Join(dir, "corrupted.json")
	require.NoError(t, os.WriteFile(corrupted, []byte("{not json"), 0644))
	_, err = NewManager(corrupted).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)

	future := filepath.Join(dir, "future.json")
	raw, err := json.Marshal(types.StateDump{SchemaVer: 99})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(future, raw, 0644))
	_, err = NewManager(future).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "no-such-dir", "dump.json"))
	err := manager.Write(types.StateDump{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write temp snapshot")
}

func TestScheduleRefreshesDump(t *testing.T) {
	m := newManager(t)
	manager := NewManager(filepath.Join(t.TempDir(), "dump.json"))

	f, err := manager.Schedule(context.Background(), m, 10*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.Rounds() >= 3 }, 5*time.Second, 5*time.Millisecond)
	dump, err := manager.Load()
	require.NoError(t, err)

	names := make([]string, 0, len(dump.Futures))
	for _, info := range dump.Futures {
		names = append(names, info.Name)
	}
	assert.Contains(t, names, "state-dump", "the dump job sees itself")

	m.Shutdown()
	require.True(t, f.AwaitDone(5*time.Second))
	assert.True(t, f.IsCancelled())
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "dump.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(types.StateDump{TakenAt: int64(i)}))
		}(i)
	}
	wg.Wait()

	_, err := manager.Load()
	assert.NoError(t, err, "the last write wins intact")
}

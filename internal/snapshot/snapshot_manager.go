package snapshot

// ============================================================================
// Responsibilities:
// 1. Capture a point-in-time picture of a job manager (futures and permits)
// 2. Write it as JSON with atomic replace (temp file + rename)
// 3. Load it back for offline inspection, checking the schema version
// 4. Refresh it periodically through a fixed-rate job on the manager itself
//
// Dumps are diagnostics only; nothing is ever re-scheduled from them.
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// SchemaVersion of the dump file format.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// Manager writes and reads state dumps at one path.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Capture takes a dump of m.
func Capture(m *jobmanager.JobManager) types.StateDump {
	futures := m.Futures(nil)
	dump := types.StateDump{
		SchemaVer: SchemaVersion,
		TakenAt:   time.Now().UnixMilli(),
		Shutdown:  m.IsShutdown(),
		Futures:   make([]types.FutureInfo, 0, len(futures)),
		Mutexes:   m.MutexSemaphores().Infos(),
	}
	for _, f := range futures {
		dump.Futures = append(dump.Futures, f.Info())
	}
	return dump
}

// Write replaces the dump file atomically.
func (s *Manager) Write(data types.StateDump) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data.SchemaVer = SchemaVersion

	// Indented for reading by hand
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the dump file.
func (s *Manager) Load() (types.StateDump, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data types.StateDump
	jsonBytes, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, s.path)
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	return data, nil
}

// Exists reports whether the dump file exists.
func (s *Manager) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// GetPath returns the dump file path.
func (s *Manager) GetPath() string {
	return s.path
}

// Schedule refreshes the dump of m every interval on m's own pool. The job
// stops when m shuts down; failures to write are logged by the manager and
// end the job.
func (s *Manager) Schedule(ctx context.Context, m *jobmanager.JobManager, interval time.Duration) (*jobmanager.Future, error) {
	return m.ScheduleAtFixedRate(ctx, func(ctx context.Context) (any, error) {
		return nil, s.Write(Capture(m))
	}, 0, interval, jobmanager.NewInput().WithName("state-dump").WithExecutionHint("system"))
}

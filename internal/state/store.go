// Package state is the durable checkpoint store for a workspace. Everything
// the orchestrator needs to survive a crash lives here as plain JSON files:
// the Run document (queue progress), the workflow snapshot (lifecycle state),
// per-category event logs, and the stage checkpoint audit trail. Writes are
// whole-document rewrites via temp-file rename; there is at most one writer
// per workspace so no further locking discipline is needed.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/calder-ross/foreman/internal/procutil"
	"github.com/calder-ross/foreman/internal/queue"
	"github.com/calder-ross/foreman/internal/workflow"
)

// StaleAfter is the heartbeat age beyond which a running or paused run is
// reported as stale by status readers.
const StaleAfter = 30 * time.Second

var ErrNoRun = errors.New("no run recorded in this workspace")

// Run is the Loop-State document: one per workspace, superseded on each run
// start, rewritten atomically after every mutation.
type Run struct {
	RunID    string `json:"run_id"`
	Goal     string `json:"goal,omitempty"`
	MaxItems int    `json:"max_items"`

	PID          int    `json:"pid"`
	PIDStartTime uint64 `json:"pid_start_time,omitempty"`

	State       workflow.State `json:"state"`
	ActiveItem  string         `json:"active_item,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	HeartbeatAt time.Time      `json:"heartbeat_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	Items  []*queue.Item `json:"items"`
	Cycles [][]string    `json:"cycles,omitempty"`
}

// Stale reports whether a nominally active run should be distrusted: its
// heartbeat is old, or the recorded runner process is gone. A recorded
// process start time additionally guards against pid reuse.
func (r *Run) Stale(now time.Time) bool {
	if !r.State.Active() {
		return false
	}
	if now.Sub(r.HeartbeatAt) > StaleAfter {
		return true
	}
	if r.PID > 0 && !procutil.Alive(r.PID) {
		return true
	}
	if r.PID > 0 && r.PIDStartTime > 0 {
		if st, err := procutil.StartTime(r.PID); err == nil && st != r.PIDStartTime {
			return true
		}
	}
	return false
}

// StageCheckpoint is one entry in a run's stage audit trail. The trail is
// diagnostic only; resume decisions read the item's step flags instead.
type StageCheckpoint struct {
	ItemRef   string     `json:"item_ref"`
	Stage     string     `json:"stage"`
	Agent     string     `json:"agent,omitempty"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Manifest summarizes the current run for external consumers that do not
// want to parse the full Run document.
type Manifest struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	StateDir  string    `json:"state_dir"`
	StartedAt time.Time `json:"started_at"`
	Goal      string    `json:"goal,omitempty"`
}

type Store struct {
	dir string
	mu  sync.Mutex
}

// Open prepares the workspace state directory, creating the layout if
// missing.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"", "workflow", "events", "stages"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("state: init %s: %w", dir, err)
		}
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) runPath() string { return filepath.Join(s.dir, "loop_state.json") }

func (s *Store) workflowPath(runID string) string {
	return filepath.Join(s.dir, "workflow", sanitizeName(runID)+".json")
}

func (s *Store) stagesPath(runID string) string {
	return filepath.Join(s.dir, "stages", sanitizeName(runID)+".json")
}

// SaveRun rewrites the Loop-State document atomically.
func (s *Store) SaveRun(r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.UpdatedAt = time.Now().UTC()
	return writeJSONAtomic(s.runPath(), r)
}

// LoadRun returns the workspace's Run document, or ErrNoRun.
func (s *Store) LoadRun() (*Run, error) {
	var r Run
	if err := readJSON(s.runPath(), &r); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoRun
		}
		return nil, err
	}
	return &r, nil
}

// SaveWorkflow persists a lifecycle snapshot keyed by run id.
func (s *Store) SaveWorkflow(snap workflow.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.workflowPath(snap.Context.RunID), snap)
}

func (s *Store) LoadWorkflow(runID string) (workflow.Snapshot, error) {
	var snap workflow.Snapshot
	if err := readJSON(s.workflowPath(runID), &snap); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return workflow.Snapshot{}, ErrNoRun
		}
		return workflow.Snapshot{}, err
	}
	return snap, nil
}

// AppendStage adds one checkpoint to the run's stage audit trail.
func (s *Store) AppendStage(runID string, cp StageCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var trail []StageCheckpoint
	if err := readJSON(s.stagesPath(runID), &trail); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	trail = append(trail, cp)
	return writeJSONAtomic(s.stagesPath(runID), trail)
}

func (s *Store) LoadStages(runID string) ([]StageCheckpoint, error) {
	var trail []StageCheckpoint
	if err := readJSON(s.stagesPath(runID), &trail); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return trail, nil
}

func (s *Store) SaveManifest(m Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(filepath.Join(s.dir, "manifest.json"), m)
}

func (s *Store) LoadManifest() (Manifest, error) {
	var m Manifest
	if err := readJSON(filepath.Join(s.dir, "manifest.json"), &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, ErrNoRun
		}
		return Manifest{}, err
	}
	return m, nil
}

// WritePIDFile records the runner pid for detached runs.
func (s *Store) WritePIDFile(pid int) error {
	return os.WriteFile(filepath.Join(s.dir, "run.pid"), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (s *Store) ReadPIDFile() (int, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, "run.pid"))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("state: malformed run.pid")
	}
	return pid, nil
}

func (s *Store) RemovePIDFile() {
	_ = os.Remove(filepath.Join(s.dir, "run.pid"))
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal %s: %w", filepath.Base(path), err)
	}
	b = append(b, '\n')
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("state: decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// sanitizeName keeps run-id-derived file names path-safe.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

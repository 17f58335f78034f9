package loop

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/calder-ross/foreman/internal/state"
	"github.com/calder-ross/foreman/internal/workflow"
)

// controlDoc is the on-disk control channel between CLI processes and a
// detached runner. The runner polls it at stage boundaries.
type controlDoc struct {
	Cancel bool `json:"cancel"`
	Pause  bool `json:"pause"`
}

func controlPath(dir string) string { return filepath.Join(dir, "control.json") }

func readControl(dir string) controlDoc {
	var doc controlDoc
	b, err := os.ReadFile(controlPath(dir))
	if err != nil {
		return doc
	}
	_ = json.Unmarshal(b, &doc)
	return doc
}

func writeControl(dir string, doc controlDoc) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(controlPath(dir), b, 0o644)
}

// controller implements pipeline.Control over an in-memory flag pair plus
// the on-disk control document, so cancel/pause reach both in-process and
// detached runners.
type controller struct {
	dir    string
	cancel atomic.Bool
	pause  atomic.Bool
}

func (c *controller) CancelRequested() bool {
	if c.cancel.Load() {
		return true
	}
	if readControl(c.dir).Cancel {
		c.cancel.Store(true)
		return true
	}
	return false
}

func (c *controller) PauseRequested() bool {
	if c.cancel.Load() {
		return false
	}
	doc := readControl(c.dir)
	if doc.Cancel {
		return false
	}
	if doc.Pause {
		return true
	}
	return c.pause.Load()
}

var ErrNoActiveRun = errors.New("no active run")

// Cancel requests cooperative cancellation of the workspace's active run.
// When the owning process is gone, the run is marked cancelled directly
// from on-disk state.
func (m *Manager) Cancel(runID string) error {
	run, err := m.matchActive(runID)
	if err != nil {
		return err
	}
	if run.Stale(time.Now().UTC()) {
		return m.finalizeOrphan(run, workflow.EventCancelled, "")
	}
	if c := m.activeController(); c != nil {
		c.cancel.Store(true)
	}
	doc := readControl(m.store.Dir())
	doc.Cancel = true
	return writeControl(m.store.Dir(), doc)
}

// Pause requests a boundary pause of the active run.
func (m *Manager) Pause(runID string) error {
	run, err := m.matchActive(runID)
	if err != nil {
		return err
	}
	if run.Stale(time.Now().UTC()) {
		return m.finalizeOrphan(run, workflow.EventFail, "runner process died")
	}
	if c := m.activeController(); c != nil {
		c.pause.Store(true)
	}
	doc := readControl(m.store.Dir())
	doc.Pause = true
	return writeControl(m.store.Dir(), doc)
}

// Resume lifts a pause.
func (m *Manager) Resume(runID string) error {
	run, err := m.matchActive(runID)
	if err != nil {
		return err
	}
	if run.Stale(time.Now().UTC()) {
		return m.finalizeOrphan(run, workflow.EventFail, "runner process died")
	}
	if c := m.activeController(); c != nil {
		c.pause.Store(false)
	}
	doc := readControl(m.store.Dir())
	doc.Pause = false
	return writeControl(m.store.Dir(), doc)
}

// matchActive loads the workspace run and checks it is active and, when a
// run id is given, that it matches.
func (m *Manager) matchActive(runID string) (*state.Run, error) {
	run, err := m.store.LoadRun()
	if err != nil {
		if errors.Is(err, state.ErrNoRun) {
			return nil, ErrNoActiveRun
		}
		return nil, err
	}
	if runID != "" && run.RunID != runID {
		return nil, fmt.Errorf("run %s not found (workspace run is %s)", runID, run.RunID)
	}
	if !run.State.Active() {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNoActiveRun, run.RunID, run.State)
	}
	return run, nil
}

// finalizeOrphan marks a run terminal purely from on-disk state after its
// owning process disappeared.
func (m *Manager) finalizeOrphan(run *state.Run, ev workflow.Event, errMsg string) error {
	snap, err := m.store.LoadWorkflow(run.RunID)
	if err != nil {
		snap = workflow.Snapshot{State: run.State, Context: workflow.Context{RunID: run.RunID}}
	}
	mach := workflow.Restore(snap)
	if ev == workflow.EventCancelled {
		mach.Apply(workflow.EventCancel, workflow.Update{})
	}
	mach.Apply(ev, workflow.Update{Error: errMsg})
	now := time.Now().UTC()
	if err := m.store.SaveWorkflow(mach.Snapshot(now)); err != nil {
		return err
	}
	run.State = mach.State()
	run.Error = errMsg
	if err := m.store.SaveRun(run); err != nil {
		return err
	}
	return m.store.AppendEvent("run", map[string]any{
		"event":  "run_finalized_orphan",
		"run_id": run.RunID,
		"state":  string(mach.State()),
	})
}

// StatusReport answers the external status query from persisted state.
type StatusReport struct {
	RunID          string          `json:"runId"`
	RunStatus      workflow.State  `json:"runStatus"`
	IsStale        bool            `json:"isStale"`
	Counts         map[string]int  `json:"counts"`
	CurrentStage   string          `json:"currentStage,omitempty"`
	ActiveAgent    string          `json:"activeAgent,omitempty"`
	HeartbeatAgeMS int64           `json:"heartbeatAgeMs"`
	ActiveItem     string          `json:"activeItem,omitempty"`
	Error          string          `json:"error,omitempty"`
	Queue          []StatusItem    `json:"issueQueue"`
}

type StatusItem struct {
	Ref    string `json:"ref"`
	Title  string `json:"title"`
	Status string `json:"status"`
	Branch string `json:"branch,omitempty"`
	PRURL  string `json:"prUrl,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Status reads the persisted run and reclassifies nominally active state as
// stale when the heartbeat or runner process is gone.
func (m *Manager) Status(runID string) (StatusReport, error) {
	run, err := m.store.LoadRun()
	if err != nil {
		if errors.Is(err, state.ErrNoRun) {
			return StatusReport{}, ErrNoActiveRun
		}
		return StatusReport{}, err
	}
	if runID != "" && run.RunID != runID {
		return StatusReport{}, fmt.Errorf("run %s not found (workspace run is %s)", runID, run.RunID)
	}

	now := time.Now().UTC()
	rep := StatusReport{
		RunID:          run.RunID,
		RunStatus:      run.State,
		ActiveItem:     run.ActiveItem,
		Error:          run.Error,
		HeartbeatAgeMS: now.Sub(run.HeartbeatAt).Milliseconds(),
	}
	if run.Stale(now) {
		rep.IsStale = true
		rep.RunStatus = workflow.StateStale
	}
	if snap, err := m.store.LoadWorkflow(run.RunID); err == nil {
		rep.CurrentStage = snap.Context.CurrentStage
		rep.ActiveAgent = snap.Context.ActiveAgent
	}
	counts := map[string]int{}
	for _, it := range run.Items {
		counts[string(it.Status)]++
		rep.Queue = append(rep.Queue, StatusItem{
			Ref:    it.Ref(),
			Title:  it.Title,
			Status: string(it.Status),
			Branch: it.Branch,
			PRURL:  it.PRURL,
			Error:  it.Error,
		})
	}
	counts["total"] = len(run.Items)
	rep.Counts = counts
	return rep, nil
}

// Events pages through a run category's event log.
func (m *Manager) Events(category string, afterSeq, limit int) (state.EventPage, error) {
	return m.store.ReadEvents(category, afterSeq, limit)
}

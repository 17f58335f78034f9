// Package loop is the composition root: it builds the dependency-ordered
// queue once, then drives each item through the stage pipeline, applying the
// dependency-aware skip policy on failures and checkpointing after every
// transition.
package loop

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/calder-ross/foreman/internal/config"
	"github.com/calder-ross/foreman/internal/pipeline"
	"github.com/calder-ross/foreman/internal/procutil"
	"github.com/calder-ross/foreman/internal/queue"
	"github.com/calder-ross/foreman/internal/state"
	"github.com/calder-ross/foreman/internal/workflow"
)

// Options parameterize one run.
type Options struct {
	Goal     string
	Items    []*queue.Item
	MaxItems int
	// Filters restrict items to matching repoPath globs; empty means the
	// config defaults, or everything.
	Filters []string
}

type Manager struct {
	store *state.Store
	cfg   *config.Config

	backend pipeline.Backend
	hygiene pipeline.HygieneChecker

	mu     sync.Mutex
	active *activeRun
}

type activeRun struct {
	run     *state.Run
	machine *workflow.Machine
	ctl     *controller
	// runMu guards the run document, the machine, and every item field;
	// the heartbeat goroutine marshals the items while the queue goroutine
	// mutates them.
	runMu sync.Mutex

	persistFails atomic.Int32
}

// maxPersistFailures is how many consecutive failed checkpoint writes the
// run tolerates before aborting. Past this, crash resume is already void.
const maxPersistFailures = 3

func NewManager(store *state.Store, cfg *config.Config, backend pipeline.Backend, hygiene pipeline.HygieneChecker) *Manager {
	return &Manager{store: store, cfg: cfg, backend: backend, hygiene: hygiene}
}

func (m *Manager) activeController() *controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.ctl
}

// NewRunID mints a "run_" prefixed ULID.
func NewRunID() string {
	return "run_" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.New(rand.NewSource(time.Now().UnixNano()))).String()
}

// Run executes a whole batch to completion and returns the final run
// document. It blocks; detachment is the caller's concern.
func (m *Manager) Run(ctx context.Context, opts Options) (*state.Run, error) {
	if opts.MaxItems <= 0 {
		return nil, fmt.Errorf("maxItems must be a positive integer, got %d", opts.MaxItems)
	}
	if err := m.guardSingleRun(); err != nil {
		return nil, err
	}

	items, err := m.buildQueue(opts)
	if err != nil {
		return nil, err
	}
	ord := queue.Sort(items)

	runID := NewRunID()
	now := time.Now().UTC()
	pid := os.Getpid()
	run := &state.Run{
		RunID:       runID,
		Goal:        opts.Goal,
		MaxItems:    opts.MaxItems,
		PID:         pid,
		State:       workflow.StateRunning,
		StartedAt:   now,
		HeartbeatAt: now,
		Items:       ord.Items,
		Cycles:      ord.Cycles,
	}
	if st, err := procutil.StartTime(pid); err == nil {
		run.PIDStartTime = st
	}

	machine := workflow.NewMachine(runID, opts.Goal)
	machine.Apply(workflow.EventStart, workflow.Update{At: now})

	m.event("run", map[string]any{
		"event":  "run_started",
		"run_id": runID,
		"items":  len(ord.Items),
		"cycles": len(ord.Cycles),
	})
	for _, cyc := range ord.Cycles {
		m.event("run", map[string]any{
			"event":   "dependency_cycle",
			"run_id":  runID,
			"members": cyc,
		})
	}
	return m.execute(ctx, &activeRun{run: run, machine: machine, ctl: &controller{dir: m.store.Dir()}})
}

// ResumeRun picks up the workspace's interrupted run after a crash: items
// already terminal stay decided, the active item restarts at its first
// incomplete stage.
func (m *Manager) ResumeRun(ctx context.Context) (*state.Run, error) {
	run, err := m.store.LoadRun()
	if err != nil {
		if errors.Is(err, state.ErrNoRun) {
			return nil, ErrNoActiveRun
		}
		return nil, err
	}
	if run.State.Terminal() {
		return nil, fmt.Errorf("run %s already finished (%s)", run.RunID, run.State)
	}
	if !run.Stale(time.Now().UTC()) {
		return nil, fmt.Errorf("run %s is still owned by pid %d", run.RunID, run.PID)
	}

	pid := os.Getpid()
	run.PID = pid
	run.PIDStartTime = 0
	if st, err := procutil.StartTime(pid); err == nil {
		run.PIDStartTime = st
	}
	run.State = workflow.StateRunning
	run.Error = ""

	ctl := &controller{dir: m.store.Dir()}
	var machine *workflow.Machine
	if snap, err := m.store.LoadWorkflow(run.RunID); err == nil && snap.State.Active() {
		machine = workflow.Restore(snap)
		if snap.State == workflow.StateCancelling {
			// The previous owner died mid-cancel. Finish the cancellation
			// instead of re-entering the queue.
			ctl.cancel.Store(true)
		} else {
			machine.Apply(workflow.EventResume, workflow.Update{})
		}
	} else {
		machine = workflow.NewMachine(run.RunID, run.Goal)
		machine.Apply(workflow.EventStart, workflow.Update{})
	}
	machine.Apply(workflow.EventSync, workflow.Update{At: time.Now().UTC()})

	m.event("run", map[string]any{"event": "run_resumed", "run_id": run.RunID, "pid": pid})
	return m.execute(ctx, &activeRun{run: run, machine: machine, ctl: ctl})
}

// execute owns a registered run from first checkpoint to terminal state.
func (m *Manager) execute(ctx context.Context, ar *activeRun) (*state.Run, error) {
	m.mu.Lock()
	m.active = ar
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.active = nil
		m.mu.Unlock()
	}()

	// A previous run's leftover control requests must not cancel this one.
	_ = writeControl(m.store.Dir(), controlDoc{})

	if err := m.persist(ar); err != nil {
		return nil, err
	}
	if err := m.store.SaveManifest(state.Manifest{
		RunID:     ar.run.RunID,
		PID:       ar.run.PID,
		StateDir:  m.store.Dir(),
		StartedAt: ar.run.StartedAt,
		Goal:      ar.run.Goal,
	}); err != nil {
		return nil, err
	}

	hbStop := make(chan struct{})
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go m.heartbeat(ar, hbStop, &hbDone)

	finalErr := m.runQueue(ctx, ar)

	close(hbStop)
	hbDone.Wait()
	m.finalize(ar, finalErr)
	return ar.run, nil
}

func (m *Manager) guardSingleRun() error {
	prev, err := m.store.LoadRun()
	if err != nil {
		if errors.Is(err, state.ErrNoRun) {
			return nil
		}
		return err
	}
	if !prev.State.Active() {
		return nil
	}
	if !prev.Stale(time.Now().UTC()) {
		return fmt.Errorf("run %s is already %s in this workspace", prev.RunID, prev.State)
	}
	// The previous owner is gone: supersede it.
	if err := m.finalizeOrphan(prev, workflow.EventFail, "superseded by a new run after going stale"); err != nil {
		return err
	}
	return nil
}

func (m *Manager) buildQueue(opts Options) ([]*queue.Item, error) {
	items := opts.Items
	globs := opts.Filters
	if len(globs) == 0 {
		globs = m.cfg.Filters.RepoGlobs
	}
	if len(globs) > 0 {
		filtered := make([]*queue.Item, 0, len(items))
		for _, it := range items {
			if matchGlobs(globs, it.RepoPath) {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	if len(items) > opts.MaxItems {
		items = items[:opts.MaxItems]
	}
	// Zero eligible items is a valid empty run, which completes immediately.
	queue.NormalizeDependencies(items)
	return items, nil
}

func matchGlobs(globs []string, repoPath string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, repoPath); err == nil && ok {
			return true
		}
	}
	return false
}

// runQueue iterates the ordered items. Its error is only ever
// ErrRunCancelled; item-level failures are recorded on the items.
func (m *Manager) runQueue(ctx context.Context, ar *activeRun) error {
	ex := &pipeline.Executor{
		Backend:    m.backend,
		Hygiene:    m.hygiene,
		Control:    ar.ctl,
		PauseCheck: m.cfg.PauseCheckInterval(),
		Hooks: pipeline.Hooks{
			SetStage: func(stage pipeline.Stage, agent string) {
				ar.runMu.Lock()
				ar.machine.Apply(workflow.EventStage, workflow.Update{Stage: string(stage), Agent: agent})
				ar.runMu.Unlock()
				m.checkpoint(ar)
				m.event("stage", map[string]any{
					"event": "stage_started",
					"item":  ar.run.ActiveItem,
					"stage": string(stage),
					"agent": agent,
				})
			},
			ClearStage: func() {
				ar.runMu.Lock()
				ar.machine.Apply(workflow.EventStage, workflow.Update{})
				ar.runMu.Unlock()
				m.checkpoint(ar)
			},
			CommitStage: func(item *queue.Item, stage pipeline.Stage, res pipeline.StageResult) {
				ar.runMu.Lock()
				pipeline.ApplyResult(item, stage, res)
				ar.runMu.Unlock()
				m.checkpoint(ar)
			},
			PauseChanged: func(paused bool) {
				ev := workflow.EventResume
				if paused {
					ev = workflow.EventPause
				}
				ar.runMu.Lock()
				ar.machine.Apply(ev, workflow.Update{At: time.Now().UTC()})
				ar.runMu.Unlock()
				m.checkpoint(ar)
			},
			StageEnded: func(item *queue.Item, stage pipeline.Stage, started, ended time.Time, runErr error) {
				status := "completed"
				msg := ""
				if runErr != nil {
					status = "failed"
					msg = runErr.Error()
				}
				_ = m.store.AppendStage(ar.run.RunID, state.StageCheckpoint{
					ItemRef:   item.Ref(),
					Stage:     string(stage),
					Agent:     string(stage),
					Status:    status,
					Error:     msg,
					StartedAt: started,
					EndedAt:   &ended,
				})
				m.event("stage", map[string]any{
					"event":       "stage_finished",
					"item":        item.Ref(),
					"stage":       string(stage),
					"status":      status,
					"duration_ms": ended.Sub(started).Milliseconds(),
				})
			},
			Progress: func(event string, fields map[string]any) {
				f := map[string]any{"event": event}
				for k, v := range fields {
					f[k] = v
				}
				m.event("run", f)
			},
		},
	}

	infraAbort := false
	var infraSource string
	for _, item := range ar.run.Items {
		if n := ar.persistFails.Load(); n >= maxPersistFailures {
			return fmt.Errorf("checkpoint store failing: %d consecutive write failures", n)
		}
		if item.Status.Terminal() {
			continue // resume: already decided in a previous process
		}
		if infraAbort {
			m.skipItem(ar, item, fmt.Sprintf("test infrastructure broken (first seen on %s)", infraSource))
			continue
		}
		if ar.ctl.CancelRequested() {
			// Cancel before the item starts leaves it pending.
			return pipeline.ErrRunCancelled
		}
		if skip, reason := m.evaluateDependencies(ar, item); skip {
			m.skipItem(ar, item, reason)
			continue
		}

		m.startItem(ar, item)
		err := ex.RunItem(ctx, item)
		switch {
		case err == nil:
			m.completeItem(ar, item)
		case errors.Is(err, pipeline.ErrRunCancelled):
			m.skipItem(ar, item, "run cancelled")
			return pipeline.ErrRunCancelled
		case pipeline.IsInfra(err):
			m.failItem(ar, item, err)
			infraAbort = true
			infraSource = item.Ref()
		default:
			m.failItem(ar, item, err)
		}
	}
	if infraAbort {
		return fmt.Errorf("test infrastructure failure on %s aborted the run", infraSource)
	}
	return nil
}

// evaluateDependencies applies the skip/continue policy: skip when every
// in-batch dependency failed, stack on a successful dependency's branch
// otherwise. A still-pending dependency here means queue ordering was
// violated upstream.
func (m *Manager) evaluateDependencies(ar *activeRun, item *queue.Item) (skip bool, reason string) {
	var failed, blockedPending []string
	var base string
	inBatch := 0
	for _, dep := range item.DependsOn {
		depItem, ok := queue.Find(ar.run.Items, dep)
		if !ok {
			continue // outside the batch: treated as already resolved
		}
		inBatch++
		switch depItem.Status {
		case queue.StatusFailed, queue.StatusSkipped:
			failed = append(failed, dep)
		case queue.StatusCompleted:
			// First completed dependency with a branch wins, in normalized
			// dependsOn order.
			if base == "" && depItem.Branch != "" {
				base = depItem.Branch
			}
		default:
			blockedPending = append(blockedPending, dep)
		}
	}
	if inBatch == 0 {
		return false, ""
	}
	if len(blockedPending) > 0 {
		return true, fmt.Sprintf("dependency %s has not completed (queue ordering violated)", blockedPending[0])
	}
	if len(failed) == inBatch {
		return true, "dependencies failed: " + strings.Join(failed, ", ")
	}
	if base != "" {
		ar.runMu.Lock()
		item.BaseBranch = base
		ar.runMu.Unlock()
		m.event("run", map[string]any{
			"event":  "stacked_base_selected",
			"item":   item.Ref(),
			"base":   base,
			"failed": failed,
		})
	}
	return false, ""
}

func (m *Manager) startItem(ar *activeRun, item *queue.Item) {
	now := time.Now().UTC()
	ar.runMu.Lock()
	item.Status = queue.StatusInProgress
	item.StartedAt = &now
	ar.run.ActiveItem = item.Ref()
	ar.runMu.Unlock()
	m.checkpoint(ar)
	m.event("run", map[string]any{"event": "item_started", "item": item.Ref(), "title": item.Title})
}

func (m *Manager) completeItem(ar *activeRun, item *queue.Item) {
	now := time.Now().UTC()
	ar.runMu.Lock()
	item.Status = queue.StatusCompleted
	item.CompletedAt = &now
	item.Error = ""
	ar.run.ActiveItem = ""
	ar.runMu.Unlock()
	m.checkpoint(ar)
	m.event("run", map[string]any{
		"event":  "item_completed",
		"item":   item.Ref(),
		"branch": item.Branch,
		"pr_url": item.PRURL,
	})
}

func (m *Manager) failItem(ar *activeRun, item *queue.Item, err error) {
	now := time.Now().UTC()
	ar.runMu.Lock()
	item.Status = queue.StatusFailed
	item.CompletedAt = &now
	item.Error = err.Error()
	ar.run.ActiveItem = ""
	ar.runMu.Unlock()
	m.checkpoint(ar)
	m.event("run", map[string]any{
		"event": "item_failed",
		"item":  item.Ref(),
		"class": pipeline.FailureClass(err),
		"error": err.Error(),
	})
}

func (m *Manager) skipItem(ar *activeRun, item *queue.Item, reason string) {
	now := time.Now().UTC()
	ar.runMu.Lock()
	item.Status = queue.StatusSkipped
	item.CompletedAt = &now
	item.Error = reason
	if ar.run.ActiveItem == item.Ref() {
		ar.run.ActiveItem = ""
	}
	ar.runMu.Unlock()
	m.checkpoint(ar)
	m.event("run", map[string]any{"event": "item_skipped", "item": item.Ref(), "reason": reason})
}

func (m *Manager) finalize(ar *activeRun, runErr error) {
	now := time.Now().UTC()
	ar.runMu.Lock()
	switch {
	case runErr == nil && ar.machine.State() == workflow.StateCancelling:
		// A cancel observed before this process took over wins even when
		// the queue drained without hitting a boundary check.
		ar.machine.Apply(workflow.EventCancelled, workflow.Update{At: now})
	case runErr == nil:
		ar.machine.Apply(workflow.EventComplete, workflow.Update{At: now})
	case errors.Is(runErr, pipeline.ErrRunCancelled):
		ar.machine.Apply(workflow.EventCancel, workflow.Update{At: now})
		ar.machine.Apply(workflow.EventCancelled, workflow.Update{At: now})
	default:
		ar.machine.Apply(workflow.EventFail, workflow.Update{At: now, Error: runErr.Error()})
	}
	ar.run.State = ar.machine.State()
	ar.run.ActiveItem = ""
	if runErr != nil && !errors.Is(runErr, pipeline.ErrRunCancelled) {
		ar.run.Error = runErr.Error()
	}
	counts := queue.CountByStatus(ar.run.Items)
	ar.runMu.Unlock()
	m.checkpoint(ar)
	m.event("run", map[string]any{
		"event":   "run_finished",
		"run_id":  ar.run.RunID,
		"state":   string(ar.run.State),
		"summary": counts.String(),
	})
}

// checkpoint persists best effort: one failed write must not kill the run,
// but a store that keeps failing voids crash resume, so runQueue aborts
// after maxPersistFailures consecutive failures.
func (m *Manager) checkpoint(ar *activeRun) {
	if err := m.persist(ar); err != nil {
		n := ar.persistFails.Add(1)
		m.event("run", map[string]any{
			"event":       "checkpoint_write_failed",
			"run_id":      ar.run.RunID,
			"error":       err.Error(),
			"consecutive": n,
		})
		return
	}
	ar.persistFails.Store(0)
}

// persist rewrites both checkpoint documents.
func (m *Manager) persist(ar *activeRun) error {
	ar.runMu.Lock()
	defer ar.runMu.Unlock()
	now := time.Now().UTC()
	ar.run.State = ar.machine.State()
	ar.run.HeartbeatAt = ar.machine.Context().LastHeartbeatAt
	if ar.run.HeartbeatAt.IsZero() {
		ar.run.HeartbeatAt = now
	}
	if err := m.store.SaveRun(ar.run); err != nil {
		return err
	}
	return m.store.SaveWorkflow(ar.machine.Snapshot(now))
}

// heartbeat keeps liveness observable even while a stage blocks on a
// long-running external command.
func (m *Manager) heartbeat(ar *activeRun, stop <-chan struct{}, done *sync.WaitGroup) {
	defer done.Done()
	interval := m.cfg.HeartbeatInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ar.runMu.Lock()
			ar.machine.Apply(workflow.EventHeartbeat, workflow.Update{At: time.Now().UTC()})
			ar.runMu.Unlock()
			m.checkpoint(ar)
		}
	}
}

func (m *Manager) event(category string, fields map[string]any) {
	_ = m.store.AppendEvent(category, fields)
}

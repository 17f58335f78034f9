package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/calder-ross/foreman/internal/queue"
)

// StageResult is what a backend reports for one completed stage. Artifact
// references are recorded on the item as they appear.
type StageResult struct {
	Branch string
	PRURL  string
	Output string
}

// Backend performs the actual stage work for an item.
type Backend interface {
	RunStage(ctx context.Context, stage Stage, item *queue.Item) (StageResult, error)
}

// HygieneChecker gates publishing. A failed check fails the item before any
// outward side effect.
type HygieneChecker interface {
	Check(ctx context.Context, item *queue.Item) (ok bool, findings []string, err error)
}

// Control exposes the run's cooperative cancel/pause flags, polled at stage
// boundaries only.
type Control interface {
	CancelRequested() bool
	PauseRequested() bool
}

// Hooks let the loop persist and observe stage transitions. Nil funcs are
// skipped.
type Hooks struct {
	// SetStage runs before a stage executes; ClearStage after it exits,
	// success or failure. Both are persistence points.
	SetStage   func(stage Stage, agent string)
	ClearStage func()
	// CommitStage applies a finished stage's result to the item. Callers
	// that share the item with other goroutines must take their lock here.
	// Nil means ApplyResult is called directly.
	CommitStage func(item *queue.Item, stage Stage, res StageResult)
	// StageEnded receives the audit record for every attempted stage.
	StageEnded func(item *queue.Item, stage Stage, started, ended time.Time, runErr error)
	// PauseChanged reports entering (true) and leaving (false) a pause wait
	// at a stage boundary.
	PauseChanged func(paused bool)
	// Progress receives loggable events (pause waits, hygiene findings,
	// stacked-base choices).
	Progress func(event string, fields map[string]any)
}

// ApplyResult records a completed stage on the item: artifact references
// first, then the step flag that makes the stage skippable on resume.
func ApplyResult(item *queue.Item, stage Stage, res StageResult) {
	if res.Branch != "" {
		item.Branch = res.Branch
	}
	if res.PRURL != "" {
		item.PRURL = res.PRURL
	}
	markStep(item, stage)
}

// MaxPauseWait bounds how long a paused run blocks at a stage boundary
// before being auto-cancelled.
const MaxPauseWait = 24 * time.Hour

type Executor struct {
	Backend Backend
	Hygiene HygieneChecker
	Control Control
	Hooks   Hooks

	// PauseCheck is the pause poll interval; MaxPause overrides MaxPauseWait
	// when positive. Both exist for tests.
	PauseCheck time.Duration
	MaxPause   time.Duration
}

// RunItem drives one item through every remaining stage. Completed step
// flags are skipped, which is what makes crash resume idempotent.
func (e *Executor) RunItem(ctx context.Context, item *queue.Item) error {
	for _, stage := range Order {
		if stepDone(item, stage) {
			continue
		}
		if err := e.runStage(ctx, stage, item); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runStage(ctx context.Context, stage Stage, item *queue.Item) error {
	if err := e.waitBoundary(ctx); err != nil {
		return err
	}
	if missing, ok := precondition(item, stage); !ok {
		return &PreconditionError{Stage: stage, Missing: missing}
	}

	if stage == StagePublish && e.Hygiene != nil {
		ok, findings, err := e.Hygiene.Check(ctx, item)
		if err != nil {
			return fmt.Errorf("hygiene check: %w", err)
		}
		if !ok {
			e.progress("hygiene_failed", map[string]any{
				"item":     item.Ref(),
				"findings": findings,
			})
			return fmt.Errorf("hygiene check failed: %d finding(s): %v", len(findings), findings)
		}
	}

	agent := string(stage)
	if e.Hooks.SetStage != nil {
		e.Hooks.SetStage(stage, agent)
	}
	started := time.Now().UTC()
	res, err := e.Backend.RunStage(ctx, stage, item)
	ended := time.Now().UTC()
	if e.Hooks.ClearStage != nil {
		e.Hooks.ClearStage()
	}
	if e.Hooks.StageEnded != nil {
		e.Hooks.StageEnded(item, stage, started, ended, err)
	}
	if err != nil {
		return fmt.Errorf("%s stage: %w", stage, err)
	}

	if e.Hooks.CommitStage != nil {
		e.Hooks.CommitStage(item, stage, res)
	} else {
		ApplyResult(item, stage, res)
	}
	return nil
}

// waitBoundary implements the boundary checks: cancel aborts immediately,
// pause blocks with periodic re-checks until resumed, cancelled, or the
// maximum wait elapses (auto-cancel).
func (e *Executor) waitBoundary(ctx context.Context) error {
	if e.Control == nil {
		return nil
	}
	if e.Control.CancelRequested() {
		return ErrRunCancelled
	}
	if !e.Control.PauseRequested() {
		return nil
	}

	poll := e.PauseCheck
	if poll <= 0 {
		poll = 5 * time.Second
	}
	maxWait := e.MaxPause
	if maxWait <= 0 {
		maxWait = MaxPauseWait
	}
	e.progress("pause_wait", map[string]any{"max_wait_ms": maxWait.Milliseconds()})
	if e.Hooks.PauseChanged != nil {
		e.Hooks.PauseChanged(true)
	}

	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ErrRunCancelled
		case <-ticker.C:
			if e.Control.CancelRequested() {
				return ErrRunCancelled
			}
			if !e.Control.PauseRequested() {
				if e.Hooks.PauseChanged != nil {
					e.Hooks.PauseChanged(false)
				}
				return nil
			}
			if time.Now().After(deadline) {
				e.progress("pause_timeout", map[string]any{"waited_ms": maxWait.Milliseconds()})
				return fmt.Errorf("%w after %s: %w", ErrPauseTimeout, maxWait, ErrRunCancelled)
			}
		}
	}
}

func (e *Executor) progress(event string, fields map[string]any) {
	if e.Hooks.Progress != nil {
		e.Hooks.Progress(event, fields)
	}
}

// Package pipeline drives one work item through the fixed stage sequence,
// enforcing stage preconditions and cooperative cancel/pause at stage
// boundaries.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/calder-ross/foreman/internal/queue"
)

type Stage string

const (
	StageDraft     Stage = "draft"
	StagePlan      Stage = "plan"
	StageImplement Stage = "implement"
	StageReview    Stage = "review"
	StagePublish   Stage = "publish"
)

// Order is the fixed pipeline sequence.
var Order = []Stage{StageDraft, StagePlan, StageImplement, StageReview, StagePublish}

// ErrRunCancelled surfaces a cooperative cancel observed at a stage
// boundary. The active item is skipped, not failed.
var ErrRunCancelled = errors.New("run cancelled")

// ErrPauseTimeout is wrapped into ErrRunCancelled when a pause outlives the
// maximum wait.
var ErrPauseTimeout = errors.New("pause exceeded maximum wait")

// PreconditionError means a stage was entered before its predecessor
// completed. This is an ordering bug, fatal to the item, never retried.
type PreconditionError struct {
	Stage   Stage
	Missing Stage
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("stage %s requires completed %s stage", e.Stage, e.Missing)
}
func (e *PreconditionError) Retryable() bool { return false }

// InfraError marks the target's own build/test tooling as broken. Every
// later item would fail the same way, so the loop aborts the remaining run.
type InfraError struct {
	Stage Stage
	Msg   string
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("test infrastructure failure in %s stage: %s", e.Stage, e.Msg)
}
func (e *InfraError) Retryable() bool { return false }

// IsInfra reports whether err carries an InfraError anywhere in its chain.
func IsInfra(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}

func stepDone(it *queue.Item, s Stage) bool {
	switch s {
	case StageDraft:
		return it.Steps.Draft
	case StagePlan:
		return it.Steps.Plan
	case StageImplement:
		return it.Steps.Implement
	case StageReview:
		return it.Steps.Review
	case StagePublish:
		return it.Steps.Publish
	}
	return false
}

func markStep(it *queue.Item, s Stage) {
	switch s {
	case StageDraft:
		it.Steps.Draft = true
	case StagePlan:
		it.Steps.Plan = true
	case StageImplement:
		it.Steps.Implement = true
	case StageReview:
		it.Steps.Review = true
	case StagePublish:
		it.Steps.Publish = true
	}
}

// precondition returns the latest prior stage still missing, if any.
func precondition(it *queue.Item, s Stage) (Stage, bool) {
	for i, stage := range Order {
		if stage != s {
			continue
		}
		for j := 0; j < i; j++ {
			if !stepDone(it, Order[j]) {
				return Order[j], false
			}
		}
		return "", true
	}
	return "", true
}

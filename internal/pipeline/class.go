package pipeline

import (
	"errors"

	"github.com/calder-ross/foreman/internal/retry"
	"github.com/calder-ross/foreman/internal/sandbox"
)

// Failure classes, recorded on item-failure events for operators and
// dashboards. Classification never drives control flow; typed errors do.
const (
	ClassTimeout             = "timeout"
	ClassAuth                = "auth"
	ClassStartupPrecondition = "startup_precondition"
	ClassRateLimit           = "rate_limit"
	ClassOrdering            = "ordering"
	ClassTestInfra           = "test_infra"
	ClassTaskFailure         = "task_failure"
)

// FailureClass maps an error chain to its failure class.
func FailureClass(err error) string {
	if err == nil {
		return ""
	}
	var (
		timeoutErr *sandbox.TimeoutError
		hangErr    *sandbox.HangError
		authErr    *sandbox.AuthError
		startErr   *sandbox.StartError
		precondErr *PreconditionError
	)
	switch {
	case IsInfra(err):
		return ClassTestInfra
	case errors.As(err, &timeoutErr), errors.As(err, &hangErr):
		return ClassTimeout
	case errors.As(err, &authErr):
		return ClassAuth
	case errors.As(err, &startErr):
		return ClassStartupPrecondition
	case errors.As(err, &precondErr):
		return ClassOrdering
	case retry.RateLimited(err.Error()):
		return ClassRateLimit
	default:
		return ClassTaskFailure
	}
}

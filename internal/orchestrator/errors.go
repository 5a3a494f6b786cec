package orchestrator

import (
	"errors"
	"fmt"

	"github.com/autorun-cli/autorun/internal/models"
)

var (
	// ErrNotFound wraps unknown session/step/approval/monitor ids.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized means the caller is not the recorded owner (or
	// designated approver) of the entity it tried to mutate.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyResolved means a second resolution was attempted on an
	// approval that has already left pending.
	ErrAlreadyResolved = errors.New("approval already processed")

	// ErrEmptyPlan means autorun was invoked on a plan with zero steps.
	ErrEmptyPlan = errors.New("plan has no steps")

	// ErrPlanFinished means a mutation was attempted on a session in a
	// terminal status. Only the archived flag may change after that.
	ErrPlanFinished = errors.New("plan is in a terminal status")
)

// InvalidTransitionError reports a session status change not permitted
// by the transition table. Callers must not guess a "closest" valid
// state; the requested edge is simply refused.
type InvalidTransitionError struct {
	From models.SessionStatus
	To   models.SessionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition: %s -> %s", e.From, e.To)
}

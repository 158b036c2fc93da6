package agent

import (
	"errors"
	"fmt"

	"github.com/harun/steward/pkg/identity"
)

var (
	// ErrUnauthenticated means no strategy produced a valid identity.
	ErrUnauthenticated = identity.ErrUnauthenticated
	// ErrModelTransport means the model backend stayed unreachable after retries.
	ErrModelTransport = errors.New("model transport failure")
	// ErrApprovalExpired means the pending approval timed out before the answer
	// arrived. It is never returned; Resume reports it via RunResult.ApprovalExpired.
	ErrApprovalExpired = errors.New("approval expired")
	// ErrNoPendingApproval means Resume was called on a thread with nothing to answer.
	ErrNoPendingApproval = errors.New("no pending approval")
	// ErrStepLimit is logged when the loop hits MaxSteps. The turn still
	// finishes with StepLimitText and RunResult.StepLimited; it is never returned.
	ErrStepLimit = errors.New("step limit reached")
)

// TurnError wraps a terminal failure with the thread and state it happened in.
type TurnError struct {
	ThreadID string
	State    State
	Err      error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("thread %s: %s: %v", e.ThreadID, e.State, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

func turnError(threadID string, state State, err error) error {
	var te *TurnError
	if errors.As(err, &te) {
		return err
	}
	return &TurnError{ThreadID: threadID, State: state, Err: err}
}

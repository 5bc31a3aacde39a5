package agentloop

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by Send and Continue after Close.
var ErrSessionClosed = errors.New("agentloop: session is closed")

// ErrBusy is returned when a turn is already in progress, or when Send is
// called while an interrupted turn is waiting for Continue.
var ErrBusy = errors.New("agentloop: a turn is in progress")

// ErrNoPendingTurn is returned by Continue when the session is idle and
// there is nothing to finish.
var ErrNoPendingTurn = errors.New("agentloop: no interrupted turn to continue")

// ToolRoundLimitError reports that a single turn requested more tool rounds
// than the configured cap allows. The turn is abandoned; the thread keeps
// only what was checkpointed before the cap was hit.
type ToolRoundLimitError struct {
	Limit int
}

func (e *ToolRoundLimitError) Error() string {
	return fmt.Sprintf("agentloop: tool round limit reached (%d rounds)", e.Limit)
}

// CheckpointError reports a failed checkpoint save. The append that
// triggered the save has been reverted, so the in-memory thread matches the
// last durable snapshot.
type CheckpointError struct {
	Step int
	Err  error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("agentloop: checkpoint save at step %d failed: %v", e.Step, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

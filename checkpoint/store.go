// Package checkpoint persists step-indexed snapshots of a conversation
// thread so a session can be resumed exactly where it left off.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/mwickett/ratchet/thread"
)

// ErrNotFound is returned when no checkpoint exists for the requested thread
// or step.
var ErrNotFound = errors.New("checkpoint: not found")

// Snapshot is an immutable record of a thread taken after one state machine
// transition. PendingToolCalls is a denormalized copy of the unanswered
// requests at snapshot time; on resume the authoritative list is recomputed
// from Messages.
type Snapshot struct {
	ThreadID         string                   `json:"thread_id"`
	Step             int                      `json:"step"`
	State            string                   `json:"state"`
	Messages         []thread.Message         `json:"messages"`
	PendingToolCalls []thread.ToolCallRequest `json:"pending_tool_calls,omitempty"`
	CreatedAt        time.Time                `json:"created_at"`
}

// Store durably persists snapshots. Save must be durable before it returns:
// a snapshot must be visible to Load immediately afterwards. Saving a
// (thread, step) pair that already exists appends a new revision rather than
// mutating in place; Load and LoadStep return the latest revision.
//
// A Store is constructed once per process, injected into the session, and
// closed by its owner on shutdown.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, threadID string) (Snapshot, error)
	LoadStep(ctx context.Context, threadID string, step int) (Snapshot, error)
	Steps(ctx context.Context, threadID string) ([]int, error)
	Close() error
}

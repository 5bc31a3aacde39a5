package checkpoint

import (
	"context"
	"sync"

	"github.com/mwickett/ratchet/thread"
)

// MemoryStore is an in-memory Store for tests and ephemeral sessions. It
// keeps the same append-only revision semantics as the SQLite store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Snapshot // thread id -> snapshots in save order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]Snapshot)}
}

// Save appends a copy of the snapshot.
func (s *MemoryStore) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[snap.ThreadID] = append(s.records[snap.ThreadID], copySnapshot(snap))
	return nil
}

// Load returns the snapshot with the highest step; among revisions of that
// step the latest save wins.
func (s *MemoryStore) Load(ctx context.Context, threadID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.records[threadID]
	best := -1
	for i, snap := range snaps {
		if best == -1 || snap.Step >= snaps[best].Step {
			best = i
		}
	}
	if best == -1 {
		return Snapshot{}, ErrNotFound
	}
	return copySnapshot(snaps[best]), nil
}

// LoadStep returns the latest revision of a specific step.
func (s *MemoryStore) LoadStep(ctx context.Context, threadID string, step int) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.records[threadID]
	for i := len(snaps) - 1; i >= 0; i-- {
		if snaps[i].Step == step {
			return copySnapshot(snaps[i]), nil
		}
	}
	return Snapshot{}, ErrNotFound
}

// Steps returns the distinct step numbers recorded for a thread, ascending.
func (s *MemoryStore) Steps(ctx context.Context, threadID string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int]bool)
	var steps []int
	for _, snap := range s.records[threadID] {
		if !seen[snap.Step] {
			seen[snap.Step] = true
			steps = append(steps, snap.Step)
		}
	}
	// Saves arrive in step order from a single writer, but sort anyway so the
	// contract holds for out-of-order test fixtures.
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j] < steps[j-1]; j-- {
			steps[j], steps[j-1] = steps[j-1], steps[j]
		}
	}
	return steps, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func copySnapshot(snap Snapshot) Snapshot {
	out := snap
	out.Messages = make([]thread.Message, len(snap.Messages))
	copy(out.Messages, snap.Messages)
	if snap.PendingToolCalls != nil {
		out.PendingToolCalls = make([]thread.ToolCallRequest, len(snap.PendingToolCalls))
		copy(out.PendingToolCalls, snap.PendingToolCalls)
	}
	return out
}

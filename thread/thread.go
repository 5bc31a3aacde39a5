// Package thread implements the append-only message log that backs one
// conversation: role-tagged messages, tool call pairing, and a monotonically
// increasing step counter used to key checkpoints.
package thread

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrOrphanedToolResult is returned when a tool-role message does not match a
// tool call request in the most recent assistant message.
var ErrOrphanedToolResult = errors.New("thread: tool result does not match a pending tool call")

// ErrPendingToolCalls is returned when a user or assistant message is
// appended while the latest assistant message still has unanswered tool
// calls.
var ErrPendingToolCalls = errors.New("thread: pending tool calls must be resolved first")

// Thread is one conversation's ordered message history plus step counter.
// It is mutated only by appending; the step advances by exactly one per
// append. Thread is not safe for concurrent use: the state machine is the
// single writer per session.
type Thread struct {
	id       string
	messages []Message
	step     int
}

// New creates an empty Thread. An empty id gets a generated UUID.
func New(id string) *Thread {
	if id == "" {
		id = uuid.NewString()
	}
	return &Thread{id: id}
}

// Restore rebuilds a Thread from a snapshot by replaying the appends, so a
// corrupt message sequence is rejected rather than resumed. The recorded step
// must equal the message count.
func Restore(id string, step int, messages []Message) (*Thread, error) {
	if step != len(messages) {
		return nil, fmt.Errorf("thread: step %d does not match %d messages", step, len(messages))
	}
	t := New(id)
	for i, m := range messages {
		if _, err := t.Append(m); err != nil {
			return nil, fmt.Errorf("thread: message %d: %w", i, err)
		}
	}
	return t, nil
}

// ID returns the thread identifier.
func (t *Thread) ID() string { return t.id }

// Step returns the current step counter (number of appends so far).
func (t *Thread) Step() int { return t.step }

// Len returns the number of messages.
func (t *Thread) Len() int { return len(t.messages) }

// Messages returns a copy of the message log.
func (t *Thread) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Last returns the most recent message, if any.
func (t *Thread) Last() (Message, bool) {
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// Append validates msg against the log's invariants and appends it,
// returning the new step number.
func (t *Thread) Append(msg Message) (int, error) {
	switch msg.Role {
	case RoleUser, RoleAssistant:
		if len(t.PendingToolCalls()) > 0 {
			return 0, ErrPendingToolCalls
		}
	case RoleTool:
		if err := t.matchPending(msg.ToolCallID); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("thread: unknown role %q", msg.Role)
	}
	t.messages = append(t.messages, msg)
	t.step++
	return t.step, nil
}

// RevertLast undoes the most recent append. It exists solely for the
// write-through persist path: if the checkpoint save fails, the in-memory
// log must fall back to the last durable state.
func (t *Thread) RevertLast() {
	if len(t.messages) == 0 {
		return
	}
	t.messages = t.messages[:len(t.messages)-1]
	t.step--
}

// LastAssistant returns the most recent assistant message and its index.
func (t *Thread) LastAssistant() (Message, int, bool) {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].Role == RoleAssistant {
			return t.messages[i], i, true
		}
	}
	return Message{}, 0, false
}

// PendingToolCalls returns the tool call requests of the latest assistant
// message that do not yet have a tool-role result, in request order.
func (t *Thread) PendingToolCalls() []ToolCallRequest {
	last, idx, ok := t.LastAssistant()
	if !ok || len(last.ToolCalls) == 0 {
		return nil
	}
	answered := make(map[string]bool)
	for _, m := range t.messages[idx+1:] {
		if m.Role == RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	var pending []ToolCallRequest
	for _, tc := range last.ToolCalls {
		if !answered[tc.ID] {
			pending = append(pending, tc)
		}
	}
	return pending
}

// matchPending checks that a tool result's call id names an unanswered
// request of the latest assistant message.
func (t *Thread) matchPending(toolCallID string) error {
	for _, tc := range t.PendingToolCalls() {
		if tc.ID == toolCallID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOrphanedToolResult, toolCallID)
}

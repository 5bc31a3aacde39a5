package thread

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ResultStatus discriminates successful tool results from failed ones.
type ResultStatus string

const (
	StatusOK    ResultStatus = "ok"
	StatusError ResultStatus = "error"
)

// ToolCallRequest is a model-issued request to invoke one tool. It is
// immutable once created; the ID is unique within its parent message.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of executing one ToolCallRequest.
type ToolResult struct {
	ToolCallID  string       `json:"tool_call_id"`
	Status      ResultStatus `json:"status"`
	Payload     string       `json:"payload,omitempty"`
	ErrorDetail string       `json:"error_detail,omitempty"`
}

// OKResult builds a successful ToolResult.
func OKResult(toolCallID, payload string) ToolResult {
	return ToolResult{ToolCallID: toolCallID, Status: StatusOK, Payload: payload}
}

// ErrorResult builds a failed ToolResult. The detail is what the model sees,
// so it should name the tool and the failure.
func ErrorResult(toolCallID, detail string) ToolResult {
	return ToolResult{ToolCallID: toolCallID, Status: StatusError, ErrorDetail: detail}
}

// Text returns the payload for successful results and the error detail for
// failed ones.
func (r ToolResult) Text() string {
	if r.Status == StatusError {
		return r.ErrorDetail
	}
	return r.Payload
}

// Message is one entry in a thread's log. It is a tagged variant: the Role
// determines which optional fields are populated, and the constructors below
// enforce that shape so consumers never need ad-hoc inspection.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`   // assistant only
	ToolCallID string            `json:"tool_call_id,omitempty"` // tool only
	Status     ResultStatus      `json:"status,omitempty"`       // tool only
	Timestamp  time.Time         `json:"timestamp"`
}

// NewUserMessage creates a user-role Message.
func NewUserMessage(content string) (Message, error) {
	if content == "" {
		return Message{}, fmt.Errorf("user message content must not be empty")
	}
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}, nil
}

// NewAssistantMessage creates an assistant-role Message. Content may be empty
// only when the message carries tool call requests.
func NewAssistantMessage(content string, toolCalls []ToolCallRequest) (Message, error) {
	if content == "" && len(toolCalls) == 0 {
		return Message{}, fmt.Errorf("assistant message must carry content or tool calls")
	}
	seen := make(map[string]bool, len(toolCalls))
	for _, tc := range toolCalls {
		if tc.ID == "" {
			return Message{}, fmt.Errorf("tool call request for %q has no id", tc.Name)
		}
		if tc.Name == "" {
			return Message{}, fmt.Errorf("tool call request %s has no tool name", tc.ID)
		}
		if seen[tc.ID] {
			return Message{}, fmt.Errorf("duplicate tool call id %s", tc.ID)
		}
		seen[tc.ID] = true
	}
	calls := make([]ToolCallRequest, len(toolCalls))
	copy(calls, toolCalls)
	return Message{
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: calls,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewToolMessage creates a tool-role Message carrying one ToolResult.
func NewToolMessage(result ToolResult) (Message, error) {
	if result.ToolCallID == "" {
		return Message{}, fmt.Errorf("tool result has no tool_call_id")
	}
	switch result.Status {
	case StatusOK, StatusError:
	default:
		return Message{}, fmt.Errorf("tool result %s has invalid status %q", result.ToolCallID, result.Status)
	}
	return Message{
		Role:       RoleTool,
		Content:    result.Text(),
		ToolCallID: result.ToolCallID,
		Status:     result.Status,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Result reconstructs the ToolResult carried by a tool-role message.
func (m Message) Result() ToolResult {
	r := ToolResult{ToolCallID: m.ToolCallID, Status: m.Status}
	if m.Status == StatusError {
		r.ErrorDetail = m.Content
	} else {
		r.Payload = m.Content
	}
	return r
}

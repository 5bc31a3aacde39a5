// Package llm defines the boundary to an external text/tool-calling model:
// the Client contract the conversation loop consumes, an error taxonomy that
// separates retryable from terminal failures, and a bounded-backoff retry
// helper. A gollm-backed implementation is provided; hosts may supply any
// other implementation of Client.
package llm

import (
	"context"

	"github.com/mwickett/ratchet/thread"
	"github.com/mwickett/ratchet/toolbox"
)

// Client generates one assistant message from the full ordered message
// history and the schemas of the tools the model may call. Transport and
// protocol details are the implementation's concern.
//
// The returned message must be assistant-role; it may carry tool call
// requests, text content, or both.
type Client interface {
	Generate(ctx context.Context, history []thread.Message, tools []toolbox.Definition) (thread.Message, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, history []thread.Message, tools []toolbox.Definition) (thread.Message, error)

// Generate implements Client.
func (f ClientFunc) Generate(ctx context.Context, history []thread.Message, tools []toolbox.Definition) (thread.Message, error) {
	return f(ctx, history, tools)
}

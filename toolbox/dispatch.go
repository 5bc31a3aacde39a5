package toolbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/mwickett/ratchet/thread"
)

// Dispatcher resolves tool call requests against a Registry and produces
// exactly one result per request, in request order, regardless of handler
// completion order. Handlers are the only point where external side effects
// occur; the dispatcher never retries them.
type Dispatcher struct {
	registry *Registry
	parallel bool
	maxChars int
	maxLines int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithParallel enables concurrent handler execution for multi-call batches.
// Result ordering is unaffected.
func WithParallel(enabled bool) DispatcherOption {
	return func(d *Dispatcher) { d.parallel = enabled }
}

// WithOutputLimits overrides the truncation bounds applied to successful
// payloads. Zero disables a bound.
func WithOutputLimits(maxChars, maxLines int) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxChars = maxChars
		d.maxLines = maxLines
	}
}

// NewDispatcher creates a Dispatcher over the given registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		maxChars: DefaultMaxOutputChars,
		maxLines: DefaultMaxOutputLines,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes a batch of requests and returns their results in request
// order. No request is silently dropped: unknown tools, malformed arguments,
// handler errors, and handler panics all yield error-status results.
func (d *Dispatcher) Dispatch(ctx context.Context, requests []thread.ToolCallRequest) []thread.ToolResult {
	results := make([]thread.ToolResult, len(requests))
	if d.parallel && len(requests) > 1 {
		var wg sync.WaitGroup
		for i, req := range requests {
			wg.Add(1)
			go func(idx int, r thread.ToolCallRequest) {
				defer wg.Done()
				results[idx] = d.dispatchOne(ctx, r)
			}(i, req)
		}
		wg.Wait()
		return results
	}
	for i, req := range requests {
		results[i] = d.dispatchOne(ctx, req)
	}
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, req thread.ToolCallRequest) thread.ToolResult {
	contract, ok := d.registry.Get(req.Name)
	if !ok {
		return thread.ErrorResult(req.ID, fmt.Sprintf("unknown tool: %s", req.Name))
	}
	if err := ValidateArguments(contract.Schema, req.Arguments); err != nil {
		return thread.ErrorResult(req.ID, fmt.Sprintf("invalid arguments for %s: %v", req.Name, err))
	}
	output, err := d.invoke(ctx, contract, req)
	if err != nil {
		return thread.ErrorResult(req.ID, fmt.Sprintf("%s: %v", req.Name, err))
	}
	return thread.OKResult(req.ID, Truncate(output, d.maxChars, d.maxLines))
}

// invoke runs the handler with panic capture so a faulty tool cannot crash
// the conversation loop.
func (d *Dispatcher) invoke(ctx context.Context, contract Contract, req thread.ToolCallRequest) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return contract.Handler(ctx, req.Arguments)
}

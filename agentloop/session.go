package agentloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mwickett/ratchet/checkpoint"
	"github.com/mwickett/ratchet/llm"
	"github.com/mwickett/ratchet/thread"
	"github.com/mwickett/ratchet/toolbox"
)

// Session drives one thread through the conversation state machine. It is
// the single writer of its thread; concurrent Send or Continue calls are
// rejected with ErrBusy rather than serialized.
//
// The session does not own the checkpoint store: the host opens it, may
// share it across sessions, and closes it after the sessions are done.
type Session struct {
	thread     *thread.Thread
	client     llm.Client
	registry   *toolbox.Registry
	dispatcher *toolbox.Dispatcher
	store      checkpoint.Store
	config     Config
	retry      llm.RetryPolicy
	emitter    *EventEmitter

	mu       sync.Mutex
	state    State
	inFlight bool
	closed   bool
}

// SessionOption customizes a Session beyond its Config.
type SessionOption func(*Session)

// WithRetryPolicy overrides the model retry policy. The policy's MaxAttempts
// takes precedence over Config.ModelAttempts.
func WithRetryPolicy(policy llm.RetryPolicy) SessionOption {
	return func(s *Session) { s.retry = policy }
}

// WithThreadID fixes the new session's thread id instead of generating one.
func WithThreadID(id string) SessionOption {
	return func(s *Session) { s.thread = thread.New(id) }
}

// NewSession creates a session over a fresh thread. Nothing is persisted
// until the first Send.
func NewSession(client llm.Client, registry *toolbox.Registry, store checkpoint.Store, config *Config, opts ...SessionOption) (*Session, error) {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	s, err := newSession(client, registry, store, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if s.thread == nil {
		s.thread = thread.New("")
	}
	s.emitter = NewEventEmitter(s.thread.ID(), cfg.EventBufferSize)
	s.emit(EventSessionStart, map[string]interface{}{"state": string(s.state)})
	return s, nil
}

// Resume rebuilds a session from the latest checkpoint of threadID. If the
// recorded state is model_turn or tool_turn the previous turn was cut short;
// the host should call Continue to finish it before sending new input.
// Returns checkpoint.ErrNotFound if the thread has no checkpoints.
func Resume(ctx context.Context, threadID string, client llm.Client, registry *toolbox.Registry, store checkpoint.Store, config *Config, opts ...SessionOption) (*Session, error) {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	snap, err := store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	th, err := thread.Restore(threadID, snap.Step, snap.Messages)
	if err != nil {
		return nil, fmt.Errorf("agentloop: resume %s: %w", threadID, err)
	}
	state := State(snap.State)
	if !state.valid() {
		return nil, fmt.Errorf("agentloop: resume %s: checkpoint has unknown state %q", threadID, snap.State)
	}

	s, err := newSession(client, registry, store, cfg, opts...)
	if err != nil {
		return nil, err
	}
	s.thread = th
	s.state = state
	if state == StateTerminated {
		s.closed = true
	}
	s.emitter = NewEventEmitter(threadID, cfg.EventBufferSize)
	s.emit(EventSessionStart, map[string]interface{}{
		"resumed": true,
		"step":    snap.Step,
		"state":   string(state),
	})
	return s, nil
}

func newSession(client llm.Client, registry *toolbox.Registry, store checkpoint.Store, cfg Config, opts ...SessionOption) (*Session, error) {
	if client == nil {
		return nil, fmt.Errorf("agentloop: model client is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("agentloop: tool registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("agentloop: checkpoint store is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("agentloop: %w", err)
	}

	retry := llm.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.ModelAttempts

	dispatchOpts := []toolbox.DispatcherOption{
		toolbox.WithParallel(cfg.ParallelToolCalls),
	}
	if cfg.ToolOutputMaxChars > 0 || cfg.ToolOutputMaxLines > 0 {
		dispatchOpts = append(dispatchOpts, toolbox.WithOutputLimits(cfg.ToolOutputMaxChars, cfg.ToolOutputMaxLines))
	}

	s := &Session{
		client:     client,
		registry:   registry,
		dispatcher: toolbox.NewDispatcher(registry, dispatchOpts...),
		store:      store,
		config:     cfg,
		retry:      retry,
		state:      StateAwaitInput,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ID returns the thread identifier.
func (s *Session) ID() string { return s.thread.ID() }

// State returns the current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the thread's message log. It must not be called
// while a turn is in flight; the thread has a single writer.
func (s *Session) History() []thread.Message { return s.thread.Messages() }

// Events returns the event channel for the host application.
func (s *Session) Events() <-chan SessionEvent { return s.emitter.Events() }

// Send runs one full turn for the given user input and returns the model's
// final answer. The session must be idle (await_input); otherwise ErrBusy.
//
// Every transition is checkpointed before the turn proceeds, so a crash at
// any point leaves a resumable thread. A failed checkpoint save aborts the
// turn with a CheckpointError and the thread falls back to the last durable
// state.
func (s *Session) Send(ctx context.Context, input string) (string, error) {
	if err := s.begin(false); err != nil {
		return "", err
	}
	defer s.end()

	msg, err := thread.NewUserMessage(input)
	if err != nil {
		return "", err
	}
	s.emit(EventUserInput, map[string]interface{}{"content": input})
	if err := s.appendAndSave(ctx, msg, StateModelTurn); err != nil {
		return "", err
	}
	return s.drive(ctx)
}

// Continue finishes a turn that a crash or cancellation interrupted: it
// dispatches any unanswered tool calls and resumes the model loop. Returns
// ErrNoPendingTurn if the session is idle.
func (s *Session) Continue(ctx context.Context) (string, error) {
	if err := s.begin(true); err != nil {
		return "", err
	}
	defer s.end()
	return s.drive(ctx)
}

// Close terminates the session and closes its event channel. The checkpoint
// store stays open; it belongs to the host.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateTerminated
	s.mu.Unlock()

	s.emit(EventSessionEnd, nil)
	s.emitter.Close()
	return nil
}

// begin claims the session for one turn. With resume=false the session must
// be idle; with resume=true it must have an interrupted turn.
func (s *Session) begin(resume bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.inFlight {
		return ErrBusy
	}
	switch {
	case !resume && s.state != StateAwaitInput:
		return ErrBusy
	case resume && s.state == StateAwaitInput:
		return ErrNoPendingTurn
	}
	s.inFlight = true
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// drive runs the state machine from the current state until the turn ends
// with a final assistant answer or an error.
func (s *Session) drive(ctx context.Context) (string, error) {
	for {
		switch s.State() {
		case StateModelTurn:
			answer, done, err := s.modelTurn(ctx)
			if err != nil {
				return "", err
			}
			if done {
				return answer, nil
			}
		case StateToolTurn:
			if err := s.toolTurn(ctx); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("agentloop: cannot drive from state %q", s.State())
		}
	}
}

// modelTurn performs one model call. It returns done=true with the final
// answer when the reply carries no tool calls; otherwise the reply is
// checkpointed as a dispatch record and the machine moves to tool_turn.
func (s *Session) modelTurn(ctx context.Context) (string, bool, error) {
	s.emit(EventModelCall, map[string]interface{}{"step": s.thread.Step()})

	reply, err := llm.Do(ctx, s.retry, func(ctx context.Context) (thread.Message, error) {
		return s.client.Generate(ctx, s.thread.Messages(), s.registry.Definitions())
	})
	if err != nil {
		// The thread is untouched, so a later retry of the same input
		// cannot duplicate messages.
		s.setState(StateAwaitInput)
		s.emit(EventError, map[string]interface{}{"error": err.Error()})
		return "", false, err
	}

	if len(reply.ToolCalls) == 0 {
		if err := s.appendAndSave(ctx, reply, StateAwaitInput); err != nil {
			return "", false, err
		}
		s.emit(EventAssistantReply, map[string]interface{}{"content": reply.Content})
		return reply.Content, true, nil
	}

	if s.roundsThisTurn() >= s.config.MaxToolRounds {
		// The reply is discarded before it is appended: appending it would
		// leave pending calls that block the next user message.
		s.setState(StateAwaitInput)
		s.emit(EventTurnLimit, map[string]interface{}{"limit": s.config.MaxToolRounds})
		return "", false, &ToolRoundLimitError{Limit: s.config.MaxToolRounds}
	}

	if err := s.appendAndSave(ctx, reply, StateToolTurn); err != nil {
		return "", false, err
	}
	s.emit(EventAssistantReply, map[string]interface{}{
		"content":    reply.Content,
		"tool_calls": len(reply.ToolCalls),
	})
	return "", false, nil
}

// toolTurn dispatches the unanswered tool calls of the latest assistant
// message and checkpoints each result individually. On resume this naturally
// skips calls whose results are already in the thread.
func (s *Session) toolTurn(ctx context.Context) error {
	pending := s.thread.PendingToolCalls()
	if len(pending) == 0 {
		s.setState(StateModelTurn)
		return nil
	}

	for _, call := range pending {
		s.emit(EventToolCallStart, map[string]interface{}{"id": call.ID, "name": call.Name})
	}
	results := s.dispatcher.Dispatch(ctx, pending)
	if err := ctx.Err(); err != nil {
		// Results produced after cancellation are discarded without being
		// checkpointed; Continue will re-dispatch the unanswered calls.
		return err
	}

	for i, res := range results {
		s.emit(EventToolCallEnd, map[string]interface{}{
			"id":     res.ToolCallID,
			"name":   pending[i].Name,
			"status": string(res.Status),
		})
		msg, err := thread.NewToolMessage(res)
		if err != nil {
			return fmt.Errorf("agentloop: tool result for %s: %w", res.ToolCallID, err)
		}
		next := StateToolTurn
		if i == len(results)-1 {
			next = StateModelTurn
		}
		if err := s.appendAndSave(ctx, msg, next); err != nil {
			return err
		}
	}
	return nil
}

// appendAndSave is the write-through persist path: append to the thread,
// save a checkpoint recording the state the machine is about to enter, and
// revert the append if the save fails.
func (s *Session) appendAndSave(ctx context.Context, msg thread.Message, next State) error {
	step, err := s.thread.Append(msg)
	if err != nil {
		return fmt.Errorf("agentloop: append: %w", err)
	}
	snap := checkpoint.Snapshot{
		ThreadID:         s.thread.ID(),
		Step:             step,
		State:            string(next),
		Messages:         s.thread.Messages(),
		PendingToolCalls: s.thread.PendingToolCalls(),
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.Save(ctx, snap); err != nil {
		s.thread.RevertLast()
		cerr := &CheckpointError{Step: step, Err: err}
		s.emit(EventError, map[string]interface{}{"error": cerr.Error()})
		return cerr
	}
	s.setState(next)
	s.emit(EventCheckpointSaved, map[string]interface{}{"step": step, "state": string(next)})
	return nil
}

// roundsThisTurn counts the tool rounds already taken since the last user
// message. Counting from the thread keeps the cap deterministic across
// resume.
func (s *Session) roundsThisTurn() int {
	msgs := s.thread.Messages()
	rounds := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == thread.RoleUser {
			break
		}
		if msgs[i].Role == thread.RoleAssistant && len(msgs[i].ToolCalls) > 0 {
			rounds++
		}
	}
	return rounds
}

func (s *Session) emit(kind EventKind, data map[string]interface{}) {
	if s.emitter != nil {
		s.emitter.Emit(kind, data)
	}
}

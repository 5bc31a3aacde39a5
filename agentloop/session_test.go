package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mwickett/ratchet/checkpoint"
	"github.com/mwickett/ratchet/llm"
	"github.com/mwickett/ratchet/thread"
	"github.com/mwickett/ratchet/toolbox"
)

// scriptedClient returns a fixed sequence of replies, one per Generate call.
type scriptedClient struct {
	script []func() (thread.Message, error)
	calls  int
}

func (c *scriptedClient) Generate(ctx context.Context, history []thread.Message, tools []toolbox.Definition) (thread.Message, error) {
	if c.calls >= len(c.script) {
		return thread.Message{}, fmt.Errorf("scripted client exhausted after %d calls", c.calls)
	}
	step := c.script[c.calls]
	c.calls++
	return step()
}

func textReply(content string) func() (thread.Message, error) {
	return func() (thread.Message, error) {
		msg, err := thread.NewAssistantMessage(content, nil)
		return msg, err
	}
}

func callReply(id, name, args string) func() (thread.Message, error) {
	return func() (thread.Message, error) {
		calls := []thread.ToolCallRequest{{ID: id, Name: name, Arguments: json.RawMessage(args)}}
		msg, err := thread.NewAssistantMessage("", calls)
		return msg, err
	}
}

func errReply(err error) func() (thread.Message, error) {
	return func() (thread.Message, error) { return thread.Message{}, err }
}

func echoRegistry(t *testing.T, invocations *atomic.Int64) *toolbox.Registry {
	t.Helper()
	reg := toolbox.NewRegistry()
	err := reg.Register(toolbox.Contract{
		Name:        "echo",
		Description: "returns its input",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			if invocations != nil {
				invocations.Add(1)
			}
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return "echo: " + in.Text, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = reg.Register(toolbox.Contract{
		Name:        "fail",
		Description: "always errors",
		Schema:      map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", errors.New("disk on fire")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func fastRetry() llm.RetryPolicy {
	return llm.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func newTestSession(t *testing.T, client llm.Client, store checkpoint.Store, cfg *Config) *Session {
	t.Helper()
	s, err := NewSession(client, echoRegistry(t, nil), store, cfg, WithRetryPolicy(fastRetry()))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSendSimpleAnswer(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	client := &scriptedClient{script: []func() (thread.Message, error){
		textReply("hello back"),
	}}
	s := newTestSession(t, client, store, nil)

	answer, err := s.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if answer != "hello back" {
		t.Errorf("answer = %q", answer)
	}
	if s.State() != StateAwaitInput {
		t.Errorf("state = %s", s.State())
	}

	history := s.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[0].Role != thread.RoleUser || history[1].Role != thread.RoleAssistant {
		t.Errorf("history roles = %s, %s", history[0].Role, history[1].Role)
	}

	steps, err := store.Steps(context.Background(), s.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 || steps[0] != 1 || steps[1] != 2 {
		t.Errorf("checkpointed steps = %v", steps)
	}
}

func TestSendRunsToolCycles(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	client := &scriptedClient{script: []func() (thread.Message, error){
		callReply("c1", "echo", `{"text":"first"}`),
		callReply("c2", "echo", `{"text":"second"}`),
		textReply("done"),
	}}
	s := newTestSession(t, client, store, nil)

	answer, err := s.Send(context.Background(), "do the thing")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if answer != "done" {
		t.Errorf("answer = %q", answer)
	}

	// user, assistant+call, tool, assistant+call, tool, assistant
	history := s.History()
	wantRoles := []thread.Role{
		thread.RoleUser, thread.RoleAssistant, thread.RoleTool,
		thread.RoleAssistant, thread.RoleTool, thread.RoleAssistant,
	}
	if len(history) != len(wantRoles) {
		t.Fatalf("history length = %d, want %d", len(history), len(wantRoles))
	}
	for i, want := range wantRoles {
		if history[i].Role != want {
			t.Errorf("message %d role = %s, want %s", i, history[i].Role, want)
		}
	}
	if history[2].Content != "echo: first" {
		t.Errorf("first tool result = %q", history[2].Content)
	}

	// Every transition was checkpointed with contiguous steps.
	steps, err := store.Steps(context.Background(), s.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 6 {
		t.Fatalf("checkpointed steps = %v", steps)
	}
	for i, step := range steps {
		if step != i+1 {
			t.Fatalf("step gap: %v", steps)
		}
	}
}

func TestToolErrorContinuesLoop(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	client := &scriptedClient{script: []func() (thread.Message, error){
		callReply("c1", "fail", `{}`),
		textReply("recovered"),
	}}
	s := newTestSession(t, client, store, nil)

	answer, err := s.Send(context.Background(), "try it")
	if err != nil {
		t.Fatalf("a failed tool must not abort the turn: %v", err)
	}
	if answer != "recovered" {
		t.Errorf("answer = %q", answer)
	}

	history := s.History()
	toolMsg := history[2]
	if toolMsg.Status != thread.StatusError {
		t.Errorf("tool message status = %s", toolMsg.Status)
	}
}

func TestUnknownToolProducesErrorResult(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	client := &scriptedClient{script: []func() (thread.Message, error){
		callReply("c1", "no_such_tool", `{}`),
		textReply("ok"),
	}}
	s := newTestSession(t, client, store, nil)

	if _, err := s.Send(context.Background(), "go"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	toolMsg := s.History()[2]
	if toolMsg.Status != thread.StatusError {
		t.Errorf("status = %s", toolMsg.Status)
	}
}

func TestTransientModelErrorIsRetriedWithoutDuplicates(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	transient := &llm.ServerError{ModelError: llm.ModelError{Message: "overloaded", Retryable: true}}
	client := &scriptedClient{script: []func() (thread.Message, error){
		errReply(transient),
		errReply(transient),
		textReply("third time lucky"),
	}}
	s := newTestSession(t, client, store, nil)

	answer, err := s.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if answer != "third time lucky" {
		t.Errorf("answer = %q", answer)
	}
	users := 0
	for _, m := range s.History() {
		if m.Role == thread.RoleUser {
			users++
		}
	}
	if users != 1 {
		t.Errorf("user messages duplicated across retries: %d", users)
	}
}

func TestTerminalModelErrorAbortsTurn(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	client := &scriptedClient{script: []func() (thread.Message, error){
		errReply(&llm.AuthenticationError{ModelError: llm.ModelError{Message: "bad key"}}),
		textReply("works now"),
	}}
	s := newTestSession(t, client, store, nil)

	_, err := s.Send(context.Background(), "hello")
	var authErr *llm.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v", err)
	}
	if s.State() != StateAwaitInput {
		t.Errorf("state = %s", s.State())
	}
	if client.calls != 1 {
		t.Errorf("terminal error was retried: %d calls", client.calls)
	}

	// The user message is durable; the next Send starts a fresh turn.
	if len(s.History()) != 1 {
		t.Fatalf("history length = %d", len(s.History()))
	}
	answer, err := s.Send(context.Background(), "again")
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if answer != "works now" {
		t.Errorf("answer = %q", answer)
	}
}

func TestToolRoundCapAbandonsTurn(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	client := &scriptedClient{script: []func() (thread.Message, error){
		callReply("c1", "echo", `{"text":"1"}`),
		callReply("c2", "echo", `{"text":"2"}`),
		callReply("c3", "echo", `{"text":"3"}`),
	}}
	cfg := DefaultConfig()
	cfg.MaxToolRounds = 2
	s := newTestSession(t, client, store, &cfg)

	_, err := s.Send(context.Background(), "loop forever")
	var limitErr *ToolRoundLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("error = %v", err)
	}
	if limitErr.Limit != 2 {
		t.Errorf("limit = %d", limitErr.Limit)
	}
	if s.State() != StateAwaitInput {
		t.Errorf("state = %s", s.State())
	}

	// The over-limit dispatch record was never appended, so the thread has
	// no pending calls and accepts the next user message.
	last, _ := thread.Restore(s.ID(), len(s.History()), s.History())
	if pending := last.PendingToolCalls(); len(pending) != 0 {
		t.Errorf("pending calls after abandoned turn: %v", pending)
	}
}

func TestZeroToolCallsNeverEntersToolTurn(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	client := &scriptedClient{script: []func() (thread.Message, error){
		textReply("plain answer"),
	}}
	s := newTestSession(t, client, store, nil)

	if _, err := s.Send(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == EventToolCallStart || ev.Kind == EventToolCallEnd {
				t.Fatalf("unexpected tool event %s", ev.Kind)
			}
		default:
			return
		}
	}
}

// flakyStore fails every Save at or above failFrom while armed.
type flakyStore struct {
	checkpoint.Store
	failFrom int
	armed    bool
}

func (f *flakyStore) Save(ctx context.Context, snap checkpoint.Snapshot) error {
	if f.armed && snap.Step >= f.failFrom {
		return errors.New("disk full")
	}
	return f.Store.Save(ctx, snap)
}

func TestCheckpointFailureAbortsTurnAndReverts(t *testing.T) {
	inner := checkpoint.NewMemoryStore()
	store := &flakyStore{Store: inner, failFrom: 2, armed: true}
	client := &scriptedClient{script: []func() (thread.Message, error){
		textReply("lost answer"),
		textReply("saved answer"),
	}}
	s := newTestSession(t, client, store, nil)

	_, err := s.Send(context.Background(), "hello")
	var cpErr *CheckpointError
	if !errors.As(err, &cpErr) {
		t.Fatalf("error = %v", err)
	}
	if cpErr.Step != 2 {
		t.Errorf("failed step = %d", cpErr.Step)
	}

	// In-memory thread fell back to the last durable state.
	if len(s.History()) != 1 {
		t.Fatalf("history length = %d", len(s.History()))
	}

	// The interrupted turn can be finished in place once the store recovers.
	store.armed = false
	answer, err := s.Continue(context.Background())
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if answer != "saved answer" {
		t.Errorf("answer = %q", answer)
	}
}

func TestSendRejectedWhileTurnInterrupted(t *testing.T) {
	inner := checkpoint.NewMemoryStore()
	store := &flakyStore{Store: inner, failFrom: 2, armed: true}
	client := &scriptedClient{script: []func() (thread.Message, error){
		textReply("a"),
		textReply("b"),
	}}
	s := newTestSession(t, client, store, nil)

	if _, err := s.Send(context.Background(), "hello"); err == nil {
		t.Fatal("expected checkpoint failure")
	}
	if _, err := s.Send(context.Background(), "more"); !errors.Is(err, ErrBusy) {
		t.Errorf("Send during interrupted turn = %v, want ErrBusy", err)
	}
}

func TestContinueOnIdleSession(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	client := &scriptedClient{}
	s := newTestSession(t, client, store, nil)

	if _, err := s.Continue(context.Background()); !errors.Is(err, ErrNoPendingTurn) {
		t.Errorf("Continue = %v, want ErrNoPendingTurn", err)
	}
}

func TestClosedSessionRejectsInput(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	s := newTestSession(t, &scriptedClient{}, store, nil)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := s.Send(context.Background(), "hi"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send after Close = %v", err)
	}
	if s.State() != StateTerminated {
		t.Errorf("state = %s", s.State())
	}
}

func TestResumeReplaysInterruptedToolTurn(t *testing.T) {
	ctx := context.Background()
	inner := checkpoint.NewMemoryStore()
	var invocations atomic.Int64
	registry := echoRegistry(t, &invocations)

	// First session: the dispatch record is checkpointed, then every
	// result save fails, simulating a crash mid tool turn.
	store := &flakyStore{Store: inner, failFrom: 3, armed: true}
	client1 := &scriptedClient{script: []func() (thread.Message, error){
		callReply("c1", "echo", `{"text":"once"}`),
	}}
	s1, err := NewSession(client1, registry, store, nil, WithRetryPolicy(fastRetry()))
	if err != nil {
		t.Fatal(err)
	}
	_, err = s1.Send(ctx, "run a tool")
	var cpErr *CheckpointError
	if !errors.As(err, &cpErr) {
		t.Fatalf("error = %v", err)
	}
	if got := invocations.Load(); got != 1 {
		t.Fatalf("handler invocations before crash = %d", got)
	}
	threadID := s1.ID()

	// Resume against the healthy store. The latest durable snapshot is the
	// dispatch record; the result was never persisted.
	client2 := &scriptedClient{script: []func() (thread.Message, error){
		textReply("all done"),
	}}
	s2, err := Resume(ctx, threadID, client2, registry, inner, nil, WithRetryPolicy(fastRetry()))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s2.State() != StateToolTurn {
		t.Fatalf("resumed state = %s", s2.State())
	}

	answer, err := s2.Continue(ctx)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if answer != "all done" {
		t.Errorf("answer = %q", answer)
	}
	// The unanswered call was dispatched exactly once more.
	if got := invocations.Load(); got != 2 {
		t.Errorf("handler invocations after resume = %d", got)
	}

	steps, err := inner.Steps(ctx, threadID)
	if err != nil {
		t.Fatal(err)
	}
	for i, step := range steps {
		if step != i+1 {
			t.Fatalf("step gap after resume: %v", steps)
		}
	}
	history := s2.History()
	if history[len(history)-1].Content != "all done" {
		t.Errorf("final message = %q", history[len(history)-1].Content)
	}
}

func TestResumeUnknownThread(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	_, err := Resume(context.Background(), "nope", &scriptedClient{}, echoRegistry(t, nil), store, nil)
	if !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("error = %v", err)
	}
}

func TestResumeIdleThreadAcceptsNewInput(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	client1 := &scriptedClient{script: []func() (thread.Message, error){
		textReply("first answer"),
	}}
	s1 := newTestSession(t, client1, store, nil)
	if _, err := s1.Send(ctx, "first"); err != nil {
		t.Fatal(err)
	}
	threadID := s1.ID()
	s1.Close()

	client2 := &scriptedClient{script: []func() (thread.Message, error){
		textReply("second answer"),
	}}
	s2, err := Resume(ctx, threadID, client2, echoRegistry(t, nil), store, nil, WithRetryPolicy(fastRetry()))
	if err != nil {
		t.Fatal(err)
	}
	if s2.State() != StateAwaitInput {
		t.Fatalf("state = %s", s2.State())
	}
	answer, err := s2.Send(ctx, "second")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "second answer" {
		t.Errorf("answer = %q", answer)
	}
	if len(s2.History()) != 4 {
		t.Errorf("history length = %d", len(s2.History()))
	}
}

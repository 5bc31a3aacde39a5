package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"

	"github.com/mwickett/ratchet/thread"
	"github.com/mwickett/ratchet/toolbox"
)

// GollmClient implements Client over the gollm library, which handles the
// provider transports (OpenAI, Anthropic, and others).
type GollmClient struct {
	provider     string
	model        string
	systemPrompt string
	llm          gollm.LLM
}

type gollmConfig struct {
	model        string
	systemPrompt string
	maxTokens    int
	temperature  float64
	extraOpts    []gollm.ConfigOption
}

// GollmOption configures a GollmClient.
type GollmOption func(*gollmConfig)

// WithModel sets the model identifier.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithSystemPrompt sets the system prompt sent ahead of the history.
func WithSystemPrompt(prompt string) GollmOption {
	return func(c *gollmConfig) { c.systemPrompt = prompt }
}

// WithMaxTokens sets the response token budget.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) GollmOption {
	return func(c *gollmConfig) { c.temperature = t }
}

// WithGollmOptions passes extra options through to gollm.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmClient creates a client for the given provider. An empty apiKey
// lets gollm read it from the provider's environment variable.
func NewGollmClient(provider, apiKey string, opts ...GollmOption) (*GollmClient, error) {
	cfg := &gollmConfig{
		maxTokens:   4096,
		temperature: 0.0,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries are the loop's responsibility
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.model != "" {
		gollmOpts = append(gollmOpts, gollm.SetModel(cfg.model))
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	inner, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("llm: create gollm client for %s: %w", provider, err)
	}

	return &GollmClient{
		provider:     provider,
		model:        cfg.model,
		systemPrompt: cfg.systemPrompt,
		llm:          inner,
	}, nil
}

// NewGollmClientFromLLM wraps an existing gollm.LLM instance.
func NewGollmClientFromLLM(provider string, inner gollm.LLM) *GollmClient {
	return &GollmClient{provider: provider, llm: inner}
}

// Generate implements Client.
func (c *GollmClient) Generate(ctx context.Context, history []thread.Message, tools []toolbox.Definition) (thread.Message, error) {
	prompt := c.buildPrompt(history, tools)
	text, err := c.llm.Generate(ctx, prompt)
	if err != nil {
		return thread.Message{}, c.classify(err)
	}
	return c.parseReply(text)
}

// buildPrompt flattens the role-tagged history into a gollm prompt and
// attaches the tool schemas.
func (c *GollmClient) buildPrompt(history []thread.Message, tools []toolbox.Definition) *gollm.Prompt {
	var transcript []string
	for _, msg := range history {
		switch msg.Role {
		case thread.RoleUser:
			transcript = append(transcript, msg.Content)
		case thread.RoleAssistant:
			if msg.Content != "" {
				transcript = append(transcript, "[Assistant]: "+msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				transcript = append(transcript, fmt.Sprintf("[Assistant called %s(%s)]", tc.Name, string(tc.Arguments)))
			}
		case thread.RoleTool:
			prefix := "[Tool Result]"
			if msg.Status == thread.StatusError {
				prefix = "[Tool Error]"
			}
			transcript = append(transcript, prefix+": "+msg.Content)
		}
	}
	promptText := strings.Join(transcript, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if c.systemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(c.systemPrompt, gollm.CacheTypeEphemeral))
	}
	if len(tools) > 0 {
		gollmTools := make([]gollm.Tool, 0, len(tools))
		for _, t := range tools {
			gollmTools = append(gollmTools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Schema,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(gollmTools))
		promptOpts = append(promptOpts, gollm.WithToolChoice("auto"))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// parseReply turns the raw model text into an assistant message, extracting
// tool call requests when the model returned them as a JSON block.
func (c *GollmClient) parseReply(text string) (thread.Message, error) {
	calls, cleaned := extractToolCalls(text)
	msg, err := thread.NewAssistantMessage(cleaned, calls)
	if err != nil {
		// Blank reply with no tool calls: preserve the raw text so the turn
		// still produces a valid assistant message.
		msg, err = thread.NewAssistantMessage(text, nil)
		if err != nil {
			return thread.Message{}, &InvalidRequestError{ModelError{
				Message:  "model returned an empty response",
				Provider: c.provider,
			}}
		}
	}
	return msg, nil
}

// extractToolCalls finds a tool call JSON array embedded in the response
// text. gollm surfaces provider tool calls this way.
func extractToolCalls(text string) ([]thread.ToolCallRequest, string) {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		return nil, text
	}

	var raw []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &raw); err != nil {
		return nil, text
	}

	calls := make([]thread.ToolCallRequest, 0, len(raw))
	for _, rc := range raw {
		calls = append(calls, thread.ToolCallRequest{
			ID:        "call_" + uuid.NewString()[:8],
			Name:      rc.Name,
			Arguments: rc.Arguments,
		})
	}
	return calls, strings.TrimSpace(text[:start])
}

// classify maps a gollm error onto the boundary taxonomy by message
// content; gollm does not expose structured status codes.
func (c *GollmClient) classify(err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	base := ModelError{Message: msg, Cause: err, Provider: c.provider}

	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		base.StatusCode = 401
		return &AuthenticationError{base}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		base.StatusCode = 403
		return &AuthenticationError{base}
	case strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
		return &QuotaExceededError{base}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		base.StatusCode = 413
		return &ContextLengthError{base}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		base.StatusCode = 429
		base.Retryable = true
		return &RateLimitError{base}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		base.Retryable = true
		return &TimeoutError{base}
	case strings.Contains(lower, "connection") || strings.Contains(lower, "no such host"):
		base.Retryable = true
		return &NetworkError{base}
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server") ||
		strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "overloaded"):
		base.StatusCode = 500
		base.Retryable = true
		return &ServerError{base}
	case strings.Contains(lower, "400") || strings.Contains(lower, "invalid request"):
		base.StatusCode = 400
		return &InvalidRequestError{base}
	default:
		base.Retryable = true
		return &base
	}
}

package agentloop

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the tunable limits of the conversation loop.
type Config struct {
	// MaxToolRounds caps the number of tool rounds a single turn may run
	// before the turn is abandoned.
	MaxToolRounds int `yaml:"max_tool_rounds"`
	// ModelAttempts bounds retries of one model call, counting the initial
	// attempt. Only transient model errors are retried.
	ModelAttempts int `yaml:"model_attempts"`
	// ParallelToolCalls runs the handlers of a multi-call batch
	// concurrently. Result order is always request order.
	ParallelToolCalls bool `yaml:"parallel_tool_calls"`
	// ToolOutputMaxChars and ToolOutputMaxLines bound successful tool
	// payloads before they enter the thread. Zero uses the defaults.
	ToolOutputMaxChars int `yaml:"tool_output_max_chars"`
	ToolOutputMaxLines int `yaml:"tool_output_max_lines"`
	// EventBufferSize is the capacity of the session event channel.
	EventBufferSize int `yaml:"event_buffer_size"`
}

// DefaultConfig returns the default loop limits.
func DefaultConfig() Config {
	return Config{
		MaxToolRounds:   10,
		ModelAttempts:   3,
		EventBufferSize: 256,
	}
}

// LoadConfig reads a YAML config file, applying defaults for any field the
// file omits.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("agentloop: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("agentloop: parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("agentloop: config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxToolRounds < 1 {
		return fmt.Errorf("max_tool_rounds must be at least 1, got %d", c.MaxToolRounds)
	}
	if c.ModelAttempts < 1 {
		return fmt.Errorf("model_attempts must be at least 1, got %d", c.ModelAttempts)
	}
	if c.ToolOutputMaxChars < 0 || c.ToolOutputMaxLines < 0 {
		return fmt.Errorf("tool output limits must not be negative")
	}
	return nil
}

package llm

import (
	"strings"
	"testing"
)

func TestExtractToolCallsFromJSONBlock(t *testing.T) {
	text := `I'll check the directory first.
[{"name": "list_files", "arguments": {"path": "."}}, {"name": "read_file", "arguments": {"path": "main.go"}}]`

	calls, cleaned := extractToolCalls(text)
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Name != "list_files" || calls[1].Name != "read_file" {
		t.Errorf("names = %s, %s", calls[0].Name, calls[1].Name)
	}
	if !strings.HasPrefix(calls[0].ID, "call_") {
		t.Errorf("id %q missing call_ prefix", calls[0].ID)
	}
	if calls[0].ID == calls[1].ID {
		t.Error("call ids must be unique")
	}
	if cleaned != "I'll check the directory first." {
		t.Errorf("cleaned = %q", cleaned)
	}
	if !strings.Contains(string(calls[0].Arguments), `"path"`) {
		t.Errorf("arguments not preserved: %s", calls[0].Arguments)
	}
}

func TestExtractToolCallsPlainText(t *testing.T) {
	text := "The answer is 42."
	calls, cleaned := extractToolCalls(text)
	if calls != nil {
		t.Errorf("unexpected calls: %v", calls)
	}
	if cleaned != text {
		t.Errorf("cleaned = %q", cleaned)
	}
}

func TestExtractToolCallsMalformedJSONLeftIntact(t *testing.T) {
	text := `Here is a snippet: [{"name" is a common key in JSON`
	calls, cleaned := extractToolCalls(text)
	if calls != nil {
		t.Errorf("unexpected calls from malformed block: %v", calls)
	}
	if cleaned != text {
		t.Errorf("text mangled: %q", cleaned)
	}
}

func TestClassifyMapsMessagesToKinds(t *testing.T) {
	c := &GollmClient{provider: "testprov"}
	tests := []struct {
		msg       string
		retryable bool
	}{
		{"API error: 401 unauthorized", false},
		{"invalid api key provided", false},
		{"you have exceeded your quota", false},
		{"prompt exceeds context length", false},
		{"429 rate limit reached", true},
		{"request timeout after 30s", true},
		{"dial tcp: connection refused", true},
		{"502 bad gateway", true},
		{"server is overloaded", true},
		{"something novel went wrong", true},
	}
	for _, tt := range tests {
		err := c.classify(fakeErr(tt.msg))
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("%q: IsRetryable = %v, want %v", tt.msg, got, tt.retryable)
		}
	}
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

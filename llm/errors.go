package llm

import "fmt"

// ModelError is the base error type for model boundary failures.
type ModelError struct {
	Message    string
	Cause      error
	Provider   string
	StatusCode int
	Retryable  bool
}

func (e *ModelError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s", e.Provider, e.Message)
	}
	return e.Message
}

func (e *ModelError) Unwrap() error { return e.Cause }

// Non-retryable kinds: the request itself is wrong, so repeating it cannot
// help. The turn is aborted and the failure surfaced to the user.

type AuthenticationError struct{ ModelError }
type InvalidRequestError struct{ ModelError }
type QuotaExceededError struct{ ModelError }
type ContextLengthError struct{ ModelError }

// Retryable kinds: transient conditions that bounded backoff may outlast.

type RateLimitError struct{ ModelError }
type ServerError struct{ ModelError }
type TimeoutError struct{ ModelError }
type NetworkError struct{ ModelError }

// FromStatusCode maps a provider HTTP status to the matching error kind.
func FromStatusCode(statusCode int, message, provider string) error {
	base := ModelError{Message: message, Provider: provider, StatusCode: statusCode}
	switch statusCode {
	case 400, 404, 422:
		return &InvalidRequestError{base}
	case 401, 403:
		return &AuthenticationError{base}
	case 402:
		return &QuotaExceededError{base}
	case 408:
		base.Retryable = true
		return &TimeoutError{base}
	case 413:
		return &ContextLengthError{base}
	case 429:
		base.Retryable = true
		return &RateLimitError{base}
	case 500, 502, 503, 504:
		base.Retryable = true
		return &ServerError{base}
	default:
		// Unknown provider failures default to retryable.
		base.Retryable = true
		return &base
	}
}

// IsRetryable reports whether the error is safe to retry with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch e := err.(type) {
	case *AuthenticationError, *InvalidRequestError, *QuotaExceededError, *ContextLengthError:
		return false
	case *RateLimitError, *ServerError, *TimeoutError, *NetworkError:
		return true
	case *ModelError:
		return e.Retryable
	default:
		// Unclassified errors are treated as terminal: retrying an unknown
		// failure risks duplicate side effects upstream.
		return false
	}
}

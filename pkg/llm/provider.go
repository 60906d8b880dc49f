package llm

import (
	"context"
	"fmt"
	"strings"
)

// Provider is a language model backend. Complete performs a whole-response
// call; Stream performs the same call incrementally, reporting deltas to the
// sink as they arrive. Both return the fully normalized response.
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai").
	Name() string

	// Complete makes a blocking model call.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream makes a streaming model call. The sink may be nil, in which
	// case the call degrades to a buffered Complete.
	Stream(ctx context.Context, req Request, sink StreamSink) (*Response, error)
}

// StreamSink receives normalized stream events. Implementations must not
// block; slow consumers are expected to buffer internally.
type StreamSink interface {
	OnText(text string)
	OnToolStart(start ToolStart)
	OnToolComplete(block ContentBlock)
}

// Credentials selects and authenticates a provider.
type Credentials struct {
	Provider string `json:"provider"` // "anthropic" or "openai"
	APIKey   string `json:"api_key"`
}

// NewProvider constructs a provider from credentials.
func NewProvider(creds Credentials) (Provider, error) {
	switch strings.ToLower(creds.Provider) {
	case "anthropic":
		return NewAnthropicProvider(creds.APIKey), nil
	case "openai":
		return NewOpenAIProvider(creds.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", creds.Provider)
	}
}

// IsRetryableError reports whether a provider error is worth retrying.
// Rate limits and upstream 5xx responses are transient; everything else
// (auth, validation) is permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504",
		"connection reset", "timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kindling-ai/kindling/pkg/llm"
)

// TransportKind selects how a tool server is reached.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// ErrToolNotFound is returned when no server advertises the requested tool.
var ErrToolNotFound = errors.New("toolserver: tool not found")

// ErrServerNotFound is returned for operations against an unknown server.
var ErrServerNotFound = errors.New("toolserver: server not found")

// ServerConfig declares one configured tool server.
type ServerConfig struct {
	Name      string        `json:"name" mapstructure:"name"`
	Transport TransportKind `json:"transport" mapstructure:"transport"`

	// For stdio servers
	Command string   `json:"command,omitempty" mapstructure:"command"`
	Args    []string `json:"args,omitempty" mapstructure:"args"`
	Env     []string `json:"env,omitempty" mapstructure:"env"`

	// For http servers
	URL string `json:"url,omitempty" mapstructure:"url"`

	StartTimeout time.Duration `json:"start_timeout,omitempty" mapstructure:"start_timeout"`
	CallTimeout  time.Duration `json:"call_timeout,omitempty" mapstructure:"call_timeout"`
}

// Server is the registry's record of one discovered tool server.
type Server struct {
	Name      string
	Transport TransportKind
	Tools     []llm.ToolDescriptor
	Healthy   bool
}

// caller abstracts the wire used to reach one server.
type caller interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Close() error
}

// toolListResult is the catalog payload returned by tools/list.
type toolListResult struct {
	Tools []struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		InputSchema map[string]interface{} `json:"inputSchema"`
	} `json:"tools"`
}

// toolCallResult is the payload returned by tools/call.
type toolCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

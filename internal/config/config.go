// Package config defines and loads the daemon configuration.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/kindling-ai/kindling/pkg/toolserver"
)

// Config is the full daemon configuration.
type Config struct {
	// Provider selects and authenticates the model backend.
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`

	// ToolServers declares the tool servers to register on startup.
	ToolServers []toolserver.ServerConfig `json:"tool_servers" mapstructure:"tool_servers"`

	// Scheduler controls the background job system.
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Guard tunes the generation guard.
	Guard GuardConfig `json:"guard" mapstructure:"guard"`

	// Loop tunes the agent loop.
	Loop LoopConfig `json:"loop" mapstructure:"loop"`

	// Gateway is the HTTP surface (websocket events, metrics, health).
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging configures log output.
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// DataDir is the root for the state database, conversation logs, and
	// the scheduler's job registry.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// SourcePath is the file this config was loaded from. Set by the
	// loader, never read from the file itself.
	SourcePath string `json:"-" mapstructure:"-"`
}

// ProviderConfig holds model backend settings.
type ProviderConfig struct {
	Kind        string  `json:"kind" mapstructure:"kind"` // anthropic, openai
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	Model       string  `json:"model" mapstructure:"model"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// SchedulerConfig holds background job settings.
type SchedulerConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	StorePath string `json:"store_path" mapstructure:"store_path"`
}

// GuardConfig holds generation guard settings.
type GuardConfig struct {
	MaxAttemptsPerDay int `json:"max_attempts_per_day" mapstructure:"max_attempts_per_day"`
}

// LoopConfig holds agent loop settings.
type LoopConfig struct {
	MaxIterations int `json:"max_iterations" mapstructure:"max_iterations"`
}

// GatewayConfig holds HTTP server settings.
type GatewayConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	File   string `json:"file" mapstructure:"file"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Kind:      "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
		},
		Guard: GuardConfig{
			MaxAttemptsPerDay: 3,
		},
		Loop: LoopConfig{
			MaxIterations: 10,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8420,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the configuration. Tool server names must be unique
// here even though the runtime tolerates duplicate tool names across
// servers; a duplicate server name is always a config mistake.
func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case "anthropic", "openai":
	case "":
		return fmt.Errorf("provider kind is required")
	default:
		return fmt.Errorf("unknown provider kind %q (must be: anthropic, openai)", c.Provider.Kind)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider api_key is required")
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider model is required")
	}

	seen := make(map[string]struct{}, len(c.ToolServers))
	for i, srv := range c.ToolServers {
		if srv.Name == "" {
			return fmt.Errorf("tool server %d: name is required", i)
		}
		if _, ok := seen[srv.Name]; ok {
			return fmt.Errorf("duplicate tool server name %q", srv.Name)
		}
		seen[srv.Name] = struct{}{}

		switch srv.Transport {
		case toolserver.TransportStdio, "":
			if srv.Command == "" {
				return fmt.Errorf("tool server %s: command is required for stdio transport", srv.Name)
			}
		case toolserver.TransportHTTP:
			if srv.URL == "" {
				return fmt.Errorf("tool server %s: url is required for http transport", srv.Name)
			}
		default:
			return fmt.Errorf("tool server %s: unknown transport %q", srv.Name, srv.Transport)
		}
	}

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.Gateway.Port)
	}
	if c.Guard.MaxAttemptsPerDay < 0 {
		return fmt.Errorf("guard max_attempts_per_day cannot be negative")
	}
	if c.Loop.MaxIterations < 0 {
		return fmt.Errorf("loop max_iterations cannot be negative")
	}
	return nil
}

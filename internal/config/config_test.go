package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindling-ai/kindling/pkg/toolserver"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Provider.APIKey = "sk-test"
	cfg.ToolServers = []toolserver.ServerConfig{
		{Name: "files", Transport: toolserver.TransportStdio, Command: "files-server"},
		{Name: "search", Transport: toolserver.TransportHTTP, URL: "http://localhost:9090/rpc"},
	}
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("accepts a complete config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("rejects duplicate server names", func(t *testing.T) {
		cfg := validConfig()
		cfg.ToolServers = append(cfg.ToolServers, toolserver.ServerConfig{
			Name: "files", Transport: toolserver.TransportStdio, Command: "other",
		})
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate tool server name")
	})

	t.Run("rejects unknown transports", func(t *testing.T) {
		cfg := validConfig()
		cfg.ToolServers[0].Transport = "grpc"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown transport")
	})

	t.Run("stdio servers need a command", func(t *testing.T) {
		cfg := validConfig()
		cfg.ToolServers[0].Command = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("http servers need a url", func(t *testing.T) {
		cfg := validConfig()
		cfg.ToolServers[1].URL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("empty transport defaults to stdio", func(t *testing.T) {
		cfg := validConfig()
		cfg.ToolServers[0].Transport = ""
		assert.NoError(t, cfg.Validate())
	})

	t.Run("rejects missing or unknown providers", func(t *testing.T) {
		cfg := validConfig()
		cfg.Provider.Kind = "bedrock"
		assert.Error(t, cfg.Validate())

		cfg.Provider.Kind = ""
		assert.Error(t, cfg.Validate())

		cfg = validConfig()
		cfg.Provider.APIKey = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
		require.NoError(t, err)
		assert.Equal(t, "anthropic", cfg.Provider.Kind)
		assert.Equal(t, 3, cfg.Guard.MaxAttemptsPerDay)
		assert.Equal(t, 10, cfg.Loop.MaxIterations)
		assert.NotEmpty(t, cfg.DataDir)
		assert.NotEmpty(t, cfg.Scheduler.StorePath)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kindling.json")
		body := `{
			"provider": {"kind": "openai", "api_key": "sk-file", "model": "gpt-4o"},
			"guard": {"max_attempts_per_day": 5},
			"data_dir": "/tmp/kindling-test",
			"tool_servers": [
				{"name": "files", "transport": "stdio", "command": "files-server", "args": ["--root", "/tmp"]}
			]
		}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "openai", cfg.Provider.Kind)
		assert.Equal(t, "gpt-4o", cfg.Provider.Model)
		assert.Equal(t, 5, cfg.Guard.MaxAttemptsPerDay)
		assert.Equal(t, "/tmp/kindling-test", cfg.DataDir)
		require.Len(t, cfg.ToolServers, 1)
		assert.Equal(t, []string{"--root", "/tmp"}, cfg.ToolServers[0].Args)

		assert.Equal(t, filepath.Join("/tmp/kindling-test", "state.db"), cfg.StatePath())
		assert.Equal(t, filepath.Join("/tmp/kindling-test", "conversations"), cfg.ConversationsDir())
	})

	t.Run("malformed json is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kindling.json")
		require.NoError(t, os.WriteFile(path, []byte("{nope"), 0600))
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kindling.json")
	write := func(model string) {
		body := `{"provider": {"kind": "anthropic", "api_key": "sk", "model": "` + model + `"}}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	}
	write("model-a")

	var reloads atomic.Int32
	var lastModel atomic.Value
	w, err := NewWatcher(NewLoader(path), func(cfg *Config) {
		lastModel.Store(cfg.Provider.Model)
		reloads.Add(1)
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	write("model-b")
	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "model-b", lastModel.Load())

	// An invalid rewrite is dropped and does not reach the callback.
	before := reloads.Load()
	require.NoError(t, os.WriteFile(path, []byte(`{"provider": {"kind": "bedrock"}}`), 0600))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, before, reloads.Load())
}

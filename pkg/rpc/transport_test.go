package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain doubles as a stub JSON-RPC server when re-executed with
// RPC_STUB_SERVER set, so transport tests exercise a real subprocess.
func TestMain(m *testing.M) {
	if os.Getenv("RPC_STUB_SERVER") == "1" {
		runStubServer()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runStubServer reads one JSON-RPC request per line and answers according
// to the method:
//
//	echo       — result mirrors the params
//	sleep      — waits 500ms, then echoes
//	fail       — JSON-RPC error response
//	die        — exits without answering
//	flaky_echo — exits without answering unless the marker file exists;
//	             creates the marker on the way out
func runStubServer() {
	scanner := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)
	marker := os.Getenv("RPC_STUB_MARKER")

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		switch req.Method {
		case "echo":
			out.Encode(Response{JSONRPC: "2.0", ID: &req.ID, Result: req.Params})
		case "sleep":
			time.Sleep(500 * time.Millisecond)
			out.Encode(Response{JSONRPC: "2.0", ID: &req.ID, Result: req.Params})
		case "fail":
			out.Encode(Response{JSONRPC: "2.0", ID: &req.ID, Error: &Error{Code: -32000, Message: "stub failure"}})
		case "die":
			return
		case "flaky_echo":
			if _, err := os.Stat(marker); err == nil {
				out.Encode(Response{JSONRPC: "2.0", ID: &req.ID, Result: req.Params})
				continue
			}
			os.WriteFile(marker, []byte("crashed"), 0644)
			return
		}
	}
}

func newTestTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	cfg.Command = os.Args[0]
	cfg.Env = append(cfg.Env, "RPC_STUB_SERVER=1")
	tr := New(cfg, zerolog.New(os.Stdout).Level(zerolog.Disabled))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestCall(t *testing.T) {
	t.Run("should round-trip params through echo", func(t *testing.T) {
		tr := newTestTransport(t, Config{CallTimeout: 5 * time.Second})

		params := map[string]interface{}{"city": "oslo", "limit": float64(3)}
		result, err := tr.Call(context.Background(), "echo", params)
		require.NoError(t, err)

		var echoed map[string]interface{}
		require.NoError(t, json.Unmarshal(result, &echoed))
		assert.Equal(t, params, echoed)
	})

	t.Run("should surface server errors", func(t *testing.T) {
		tr := newTestTransport(t, Config{CallTimeout: 5 * time.Second})

		_, err := tr.Call(context.Background(), "fail", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stub failure")

		// The process is still healthy for the next call.
		_, err = tr.Call(context.Background(), "echo", map[string]interface{}{"ok": true})
		assert.NoError(t, err)
	})

	t.Run("should time out when the server stalls", func(t *testing.T) {
		tr := newTestTransport(t, Config{
			CallTimeout:  100 * time.Millisecond,
			StartTimeout: 100 * time.Millisecond,
		})

		_, err := tr.Call(context.Background(), "sleep", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("should respect context cancellation", func(t *testing.T) {
		tr := newTestTransport(t, Config{CallTimeout: 5 * time.Second})

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		_, err := tr.Call(ctx, "sleep", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCallRestart(t *testing.T) {
	t.Run("should restart once and succeed when the retry works", func(t *testing.T) {
		marker := filepath.Join(t.TempDir(), "crashed-once")
		tr := newTestTransport(t, Config{
			CallTimeout: 5 * time.Second,
			Env:         []string{"RPC_STUB_MARKER=" + marker},
		})

		// First attempt kills the subprocess; the transparent restart
		// retries the same call against a fresh process, which succeeds.
		result, err := tr.Call(context.Background(), "flaky_echo", map[string]interface{}{"n": float64(1)})
		require.NoError(t, err)

		var echoed map[string]interface{}
		require.NoError(t, json.Unmarshal(result, &echoed))
		assert.Equal(t, float64(1), echoed["n"])
	})

	t.Run("should fail the call after a second consecutive death", func(t *testing.T) {
		tr := newTestTransport(t, Config{CallTimeout: 5 * time.Second})

		_, err := tr.Call(context.Background(), "die", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransportClosed)
	})

	t.Run("should recover on the call after a fatal failure", func(t *testing.T) {
		tr := newTestTransport(t, Config{CallTimeout: 5 * time.Second})

		_, err := tr.Call(context.Background(), "die", nil)
		require.ErrorIs(t, err, ErrTransportClosed)

		// The transport itself survives: a later call starts fresh.
		_, err = tr.Call(context.Background(), "echo", map[string]interface{}{"ok": true})
		assert.NoError(t, err)
	})
}

func TestCallIDs(t *testing.T) {
	t.Run("ids keep increasing across restarts", func(t *testing.T) {
		tr := newTestTransport(t, Config{CallTimeout: 5 * time.Second})

		_, err := tr.Call(context.Background(), "echo", nil)
		require.NoError(t, err)
		idAfterFirst := tr.nextID

		_, err = tr.Call(context.Background(), "die", nil)
		require.Error(t, err)

		_, err = tr.Call(context.Background(), "echo", nil)
		require.NoError(t, err)

		assert.Greater(t, tr.nextID, idAfterFirst)
	})
}

func TestClose(t *testing.T) {
	t.Run("calls after close fail", func(t *testing.T) {
		tr := newTestTransport(t, Config{CallTimeout: 5 * time.Second})

		_, err := tr.Call(context.Background(), "echo", nil)
		require.NoError(t, err)

		require.NoError(t, tr.Close())
		_, err = tr.Call(context.Background(), "echo", nil)
		assert.ErrorIs(t, err, ErrTransportClosed)
	})

	t.Run("close before first call is safe", func(t *testing.T) {
		tr := newTestTransport(t, Config{})
		assert.NoError(t, tr.Close())
	})
}

func TestConcurrentCallers(t *testing.T) {
	t.Run("concurrent callers serialize without racing", func(t *testing.T) {
		tr := newTestTransport(t, Config{CallTimeout: 5 * time.Second})

		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			go func(n int) {
				_, err := tr.Call(context.Background(), "echo", map[string]interface{}{"n": n})
				errs <- err
			}(i)
		}
		for i := 0; i < 8; i++ {
			assert.NoError(t, <-errs)
		}
	})
}

func TestErrorType(t *testing.T) {
	e := &Error{Code: -32601, Message: "method not found"}
	assert.Equal(t, "rpc error -32601: method not found", fmt.Sprintf("%v", e))
}

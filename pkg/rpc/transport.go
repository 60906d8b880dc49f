package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/internal/metrics"
)

// Sentinel errors for transport failures.
var (
	// ErrTimeout means no matching response arrived within the call deadline.
	ErrTimeout = errors.New("rpc: call timeout")
	// ErrTransportClosed means the subprocess output stream closed mid-call.
	ErrTransportClosed = errors.New("rpc: transport closed")
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object. It is returned to callers when the
// server answered with an error rather than a result.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Config configures a subprocess transport.
type Config struct {
	Command      string
	Args         []string
	Env          []string // appended to the parent environment
	WorkDir      string
	StartTimeout time.Duration // deadline for the first call after a cold start
	CallTimeout  time.Duration // deadline for a warm call
}

const (
	defaultStartTimeout = 30 * time.Second
	defaultCallTimeout  = 10 * time.Second
)

// Transport owns one subprocess and speaks JSON-RPC 2.0 over its standard
// input and output, one JSON object per line. Calls are serialized: request
// ids increment monotonically for the transport's lifetime so that stale
// responses arriving after a restart can never match a live call.
type Transport struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex // serializes calls, id increment, and process swap
	proc   *process
	nextID int64
	closed bool
}

// process holds the handles for one subprocess incarnation.
type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	done chan struct{} // closed when the stdout loop exits
}

// New creates a transport. The subprocess is started lazily on first call.
func New(cfg Config, logger zerolog.Logger) *Transport {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Transport{
		cfg:    cfg,
		logger: logger.With().Str("component", "rpc").Str("command", cfg.Command).Logger(),
	}
}

// Call sends a request and waits for the matching response. If the
// subprocess dies mid-call the transport restarts it and retries the same
// call exactly once; a second consecutive failure surfaces
// ErrTransportClosed. A timeout never triggers a restart.
func (t *Transport) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("rpc call %s: %w", method, ErrTransportClosed)
	}

	var encoded json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("rpc call %s: marshal params: %w", method, err)
		}
		encoded = data
	}

	result, err := t.attemptLocked(ctx, method, encoded)
	if err == nil || !errors.Is(err, ErrTransportClosed) {
		return result, err
	}

	t.logger.Warn().Str("method", method).Msg("Subprocess died mid-call, restarting once")
	metrics.RecordTransportRestart(t.cfg.Command)
	t.stopProcessLocked()

	result, err = t.attemptLocked(ctx, method, encoded)
	if err != nil && errors.Is(err, ErrTransportClosed) {
		// Leave the transport usable: the next call may start a fresh
		// subprocess and succeed.
		t.stopProcessLocked()
	}
	return result, err
}

// Close terminates the subprocess. Subsequent calls fail.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.stopProcessLocked()
	return nil
}

// attemptLocked performs one send-and-wait cycle, starting the subprocess
// if needed. Caller holds t.mu.
func (t *Transport) attemptLocked(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	deadline := t.cfg.CallTimeout

	if t.proc == nil {
		if err := t.startLocked(ctx); err != nil {
			return nil, fmt.Errorf("rpc call %s: %w: %v", method, ErrTransportClosed, err)
		}
		// Cold subprocess start is slower than a warm call.
		if t.cfg.StartTimeout > deadline {
			deadline = t.cfg.StartTimeout
		}
	}
	proc := t.proc

	t.nextID++
	id := t.nextID

	respChan := make(chan *Response, 1)
	proc.pendingMu.Lock()
	proc.pending[id] = respChan
	proc.pendingMu.Unlock()
	defer func() {
		proc.pendingMu.Lock()
		delete(proc.pending, id)
		proc.pendingMu.Unlock()
	}()

	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call %s: marshal request: %w", method, err)
	}
	if _, err := proc.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("rpc call %s: %w: %v", method, ErrTransportClosed, err)
	}

	// Watchdog timer, independent of the subprocess's own behavior.
	watchdog := time.NewTimer(deadline)
	defer watchdog.Stop()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc call %s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-proc.done:
		// The response may have raced the pipe closing; prefer it.
		select {
		case resp := <-respChan:
			if resp.Error != nil {
				return nil, fmt.Errorf("rpc call %s: %w", method, resp.Error)
			}
			return resp.Result, nil
		default:
		}
		return nil, fmt.Errorf("rpc call %s: %w", method, ErrTransportClosed)
	case <-watchdog.C:
		return nil, fmt.Errorf("rpc call %s after %s: %w", method, deadline, ErrTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("rpc call %s: %w", method, ctx.Err())
	}
}

// startLocked spawns a fresh subprocess. Caller holds t.mu.
func (t *Transport) startLocked(ctx context.Context) error {
	if t.cfg.Command == "" {
		return fmt.Errorf("command is required")
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = append(os.Environ(), t.cfg.Env...)
	if t.cfg.WorkDir != "" {
		cmd.Dir = t.cfg.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	proc := &process{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
	t.proc = proc

	t.logger.Info().Int("pid", cmd.Process.Pid).Msg("Started tool server process")

	go t.readLoop(proc, stdout)
	if stderr != nil {
		go t.drainStderr(stderr)
	}

	return nil
}

// stopProcessLocked kills the current subprocess, if any. Caller holds t.mu.
func (t *Transport) stopProcessLocked() {
	if t.proc == nil {
		return
	}
	t.proc.stdin.Close()
	if t.proc.cmd.Process != nil {
		t.proc.cmd.Process.Kill()
	}
	go t.proc.cmd.Wait()
	t.proc = nil
}

// readLoop reads one JSON object per line and dispatches responses to their
// pending calls. When stdout closes, all in-flight calls fail.
func (t *Transport) readLoop(proc *process, stdout io.Reader) {
	defer close(proc.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Warn().Err(err).Msg("Discarding unparseable line from tool server")
			continue
		}
		if resp.ID == nil {
			// Server-initiated notification; nothing to correlate.
			t.logger.Debug().Msg("Ignoring notification from tool server")
			continue
		}

		proc.pendingMu.Lock()
		ch, ok := proc.pending[*resp.ID]
		if ok {
			delete(proc.pending, *resp.ID)
		}
		proc.pendingMu.Unlock()

		if !ok {
			// Stale response from before a restart, or an id we timed out on.
			t.logger.Debug().Int64("id", *resp.ID).Msg("Discarding response with no pending call")
			continue
		}
		ch <- &resp
	}

	if err := scanner.Err(); err != nil {
		t.logger.Debug().Err(err).Msg("Tool server stdout closed")
	}
}

// drainStderr forwards subprocess stderr to debug logs.
func (t *Transport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug().Str("stderr", line).Msg("Tool server stderr")
		}
	}
}

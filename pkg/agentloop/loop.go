package agentloop

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/internal/metrics"
	"github.com/kindling-ai/kindling/pkg/conversation"
	"github.com/kindling-ai/kindling/pkg/entity"
	"github.com/kindling-ai/kindling/pkg/events"
	"github.com/kindling-ai/kindling/pkg/llm"
)

// Status is the terminal state of one loop run.
type Status string

const (
	// StatusDone means the model finished without requesting more tools.
	StatusDone Status = "done"
	// StatusFailed means the model call itself failed after retry.
	StatusFailed Status = "failed"
	// StatusIterationLimitReached means the run was stopped at the
	// iteration cap. This is a bounded stop, not a failure.
	StatusIterationLimitReached Status = "iteration_limit_reached"
)

const defaultMaxIterations = 10

// ToolDispatcher is the slice of the tool server registry the loop needs.
type ToolDispatcher interface {
	ListToolsFor(servers []string) []llm.ToolDescriptor
	ServerFor(tool string) (string, bool)
	ValidateArgs(tool string, args map[string]interface{}) error
	Execute(ctx context.Context, tool string, args map[string]interface{}) (string, error)
}

// Config holds loop construction parameters.
type Config struct {
	Provider      llm.Provider
	Tools         ToolDispatcher
	Bus           *events.Bus
	Logger        zerolog.Logger
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxIterations int
}

// Result is what one run produced. Turns holds the new conversation
// turns in append order, including partial progress on failure.
type Result struct {
	Status     Status
	Turns      []conversation.Turn
	Usage      llm.Usage
	Iterations int
}

// Loop alternates model calls and tool executions for one entity until
// the model stops requesting tools or the iteration cap is hit.
type Loop struct {
	provider      llm.Provider
	tools         ToolDispatcher
	bus           *events.Bus
	logger        zerolog.Logger
	model         string
	temperature   float64
	maxTokens     int
	maxIterations int
}

// New creates a Loop.
func New(cfg Config) (*Loop, error) {
	metrics.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool dispatcher is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	return &Loop{
		provider:      cfg.Provider,
		tools:         cfg.Tools,
		bus:           cfg.Bus,
		logger:        cfg.Logger.With().Str("component", "agentloop").Logger(),
		model:         cfg.Model,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		maxIterations: cfg.MaxIterations,
	}, nil
}

// Run executes the loop for one entity on top of the given history.
// The returned error is non-nil only for StatusFailed; the Result always
// carries whatever turns were produced so the caller can persist them.
func (l *Loop) Run(ctx context.Context, a entity.Agentable, history []llm.Message) (Result, error) {
	ref := a.Ref()
	logger := l.logger.With().Stringer("entity", ref).Logger()
	allowed := a.AllowedServers()
	tools := l.tools.ListToolsFor(allowed)

	messages := make([]llm.Message, len(history))
	copy(messages, history)

	result := Result{Status: StatusIterationLimitReached}
	defer func() { metrics.RecordLoopIterations(result.Iterations) }()

	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		result.Iterations = iteration

		resp, err := l.callModel(ctx, llm.Request{
			Model:       l.model,
			System:      a.SystemPrompt(),
			Messages:    messages,
			Tools:       tools,
			Temperature: l.temperature,
			MaxTokens:   l.maxTokens,
		})
		if err != nil {
			logger.Error().Err(err).Int("iteration", iteration).Msg("Model call failed")
			l.bus.Emit(events.TypeError, ref, map[string]interface{}{
				"error": err.Error(),
			})
			result.Status = StatusFailed
			return result, fmt.Errorf("model call failed on iteration %d: %w", iteration, err)
		}
		result.Usage.Add(resp.Usage)

		assistantTurn := conversation.Turn{Role: "assistant", Blocks: resp.Blocks, Timestamp: time.Now().UTC()}
		result.Turns = append(result.Turns, assistantTurn)
		messages = append(messages, llm.Message{Role: "assistant", Blocks: resp.Blocks})

		if text := resp.Text(); text != "" {
			l.bus.Emit(events.TypeThink, ref, map[string]interface{}{"text": text})
		}

		uses := resp.ToolUses()
		if len(uses) == 0 {
			logger.Debug().Int("iterations", iteration).Msg("Run completed")
			result.Status = StatusDone
			return result, nil
		}

		// Results are appended in the same order the calls were issued.
		blocks := make([]llm.ContentBlock, 0, len(uses))
		for _, use := range uses {
			blocks = append(blocks, l.executeTool(ctx, ref, allowed, use))
		}

		toolTurn := conversation.Turn{Role: "tool", Blocks: blocks, Timestamp: time.Now().UTC()}
		result.Turns = append(result.Turns, toolTurn)
		messages = append(messages, llm.Message{Role: "tool", Blocks: blocks})
	}

	logger.Info().Int("iterations", l.maxIterations).Msg("Iteration limit reached")
	return result, nil
}

// callModel invokes the provider, retrying once on a retryable error.
func (l *Loop) callModel(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := l.provider.Complete(ctx, req)
	if err == nil || !llm.IsRetryableError(err) {
		return resp, err
	}

	l.logger.Warn().Err(err).Msg("Retrying model call")
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return l.provider.Complete(ctx, req)
}

// executeTool runs one tool invocation and always produces a tool_result
// block. Failures become is_error results so the model can recover.
func (l *Loop) executeTool(ctx context.Context, ref entity.Ref, allowed []string, use llm.ContentBlock) llm.ContentBlock {
	l.bus.Emit(events.TypeToolStart, ref, map[string]interface{}{
		"tool": use.Name,
		"id":   use.ID,
	})

	start := time.Now()
	content, err := l.dispatch(ctx, allowed, use)
	metrics.RecordToolExecution(use.Name, time.Since(start), err == nil)

	if err != nil {
		l.logger.Warn().Err(err).Str("tool", use.Name).Stringer("entity", ref).Msg("Tool execution failed")
		l.bus.Emit(events.TypeToolComplete, ref, map[string]interface{}{
			"tool":  use.Name,
			"id":    use.ID,
			"error": err.Error(),
		})
		return llm.ToolResultBlock(use.ID, err.Error(), true)
	}

	l.bus.Emit(events.TypeToolComplete, ref, map[string]interface{}{
		"tool": use.Name,
		"id":   use.ID,
	})
	return llm.ToolResultBlock(use.ID, content, false)
}

func (l *Loop) dispatch(ctx context.Context, allowed []string, use llm.ContentBlock) (string, error) {
	server, ok := l.tools.ServerFor(use.Name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", use.Name)
	}
	if !serverAllowed(allowed, server) {
		return "", fmt.Errorf("tool %q is not available to this entity", use.Name)
	}
	if err := l.tools.ValidateArgs(use.Name, use.Input); err != nil {
		return "", fmt.Errorf("invalid arguments for %q: %w", use.Name, err)
	}
	return l.tools.Execute(ctx, use.Name, use.Input)
}

// serverAllowed applies the entity allow-list. Nil means unrestricted.
func serverAllowed(allowed []string, server string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, name := range allowed {
		if name == server {
			return true
		}
	}
	return false
}

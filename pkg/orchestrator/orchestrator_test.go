package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindling-ai/kindling/pkg/agentloop"
	"github.com/kindling-ai/kindling/pkg/conversation"
	"github.com/kindling-ai/kindling/pkg/entity"
	"github.com/kindling-ai/kindling/pkg/feedguard"
	"github.com/kindling-ai/kindling/pkg/llm"
	"github.com/kindling-ai/kindling/pkg/runstate"
	"github.com/kindling-ai/kindling/pkg/schedule"
)

type fakeResolver struct {
	entities map[entity.Ref]entity.Agentable
}

func (r *fakeResolver) Resolve(ref entity.Ref) (entity.Agentable, error) {
	a, ok := r.entities[ref]
	if !ok {
		return nil, fmt.Errorf("unknown entity %s", ref)
	}
	return a, nil
}

type fakeLoop struct {
	mu        sync.Mutex
	runs      int
	histories [][]llm.Message
	result    agentloop.Result
	err       error
	gate      chan struct{}
}

func (l *fakeLoop) Run(_ context.Context, _ entity.Agentable, history []llm.Message) (agentloop.Result, error) {
	l.mu.Lock()
	l.runs++
	l.histories = append(l.histories, history)
	l.mu.Unlock()
	if l.gate != nil {
		<-l.gate
	}
	return l.result, l.err
}

func (l *fakeLoop) runCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs
}

func doneResult(text string) agentloop.Result {
	return agentloop.Result{
		Status: agentloop.StatusDone,
		Turns: []conversation.Turn{
			{Role: "assistant", Blocks: []llm.ContentBlock{llm.TextBlock(text)}, Timestamp: time.Now().UTC()},
		},
		Iterations: 1,
	}
}

type harness struct {
	orch  *Orchestrator
	store *runstate.Store
	log   *conversation.Log
	loop  *fakeLoop
	sched *schedule.LocalScheduler
	goal  *entity.Goal
}

func newHarness(t *testing.T, loop *fakeLoop) *harness {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	dir := t.TempDir()

	store, err := runstate.Open(filepath.Join(dir, "state.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log, err := conversation.NewLog(filepath.Join(dir, "conversations"))
	require.NoError(t, err)

	sched, err := schedule.NewLocal(schedule.Options{
		StorePath: filepath.Join(dir, "jobs.json"),
		Run:       func(context.Context, entity.Ref, string) {},
	})
	require.NoError(t, err)
	t.Cleanup(func() { sched.Stop() })

	goal := &entity.Goal{ID: "g1", Prompt: "work the goal", Created: time.Now().Add(-48 * time.Hour).Unix()}
	orch, err := New(Config{
		Store:    store,
		Resolver: &fakeResolver{entities: map[entity.Ref]entity.Agentable{goal.Ref(): goal}},
		Loop:     loop,
		Log:      log,
		Guard:    feedguard.New(store, 3, logger),
		Verifier: schedule.NewVerifier(store, sched, logger),
		Sched:    sched,
		Logger:   logger,
	})
	require.NoError(t, err)

	return &harness{orch: orch, store: store, log: log, loop: loop, sched: sched, goal: goal}
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("persists turns and releases the lock", func(t *testing.T) {
		h := newHarness(t, &fakeLoop{result: doneResult("done thinking")})

		require.NoError(t, h.orch.Run(ctx, h.goal.Ref(), ""))

		turns, err := h.log.Load(h.goal.Ref())
		require.NoError(t, err)
		require.Len(t, turns, 1)
		assert.Equal(t, "assistant", turns[0].Role)

		st, err := h.store.Read(ctx, h.goal.Ref())
		require.NoError(t, err)
		assert.False(t, st.OrchestratorRunning)
	})

	t.Run("seeds the triggering message as a user turn", func(t *testing.T) {
		h := newHarness(t, &fakeLoop{result: doneResult("reply")})

		require.NoError(t, h.orch.Run(ctx, h.goal.Ref(), "how is it going?"))

		require.Len(t, h.loop.histories, 1)
		history := h.loop.histories[0]
		require.Len(t, history, 1)
		assert.Equal(t, "user", history[0].Role)
		assert.Equal(t, "how is it going?", history[0].Blocks[0].Text)

		turns, err := h.log.Load(h.goal.Ref())
		require.NoError(t, err)
		require.Len(t, turns, 2)
		assert.Equal(t, "user", turns[0].Role)
		assert.Equal(t, "assistant", turns[1].Role)
	})

	t.Run("held lock skips the run without error", func(t *testing.T) {
		h := newHarness(t, &fakeLoop{result: doneResult("x")})

		ok, err := h.store.ClaimExecutionLock(ctx, h.goal.Ref(), "other-job")
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, h.orch.Run(ctx, h.goal.Ref(), ""))
		assert.Zero(t, h.loop.runCount())

		// The foreign lock stays intact, and the turn marker written
		// before the denied claim stays behind for the holder to clear.
		st, err := h.store.Read(ctx, h.goal.Ref())
		require.NoError(t, err)
		assert.True(t, st.OrchestratorRunning)
		assert.NotNil(t, st.CurrentTurnStartedAt)

		require.NoError(t, h.store.ReleaseExecutionLock(ctx, h.goal.Ref()))
		st, err = h.store.Read(ctx, h.goal.Ref())
		require.NoError(t, err)
		assert.Nil(t, st.CurrentTurnStartedAt)
	})

	t.Run("in-flight run carries the turn marker until release", func(t *testing.T) {
		gate := make(chan struct{})
		h := newHarness(t, &fakeLoop{result: doneResult("x"), gate: gate})

		done := make(chan error, 1)
		go func() {
			done <- h.orch.Run(ctx, h.goal.Ref(), "")
		}()

		require.Eventually(t, func() bool {
			return h.loop.runCount() == 1
		}, 2*time.Second, 10*time.Millisecond)

		st, err := h.store.Read(ctx, h.goal.Ref())
		require.NoError(t, err)
		assert.True(t, st.OrchestratorRunning)
		assert.NotNil(t, st.CurrentTurnStartedAt)

		close(gate)
		require.NoError(t, <-done)

		st, err = h.store.Read(ctx, h.goal.Ref())
		require.NoError(t, err)
		assert.False(t, st.OrchestratorRunning)
		assert.Nil(t, st.CurrentTurnStartedAt)
	})

	t.Run("loop failure keeps partial turns and still releases", func(t *testing.T) {
		partial := agentloop.Result{
			Status: agentloop.StatusFailed,
			Turns: []conversation.Turn{
				{Role: "assistant", Blocks: []llm.ContentBlock{llm.TextBlock("got this far")}},
			},
		}
		h := newHarness(t, &fakeLoop{result: partial, err: fmt.Errorf("model melted")})

		err := h.orch.Run(ctx, h.goal.Ref(), "")
		require.Error(t, err)

		turns, err2 := h.log.Load(h.goal.Ref())
		require.NoError(t, err2)
		assert.Len(t, turns, 1)

		st, err2 := h.store.Read(ctx, h.goal.Ref())
		require.NoError(t, err2)
		assert.False(t, st.OrchestratorRunning)
	})

	t.Run("unknown entity is an error", func(t *testing.T) {
		h := newHarness(t, &fakeLoop{result: doneResult("x")})
		err := h.orch.Run(ctx, entity.Ref{Kind: entity.KindTask, ID: "ghost"}, "")
		assert.Error(t, err)
	})

	t.Run("concurrent triggers run the loop once", func(t *testing.T) {
		gate := make(chan struct{})
		h := newHarness(t, &fakeLoop{result: doneResult("x"), gate: gate})

		done := make(chan error, 8)
		for i := 0; i < 8; i++ {
			go func() {
				done <- h.orch.Run(ctx, h.goal.Ref(), "")
			}()
		}

		// Seven triggers bounce off the held lock while the winner is
		// parked on the gate.
		for i := 0; i < 7; i++ {
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("contended run never returned")
			}
		}
		close(gate)
		require.NoError(t, <-done)

		assert.Equal(t, 1, h.loop.runCount())
	})
}

func TestFeedRuns(t *testing.T) {
	ctx := context.Background()

	t.Run("records output and blocks the rest of the day", func(t *testing.T) {
		h := newHarness(t, &fakeLoop{result: doneResult("your morning briefing")})

		require.NoError(t, h.orch.Run(ctx, h.goal.Ref(), "feed:morning"))
		require.Equal(t, 1, h.loop.runCount())

		exists, err := h.store.FeedOutputExists(ctx, h.goal.Ref(), "morning", time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.True(t, exists)

		// The second fire of the same period is guard-blocked, not an error.
		require.NoError(t, h.orch.Run(ctx, h.goal.Ref(), "feed:morning"))
		assert.Equal(t, 1, h.loop.runCount())

		// A generation attempt was counted.
		st, err := h.store.Read(ctx, h.goal.Ref())
		require.NoError(t, err)
		assert.Equal(t, 1, st.AttemptCount("morning", time.Now()))
	})

	t.Run("failed feed run records no output", func(t *testing.T) {
		h := newHarness(t, &fakeLoop{
			result: agentloop.Result{Status: agentloop.StatusFailed},
			err:    fmt.Errorf("model melted"),
		})

		require.Error(t, h.orch.Run(ctx, h.goal.Ref(), "feed:evening"))

		exists, err := h.store.FeedOutputExists(ctx, h.goal.Ref(), "evening", time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("guard blocks a concurrent check while a run is in flight", func(t *testing.T) {
		gate := make(chan struct{})
		h := newHarness(t, &fakeLoop{result: doneResult("your morning briefing"), gate: gate})

		done := make(chan error, 1)
		go func() {
			done <- h.orch.Run(ctx, h.goal.Ref(), "feed:morning")
		}()

		require.Eventually(t, func() bool {
			return h.loop.runCount() == 1
		}, 2*time.Second, 10*time.Millisecond)

		logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
		guard := feedguard.New(h.store, 3, logger)
		decision, err := guard.CanGenerate(ctx, h.goal, "morning", feedguard.Options{})
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, feedguard.ReasonInProgress, decision.Reason)

		close(gate)
		require.NoError(t, <-done)
	})

	t.Run("inactive entity is guard-blocked", func(t *testing.T) {
		h := newHarness(t, &fakeLoop{result: doneResult("x")})
		h.goal.Archived = true

		require.NoError(t, h.orch.Run(ctx, h.goal.Ref(), "feed:morning"))
		assert.Zero(t, h.loop.runCount())
	})
}

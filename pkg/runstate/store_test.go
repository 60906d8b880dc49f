package runstate

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindling-ai/kindling/pkg/entity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runstate.db")
	s, err := Open(path, zerolog.New(os.Stdout).Level(zerolog.Disabled))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func goalRef(id string) entity.Ref {
	return entity.Ref{Kind: entity.KindGoal, ID: id}
}

func TestReadUpdate(t *testing.T) {
	t.Run("missing entity reads as zero state", func(t *testing.T) {
		s := newTestStore(t)

		st, err := s.Read(context.Background(), goalRef("g1"))
		require.NoError(t, err)
		assert.False(t, st.OrchestratorRunning)
		assert.Nil(t, st.FeedSchedule)
	})

	t.Run("update persists mutations", func(t *testing.T) {
		s := newTestStore(t)
		ref := goalRef("g1")

		err := s.Update(context.Background(), ref, func(st *State) error {
			st.SetFeedSchedule(&FeedSchedule{Enabled: true, Periods: []string{"morning"}})
			return nil
		}, false)
		require.NoError(t, err)

		st, err := s.Read(context.Background(), ref)
		require.NoError(t, err)
		require.NotNil(t, st.FeedSchedule)
		assert.Equal(t, []string{"morning"}, st.FeedSchedule.Periods)
	})

	t.Run("mutator error aborts the write", func(t *testing.T) {
		s := newTestStore(t)
		ref := goalRef("g1")

		err := s.Update(context.Background(), ref, func(st *State) error {
			st.OrchestratorRunning = true
			return assert.AnError
		}, false)
		require.Error(t, err)

		st, err := s.Read(context.Background(), ref)
		require.NoError(t, err)
		assert.False(t, st.OrchestratorRunning)
	})

	t.Run("entities are isolated", func(t *testing.T) {
		s := newTestStore(t)

		require.NoError(t, s.Update(context.Background(), goalRef("g1"), func(st *State) error {
			st.OrchestratorRunning = true
			return nil
		}, false))

		st, err := s.Read(context.Background(), goalRef("g2"))
		require.NoError(t, err)
		assert.False(t, st.OrchestratorRunning)
	})

	t.Run("rejects malformed refs", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.Read(context.Background(), entity.Ref{Kind: "widget", ID: "x"})
		assert.ErrorIs(t, err, entity.ErrInvalidRef)

		_, err = s.Read(context.Background(), goalRef("../escape"))
		assert.ErrorIs(t, err, entity.ErrInvalidRef)
	})
}

func TestExecutionLock(t *testing.T) {
	t.Run("claim sets running with a start time", func(t *testing.T) {
		s := newTestStore(t)
		ref := goalRef("g1")

		ok, err := s.ClaimExecutionLock(context.Background(), ref, "job-1")
		require.NoError(t, err)
		require.True(t, ok)

		st, err := s.Read(context.Background(), ref)
		require.NoError(t, err)
		assert.True(t, st.OrchestratorRunning)
		require.NotNil(t, st.OrchestratorStartedAt)
		assert.Equal(t, "job-1", st.OrchestratorJobID)
	})

	t.Run("second claim is denied until release", func(t *testing.T) {
		s := newTestStore(t)
		ref := goalRef("g1")

		ok, err := s.ClaimExecutionLock(context.Background(), ref, "job-1")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.ClaimExecutionLock(context.Background(), ref, "job-2")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.ReleaseExecutionLock(context.Background(), ref))

		ok, err = s.ClaimExecutionLock(context.Background(), ref, "job-3")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("at most one concurrent claimer wins", func(t *testing.T) {
		s := newTestStore(t)
		ref := goalRef("g1")

		const claimers = 16
		var wg sync.WaitGroup
		wins := make(chan bool, claimers)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.ClaimExecutionLock(context.Background(), ref, "")
				assert.NoError(t, err)
				wins <- ok
			}()
		}
		wg.Wait()
		close(wins)

		won := 0
		for ok := range wins {
			if ok {
				won++
			}
		}
		assert.Equal(t, 1, won)
	})

	t.Run("release is idempotent", func(t *testing.T) {
		s := newTestStore(t)
		ref := goalRef("g1")

		require.NoError(t, s.ReleaseExecutionLock(context.Background(), ref))
		require.NoError(t, s.ReleaseExecutionLock(context.Background(), ref))

		st, err := s.Read(context.Background(), ref)
		require.NoError(t, err)
		assert.False(t, st.OrchestratorRunning)
		assert.Empty(t, st.OrchestratorJobID)
	})
}

func TestAttemptCounter(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	t.Run("first bump starts at one", func(t *testing.T) {
		var st State
		assert.Equal(t, 1, st.BumpFeedAttempt("morning", now))
		assert.Equal(t, 1, st.AttemptCount("morning", now))
	})

	t.Run("bumps inside the window increment", func(t *testing.T) {
		var st State
		st.BumpFeedAttempt("morning", now)
		st.BumpFeedAttempt("morning", now.Add(time.Hour))
		assert.Equal(t, 3, st.BumpFeedAttempt("morning", now.Add(2*time.Hour)))
	})

	t.Run("bump after the window resets to one", func(t *testing.T) {
		var st State
		st.BumpFeedAttempt("morning", now)
		st.BumpFeedAttempt("morning", now)
		assert.Equal(t, 1, st.BumpFeedAttempt("morning", now.Add(AttemptWindow)))
	})

	t.Run("expired counter reads as zero without mutating", func(t *testing.T) {
		var st State
		st.BumpFeedAttempt("morning", now)

		later := now.Add(AttemptWindow + time.Minute)
		assert.Equal(t, 0, st.AttemptCount("morning", later))
		assert.Equal(t, 0, st.AttemptCount("morning", later))

		// The stored record is untouched until the next bump.
		assert.Equal(t, 1, st.FeedAttempts["morning"].Count)
	})

	t.Run("periods count independently", func(t *testing.T) {
		var st State
		st.BumpFeedAttempt("morning", now)
		st.BumpFeedAttempt("morning", now)
		st.BumpFeedAttempt("evening", now)
		assert.Equal(t, 2, st.AttemptCount("morning", now))
		assert.Equal(t, 1, st.AttemptCount("evening", now))
	})
}

func TestFeedOutputs(t *testing.T) {
	t.Run("recorded output is found for its period", func(t *testing.T) {
		s := newTestStore(t)
		ref := goalRef("g1")
		since := time.Now().Add(-time.Minute)

		exists, err := s.FeedOutputExists(context.Background(), ref, "morning", since)
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, s.RecordFeedOutput(context.Background(), ref, "morning", `{"insights":[]}`))

		exists, err = s.FeedOutputExists(context.Background(), ref, "morning", since)
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = s.FeedOutputExists(context.Background(), ref, "evening", since)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("outputs before the cutoff do not count", func(t *testing.T) {
		s := newTestStore(t)
		ref := goalRef("g1")

		require.NoError(t, s.RecordFeedOutput(context.Background(), ref, "morning", "old"))

		exists, err := s.FeedOutputExists(context.Background(), ref, "morning", time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestStaleLocks(t *testing.T) {
	s := newTestStore(t)
	fresh := goalRef("fresh")
	stale := goalRef("stale")
	idle := goalRef("idle")

	_, err := s.ClaimExecutionLock(context.Background(), fresh, "")
	require.NoError(t, err)

	old := time.Now().UTC().Add(-3 * time.Hour)
	require.NoError(t, s.Update(context.Background(), stale, func(st *State) error {
		st.SetOrchestratorRunning("job-old", old)
		return nil
	}, true))

	require.NoError(t, s.Update(context.Background(), idle, func(st *State) error { return nil }, false))

	// A turn marker with no lock behind it counts as stale too.
	marked := goalRef("marked")
	require.NoError(t, s.Update(context.Background(), marked, func(st *State) error {
		st.SetTurnStarted(old)
		return nil
	}, true))

	refs, err := s.StaleLocks(context.Background(), time.Now().UTC().Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []entity.Ref{marked, stale}, refs)
}

func TestEntities(t *testing.T) {
	s := newTestStore(t)

	refs, err := s.Entities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refs)

	for _, id := range []string{"b", "a"} {
		require.NoError(t, s.Update(context.Background(), goalRef(id), func(st *State) error { return nil }, false))
	}

	refs, err = s.Entities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []entity.Ref{goalRef("a"), goalRef("b")}, refs)
}

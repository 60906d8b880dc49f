package runstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/pkg/entity"
)

// Store persists per-entity runtime state and generated feed output in a
// SQLite database. Every mutation is a full read-modify-write cycle; the
// execution lock is advisory and holds only as long as every writer goes
// through Update.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open opens or creates the database at path and initializes the schema.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency between workers
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "runstate").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runtime_state (
			entity_kind TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			state       TEXT NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (entity_kind, entity_id)
		);

		CREATE TABLE IF NOT EXISTS feed_outputs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_kind TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			period      TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			body        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_feed_outputs_entity
			ON feed_outputs(entity_kind, entity_id, period, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// entityLock returns the per-entity mutex, creating it on first use.
func (s *Store) entityLock(ref entity.Ref) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ref.String()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Read loads the current state for an entity. A missing row reads as the
// zero State.
func (s *Store) Read(ctx context.Context, ref entity.Ref) (State, error) {
	if err := ref.Validate(); err != nil {
		return State{}, err
	}

	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM runtime_state WHERE entity_kind = ? AND entity_id = ?",
		string(ref.Kind), ref.ID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read state: %w", err)
	}

	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, fmt.Errorf("decode state for %s: %w", ref, err)
	}
	return st, nil
}

// Update applies mutate to the entity's state in one read-modify-write
// cycle and persists the result. With withLock set, updates to the same
// entity serialize on a per-entity mutex so check-then-set sequences
// cannot race. Returning an error from mutate aborts the write.
func (s *Store) Update(ctx context.Context, ref entity.Ref, mutate func(*State) error, withLock bool) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	if withLock {
		l := s.entityLock(ref)
		l.Lock()
		defer l.Unlock()
	}

	st, err := s.Read(ctx, ref)
	if err != nil {
		return err
	}
	if err := mutate(&st); err != nil {
		return err
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state for %s: %w", ref, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runtime_state (entity_kind, entity_id, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_kind, entity_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, string(ref.Kind), ref.ID, string(raw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("persist state for %s: %w", ref, err)
	}
	return nil
}

// ClaimExecutionLock attempts to mark the entity as running. Returns false
// without error when another run already holds the lock. The check and set
// happen under the per-entity mutex.
func (s *Store) ClaimExecutionLock(ctx context.Context, ref entity.Ref, jobID string) (bool, error) {
	claimed := false
	err := s.Update(ctx, ref, func(st *State) error {
		if st.OrchestratorRunning {
			return nil
		}
		st.SetOrchestratorRunning(jobID, time.Now().UTC())
		claimed = true
		return nil
	}, true)
	if err != nil {
		return false, err
	}
	if !claimed {
		s.logger.Debug().Stringer("entity", ref).Msg("Execution lock contended")
	}
	return claimed, nil
}

// ReleaseExecutionLock clears the running flag and job id. Idempotent.
func (s *Store) ReleaseExecutionLock(ctx context.Context, ref entity.Ref) error {
	return s.Update(ctx, ref, func(st *State) error {
		st.ClearOrchestratorRunning()
		st.ClearTurnStarted()
		return nil
	}, true)
}

// RecordFeedOutput stores one generated feed record.
func (s *Store) RecordFeedOutput(ctx context.Context, ref entity.Ref, period, body string) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_outputs (entity_kind, entity_id, period, created_at, body)
		VALUES (?, ?, ?, ?, ?)
	`, string(ref.Kind), ref.ID, period, time.Now().Unix(), body)
	if err != nil {
		return fmt.Errorf("record feed output for %s: %w", ref, err)
	}
	return nil
}

// FeedOutputExists reports whether a feed record exists for the entity and
// period at or after since.
func (s *Store) FeedOutputExists(ctx context.Context, ref entity.Ref, period string, since time.Time) (bool, error) {
	if err := ref.Validate(); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM feed_outputs
		WHERE entity_kind = ? AND entity_id = ? AND period = ? AND created_at >= ?
	`, string(ref.Kind), ref.ID, period, since.Unix()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query feed outputs for %s: %w", ref, err)
	}
	return n > 0, nil
}

// Entities lists every entity with a stored state row.
func (s *Store) Entities(ctx context.Context) ([]entity.Ref, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT entity_kind, entity_id FROM runtime_state ORDER BY entity_kind, entity_id")
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var refs []entity.Ref
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, err
		}
		refs = append(refs, entity.Ref{Kind: entity.Kind(kind), ID: id})
	}
	return refs, rows.Err()
}

// StaleLocks lists entities whose execution lock, or whose in-flight turn
// marker with no lock behind it, predates the cutoff. The periodic sweep
// uses this to recover from crashed runs.
func (s *Store) StaleLocks(ctx context.Context, before time.Time) ([]entity.Ref, error) {
	refs, err := s.Entities(ctx)
	if err != nil {
		return nil, err
	}

	var stale []entity.Ref
	for _, ref := range refs {
		st, err := s.Read(ctx, ref)
		if err != nil {
			s.logger.Warn().Err(err).Stringer("entity", ref).Msg("Skipping unreadable state during stale sweep")
			continue
		}
		switch {
		case st.OrchestratorRunning && st.OrchestratorStartedAt != nil && st.OrchestratorStartedAt.Before(before):
			stale = append(stale, ref)
		case !st.OrchestratorRunning && st.CurrentTurnStartedAt != nil && st.CurrentTurnStartedAt.Before(before):
			// A marker without the lock means the run died between the
			// two writes.
			stale = append(stale, ref)
		}
	}
	return stale, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

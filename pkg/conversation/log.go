// Package conversation persists per-entity conversation history as
// append-only JSONL, one turn per line.
package conversation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kindling-ai/kindling/pkg/entity"
	"github.com/kindling-ai/kindling/pkg/llm"
)

// Turn is one conversation turn: the role plus its ordered content blocks.
type Turn struct {
	Role      string             `json:"role"`
	Blocks    []llm.ContentBlock `json:"blocks"`
	Timestamp time.Time          `json:"timestamp"`
}

// Log manages the conversation files for all entities under one data dir.
type Log struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewLog creates the data directory if needed and returns a Log.
func NewLog(dir string) (*Log, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".kindling", "conversations")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create conversations directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("Conversation log initialized")
	return &Log{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// path maps an entity to its file. Ref ids are already validated against
// separators and traversal, and the kind/id join uses '-' because ':' is
// not portable in file names.
func (l *Log) path(ref entity.Ref) string {
	return filepath.Join(l.dir, string(ref.Kind)+"-"+ref.ID+".jsonl")
}

func (l *Log) writeLock(ref entity.Ref) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	key := ref.String()
	lock, ok := l.writeLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.writeLocks[key] = lock
	}
	return lock
}

// Append adds one turn to the entity's history.
func (l *Log) Append(ref entity.Ref, turn Turn) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if turn.Role == "" {
		return fmt.Errorf("turn role cannot be empty")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	lock := l.writeLock(ref)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(l.path(ref), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open conversation file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write turn: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync conversation file: %w", err)
	}

	log.Debug().Stringer("entity", ref).Str("role", turn.Role).Msg("Turn appended")
	return nil
}

// Load reads the entity's full history. A missing file is an empty
// history; unparseable lines are skipped with a warning so one corrupt
// write cannot wedge the entity.
func (l *Log) Load(ref entity.Ref) ([]Turn, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	file, err := os.Open(l.path(ref))
	if os.IsNotExist(err) {
		return []Turn{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation file: %w", err)
	}
	defer file.Close()

	var turns []Turn
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		var turn Turn
		if err := json.Unmarshal([]byte(line), &turn); err != nil {
			log.Warn().Stringer("entity", ref).Int("line", lineNum).Err(err).
				Msg("Failed to parse turn, skipping")
			continue
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}
	return turns, nil
}

// Messages converts a history into the message sequence sent to a
// provider.
func Messages(turns []Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: t.Role, Blocks: t.Blocks})
	}
	return msgs
}

// List returns the refs of all entities with a stored conversation.
func (l *Log) List() ([]entity.Ref, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return []entity.Ref{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations directory: %w", err)
	}

	var refs []entity.Ref
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".jsonl")
		kind, id, ok := strings.Cut(name, "-")
		if !ok {
			continue
		}
		ref := entity.Ref{Kind: entity.Kind(kind), ID: id}
		if ref.Validate() != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Delete removes the entity's history. Missing files are not an error.
func (l *Log) Delete(ref entity.Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	lock := l.writeLock(ref)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(l.path(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete conversation file: %w", err)
	}
	return nil
}

package entity

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrNotFound is returned when a reference resolves to nothing.
var ErrNotFound = fmt.Errorf("entity: not found")

// catalogFile is the on-disk shape of the entity catalog.
type catalogFile struct {
	Goals      []*Goal      `json:"goals,omitempty"`
	Tasks      []*Task      `json:"tasks,omitempty"`
	UserAgents []*UserAgent `json:"user_agents,omitempty"`
}

// FileResolver resolves entities from a JSON catalog file. The file is
// re-read when its modification time changes, so edits show up without a
// restart.
type FileResolver struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	byRef   map[Ref]Agentable
}

// NewFileResolver creates a resolver for the catalog at path. A missing
// file is an empty catalog.
func NewFileResolver(path string) *FileResolver {
	return &FileResolver{path: path, byRef: make(map[Ref]Agentable)}
}

// Resolve looks up one entity, refreshing the catalog first if the file
// changed.
func (r *FileResolver) Resolve(ref Ref) (Agentable, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(); err != nil {
		return nil, err
	}
	a, ok := r.byRef[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return a, nil
}

// All returns every entity in the catalog.
func (r *FileResolver) All() ([]Agentable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(); err != nil {
		return nil, err
	}
	all := make([]Agentable, 0, len(r.byRef))
	for _, a := range r.byRef {
		all = append(all, a)
	}
	return all, nil
}

func (r *FileResolver) refreshLocked() error {
	info, err := os.Stat(r.path)
	if os.IsNotExist(err) {
		r.byRef = make(map[Ref]Agentable)
		r.modTime = time.Time{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat catalog: %w", err)
	}
	if info.ModTime().Equal(r.modTime) {
		return nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	var cat catalogFile
	if err := json.Unmarshal(data, &cat); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}

	byRef := make(map[Ref]Agentable)
	for _, g := range cat.Goals {
		byRef[g.Ref()] = g
	}
	for _, t := range cat.Tasks {
		byRef[t.Ref()] = t
	}
	for _, u := range cat.UserAgents {
		byRef[u.Ref()] = u
	}

	r.byRef = byRef
	r.modTime = info.ModTime()
	return nil
}

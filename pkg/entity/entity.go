// Package entity defines the agent-owning entities of the runtime. A goal,
// a task, or a user's default agent can each own a conversation, a runtime
// state blob, and at most one concurrent agent run.
package entity

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the three agentable entity kinds.
type Kind string

const (
	KindGoal      Kind = "goal"
	KindTask      Kind = "task"
	KindUserAgent Kind = "useragent"
)

// ErrInvalidRef is returned for malformed or unknown entity references.
var ErrInvalidRef = errors.New("entity: invalid reference")

// Ref identifies one entity. Identity is the (kind, id) pair.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// String renders the canonical "kind:id" form used in logs and storage keys.
func (r Ref) String() string {
	return string(r.Kind) + ":" + r.ID
}

// Validate checks the kind is known and the id is storage-safe. Ids become
// file names and database keys, so path separators and traversal sequences
// are rejected outright.
func (r Ref) Validate() error {
	switch r.Kind {
	case KindGoal, KindTask, KindUserAgent:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRef, r.Kind)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRef)
	}
	if strings.ContainsAny(r.ID, "/\\:") || strings.Contains(r.ID, "..") {
		return fmt.Errorf("%w: unsafe id %q", ErrInvalidRef, r.ID)
	}
	return nil
}

// ParseRef parses the "kind:id" form produced by Ref.String.
func ParseRef(s string) (Ref, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	ref := Ref{Kind: Kind(kind), ID: id}
	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// Agentable is the behavior shared by the three entity kinds. Callers
// depend on this interface, never on a concrete variant.
type Agentable interface {
	// Ref returns the entity's identity.
	Ref() Ref
	// SystemPrompt returns the prompt that frames this entity's runs.
	SystemPrompt() string
	// AllowedServers returns the tool server allow-list. Nil means all
	// registered servers are usable.
	AllowedServers() []string
	// Active reports whether the entity currently qualifies for
	// generation runs.
	Active() bool
	// CreatedAt is used by the retroactive new-user skip.
	CreatedAtUnix() int64
}

// Resolver looks an entity up by reference.
type Resolver interface {
	Resolve(ref Ref) (Agentable, error)
}

// Goal is a long-lived objective the agent works toward across many runs.
type Goal struct {
	ID       string
	Title    string
	Prompt   string
	Servers  []string
	Archived bool
	Created  int64
}

func (g *Goal) Ref() Ref                 { return Ref{Kind: KindGoal, ID: g.ID} }
func (g *Goal) SystemPrompt() string     { return g.Prompt }
func (g *Goal) AllowedServers() []string { return g.Servers }
func (g *Goal) Active() bool             { return !g.Archived }
func (g *Goal) CreatedAtUnix() int64     { return g.Created }

// Task is a bounded unit of work that completes and is done.
type Task struct {
	ID      string
	Title   string
	Prompt  string
	Servers []string
	Done    bool
	Created int64
}

func (t *Task) Ref() Ref                 { return Ref{Kind: KindTask, ID: t.ID} }
func (t *Task) SystemPrompt() string     { return t.Prompt }
func (t *Task) AllowedServers() []string { return t.Servers }
func (t *Task) Active() bool             { return !t.Done }
func (t *Task) CreatedAtUnix() int64     { return t.Created }

// UserAgent is a user's default agent, always active while the user is.
type UserAgent struct {
	UserID  string
	Prompt  string
	Servers []string
	Created int64
}

func (u *UserAgent) Ref() Ref                 { return Ref{Kind: KindUserAgent, ID: u.UserID} }
func (u *UserAgent) SystemPrompt() string     { return u.Prompt }
func (u *UserAgent) AllowedServers() []string { return u.Servers }
func (u *UserAgent) Active() bool             { return true }
func (u *UserAgent) CreatedAtUnix() int64     { return u.Created }

package watcher

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/thiagokokada/repowatch/internal/git"
)

type EventType string

const (
	BranchCreated   EventType = "branch_created"
	BranchChanged   EventType = "branch_changed"
	CommitCreated   EventType = "commit_created"
	CommitPreparing EventType = "commit_preparing"
	IndexUpdated    EventType = "index_updated"
	Merge           EventType = "merge"
	Fetch           EventType = "fetch"
	Unknown         EventType = "unknown"
)

// Event is a classified repository change. Every handler and the sink get
// their own copy of Details.Files and Details.Extra.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	ActorName string    `json:"actorName"`
	RepoPath  string    `json:"repoPath"`
	RepoName  string    `json:"repoName"`
	Branch    string    `json:"branch,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	DedupeKey string    `json:"dedupeKey"`
	Details   Details   `json:"details"`
}

type Details struct {
	Ref         string           `json:"ref,omitempty"`
	CommitHash  string           `json:"commitHash,omitempty"`
	DiffPreview string           `json:"diffPreview,omitempty"`
	Files       []git.FileChange `json:"files,omitempty"`
	Extra       map[string]any   `json:"extra,omitempty"`
}

// clone copies the reference fields of ev so one receiver cannot change what
// another one sees.
func (ev Event) clone() Event {
	ev.Details.Files = slices.Clone(ev.Details.Files)
	ev.Details.Extra = maps.Clone(ev.Details.Extra)
	return ev
}

// Handler receives events synchronously from the watcher. It must not call
// Watch, Unwatch or Close on the same watcher.
type Handler func(Event)

// Sink receives every emitted event after the subscribers, from a single
// goroutine owned by the watcher. Errors are logged and never reach the
// watcher's callers.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// CommitReader looks up the last commit of a repository.
type CommitReader interface {
	LastCommit(ctx context.Context, repo string) (git.CommitInfo, error)
}

// RefReader resolves refs to the commits they point at.
type RefReader interface {
	Branches(root string) ([]string, error)
	CommitForRef(root, refName string) (git.CommitDetails, error)
}

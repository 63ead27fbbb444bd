package backend

import "context"

// Backend abstracts access to a single repository.
//
// The default implementation shells out to the git executable. Every method
// takes a context and is bounded by the runner timeout, so a wedged git
// process never blocks a caller indefinitely.
type Backend interface {
	RepoPath() string

	LastCommit(ctx context.Context) (Commit, error)
	Status(ctx context.Context) (StatusSnapshot, error)
	DiffText(ctx context.Context, path string, staged bool) (string, error)
	IsTracked(ctx context.Context, path string) (bool, error)

	Stage(ctx context.Context, path string) error
	Unstage(ctx context.Context, path string) error
	Discard(ctx context.Context, path string) error
	Commit(ctx context.Context, message string) (hash string, err error)
}

package git

import (
	"errors"

	gitbackend "github.com/thiagokokada/repowatch/internal/git/backend"
)

var (
	// ErrNotRepository is returned when a path has no git metadata.
	ErrNotRepository = gitbackend.ErrNotRepository
	// ErrMalformedGitFile is returned when a .git file does not hold a
	// usable "gitdir:" redirect.
	ErrMalformedGitFile = errors.New("malformed .git file")
	ErrInvalidPath      = errors.New("invalid repository path")
)

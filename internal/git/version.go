package git

import (
	"context"

	gitbackend "github.com/thiagokokada/repowatch/internal/git/backend"
)

func (s *Service) GitVersion(ctx context.Context) (string, error) {
	return gitbackend.GitVersion(ctx, s.runner)
}

func MinGitVersion() string {
	return gitbackend.MinGitVersion()
}

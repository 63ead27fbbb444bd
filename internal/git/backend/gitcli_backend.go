package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

type gitCLI struct {
	path   string
	runner Runner
}

// OpenCLI resolves the top-level directory of the repository containing
// repoPath and returns a git CLI backed Backend for it.
func OpenCLI(ctx context.Context, repoPath string, runner Runner) (Backend, error) {
	if err := ensureMinGitVersion(ctx, runner); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, err
	}
	out, err := runner.Run(ctx, abs, []string{"rev-parse", "--show-toplevel"}, false, "git rev-parse")
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, abs)
		}
		return nil, fmt.Errorf("open repository: %w", err)
	}
	root := strings.TrimSpace(out)
	if root == "" {
		return nil, fmt.Errorf("%w: %s: git rev-parse returned empty root", ErrNotRepository, abs)
	}
	return &gitCLI{path: filepath.Clean(root), runner: runner}, nil
}

func (g *gitCLI) RepoPath() string {
	if g == nil {
		return ""
	}
	return g.path
}

func (g *gitCLI) runGitCommand(ctx context.Context, args []string, allowExit1 bool, label string) (string, error) {
	if g == nil || g.path == "" {
		return "", fmt.Errorf("repository root not set")
	}
	return g.runner.Run(ctx, g.path, args, allowExit1, label)
}

// Status runs the porcelain status query and both numstat queries
// concurrently and merges them into one snapshot.
func (g *gitCLI) Status(ctx context.Context) (StatusSnapshot, error) {
	var statusOut, unstagedOut, stagedOut string
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		statusOut, err = g.runGitCommand(ctx, []string{"status", "--porcelain=v1", "--branch", "--untracked-files=all"}, false, "git status")
		return err
	})
	eg.Go(func() (err error) {
		unstagedOut, err = g.runGitCommand(ctx, []string{"diff", "--no-color", "--numstat"}, true, "git diff --numstat")
		return err
	})
	eg.Go(func() (err error) {
		stagedOut, err = g.runGitCommand(ctx, []string{"diff", "--no-color", "--cached", "--numstat"}, true, "git diff --cached --numstat")
		return err
	})
	if err := eg.Wait(); err != nil {
		return StatusSnapshot{}, err
	}

	snap, err := ParseStatus(strings.NewReader(statusOut))
	if err != nil {
		return snap, err
	}
	unstaged, warnings, err := parseNumstat(strings.NewReader(unstagedOut))
	if err != nil {
		return snap, err
	}
	snap.Warnings = append(snap.Warnings, warnings...)
	staged, warnings, err := parseNumstat(strings.NewReader(stagedOut))
	if err != nil {
		return snap, err
	}
	snap.Warnings = append(snap.Warnings, warnings...)
	applyNumstat(snap.Unstaged, unstaged)
	applyNumstat(snap.Staged, staged)
	applyNumstat(snap.Conflicted, unstaged)
	return snap, nil
}

func (g *gitCLI) DiffText(ctx context.Context, path string, staged bool) (string, error) {
	args := []string{"diff", "--no-color"}
	if staged {
		args = append(args, "--cached")
	}
	args = append(args, "--", path)
	return g.runGitCommand(ctx, args, true, "git diff")
}

func (g *gitCLI) IsTracked(ctx context.Context, path string) (bool, error) {
	out, err := g.runGitCommand(ctx, []string{"ls-files", "-z", "--", path}, false, "git ls-files")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (g *gitCLI) Stage(ctx context.Context, path string) error {
	_, err := g.runGitCommand(ctx, []string{"add", "--", path}, false, "git add")
	return err
}

// Unstage uses reset rather than restore so it also works before the first
// commit exists.
func (g *gitCLI) Unstage(ctx context.Context, path string) error {
	_, err := g.runGitCommand(ctx, []string{"reset", "-q", "--", path}, true, "git reset")
	return err
}

func (g *gitCLI) Discard(ctx context.Context, path string) error {
	tracked, err := g.IsTracked(ctx, path)
	if err != nil {
		return err
	}
	if !tracked {
		_, err = g.runGitCommand(ctx, []string{"clean", "-f", "-q", "--", path}, false, "git clean")
		return err
	}
	_, err = g.runGitCommand(ctx, []string{"restore", "--worktree", "--", path}, false, "git restore")
	return err
}

func (g *gitCLI) Commit(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("commit message is empty")
	}
	if _, err := g.runGitCommand(ctx, []string{"commit", "-q", "-m", message}, false, "git commit"); err != nil {
		return "", err
	}
	out, err := g.runGitCommand(ctx, []string{"rev-parse", "HEAD"}, false, "git rev-parse")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

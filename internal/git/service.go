package git

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	gitbackend "github.com/thiagokokada/repowatch/internal/git/backend"
	"github.com/thiagokokada/repowatch/internal/queue"
)

const DefaultMaxConcurrentReads = 4

// Submitter runs fn serialized with every other command sharing key.
type Submitter interface {
	Submit(ctx context.Context, key, name string, fn func(context.Context) error) error
}

type Options struct {
	Runner             gitbackend.Runner
	MaxConcurrentReads int
	// Queue serializes mutations per repository. When nil the service owns a
	// queue and closes it in Close.
	Queue Submitter
}

// Service answers repository queries and runs mutations through the write
// queue keyed by repository root.
type Service struct {
	runner gitbackend.Runner
	queue  Submitter
	owned  *queue.Queue
	reads  *semaphore.Weighted

	open func(ctx context.Context, repoPath string) (gitbackend.Backend, error)

	mu       sync.Mutex
	backends map[string]gitbackend.Backend
}

func New(opts Options) *Service {
	s := &Service{
		runner:   opts.Runner,
		queue:    opts.Queue,
		reads:    semaphore.NewWeighted(int64(maxReads(opts.MaxConcurrentReads))),
		backends: map[string]gitbackend.Backend{},
	}
	if s.queue == nil {
		s.owned = queue.New(queue.Options{})
		s.queue = s.owned
	}
	s.open = func(ctx context.Context, repoPath string) (gitbackend.Backend, error) {
		return gitbackend.OpenCLI(ctx, repoPath, s.runner)
	}
	return s
}

// NewWithBackend returns a service whose every repository resolves to b.
func NewWithBackend(b gitbackend.Backend, q Submitter) *Service {
	s := New(Options{Queue: q})
	s.open = func(context.Context, string) (gitbackend.Backend, error) { return b, nil }
	return s
}

func maxReads(n int) int {
	if n <= 0 {
		return DefaultMaxConcurrentReads
	}
	return n
}

func (s *Service) Close() error {
	if s.owned != nil {
		return s.owned.Close()
	}
	return nil
}

func (s *Service) backend(ctx context.Context, repo string) (gitbackend.Backend, error) {
	if strings.TrimSpace(repo) == "" {
		return nil, fmt.Errorf("repository not specified")
	}
	abs, err := filepath.Abs(repo)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	b, ok := s.backends[abs]
	s.mu.Unlock()
	if ok {
		return b, nil
	}
	b, err = s.open(ctx, abs)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if existing, ok := s.backends[abs]; ok {
		b = existing
	} else {
		s.backends[abs] = b
	}
	s.mu.Unlock()
	return b, nil
}

// RepoRoot returns the top-level directory of the repository containing repo.
func (s *Service) RepoRoot(ctx context.Context, repo string) (string, error) {
	b, err := s.backend(ctx, repo)
	if err != nil {
		return "", err
	}
	return b.RepoPath(), nil
}

func (s *Service) read(ctx context.Context, repo string, fn func(gitbackend.Backend) error) error {
	b, err := s.backend(ctx, repo)
	if err != nil {
		return err
	}
	if err := s.reads.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.reads.Release(1)
	return fn(b)
}

// GetStatus returns a fresh snapshot; nothing is cached between calls.
func (s *Service) GetStatus(ctx context.Context, repo string) (gitbackend.StatusSnapshot, error) {
	var snap gitbackend.StatusSnapshot
	err := s.read(ctx, repo, func(b gitbackend.Backend) (err error) {
		snap, err = b.Status(ctx)
		return err
	})
	return snap, err
}

// GetDiff returns the staged and unstaged diff for path. An untracked file is
// rendered as a new-file diff.
func (s *Service) GetDiff(ctx context.Context, repo, path string) (string, error) {
	var out string
	err := s.read(ctx, repo, func(b gitbackend.Backend) error {
		rel, err := repoRelPath(b.RepoPath(), path)
		if err != nil {
			return err
		}
		tracked, err := b.IsTracked(ctx, rel)
		if err != nil {
			return err
		}
		if !tracked {
			out, err = untrackedDiff(b.RepoPath(), rel)
			return err
		}
		staged, err := b.DiffText(ctx, rel, true)
		if err != nil {
			return err
		}
		unstaged, err := b.DiffText(ctx, rel, false)
		if err != nil {
			return err
		}
		out = joinDiffs(staged, unstaged)
		return nil
	})
	return out, err
}

func joinDiffs(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		b.WriteString(p)
		if !strings.HasSuffix(p, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (s *Service) StageFile(ctx context.Context, repo, path string) (gitbackend.StatusSnapshot, error) {
	return s.mutatePath(ctx, repo, path, "stage", gitbackend.Backend.Stage)
}

func (s *Service) UnstageFile(ctx context.Context, repo, path string) (gitbackend.StatusSnapshot, error) {
	return s.mutatePath(ctx, repo, path, "unstage", gitbackend.Backend.Unstage)
}

func (s *Service) DiscardFile(ctx context.Context, repo, path string) (gitbackend.StatusSnapshot, error) {
	return s.mutatePath(ctx, repo, path, "discard", gitbackend.Backend.Discard)
}

func (s *Service) Commit(ctx context.Context, repo, message string) (CommitResult, error) {
	if strings.TrimSpace(message) == "" {
		return CommitResult{}, fmt.Errorf("commit message is empty")
	}
	var hash string
	snap, err := s.mutate(ctx, repo, "commit", func(ctx context.Context, b gitbackend.Backend) (err error) {
		hash, err = b.Commit(ctx, message)
		return err
	})
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Hash: hash, Status: snap}, nil
}

func (s *Service) mutatePath(ctx context.Context, repo, path, name string, op func(gitbackend.Backend, context.Context, string) error) (gitbackend.StatusSnapshot, error) {
	return s.mutate(ctx, repo, name, func(ctx context.Context, b gitbackend.Backend) error {
		rel, err := repoRelPath(b.RepoPath(), path)
		if err != nil {
			return err
		}
		return op(b, ctx, rel)
	})
}

// mutate runs op and the follow-up status query as a single queued command so
// the snapshot reflects the mutation and nothing queued after it.
//
// Submit can return before the job finishes when ctx is done, so anything the
// job writes is only read after Submit reports success.
func (s *Service) mutate(ctx context.Context, repo, name string, op func(context.Context, gitbackend.Backend) error) (gitbackend.StatusSnapshot, error) {
	b, err := s.backend(ctx, repo)
	if err != nil {
		return gitbackend.StatusSnapshot{}, err
	}
	var snap gitbackend.StatusSnapshot
	err = s.queue.Submit(ctx, b.RepoPath(), name, func(ctx context.Context) error {
		if err := op(ctx, b); err != nil {
			return err
		}
		st, err := b.Status(ctx)
		if err != nil {
			return fmt.Errorf("%s: refresh status: %w", name, err)
		}
		snap = st
		slog.Debug("repository mutated",
			slog.String("repo", b.RepoPath()),
			slog.String("command", name),
			slog.Bool("clean", st.Clean()),
		)
		return nil
	})
	if err != nil {
		return gitbackend.StatusSnapshot{}, err
	}
	return snap, nil
}

// LastCommit returns HEAD's commit via git log -1.
func (s *Service) LastCommit(ctx context.Context, repo string) (CommitInfo, error) {
	var info CommitInfo
	err := s.read(ctx, repo, func(b gitbackend.Backend) error {
		c, err := b.LastCommit(ctx)
		if err != nil {
			return err
		}
		info = commitInfo(c)
		return nil
	})
	return info, err
}

// CurrentBranch reads HEAD from the metadata dir without running git.
func (s *Service) CurrentBranch(ctx context.Context, repo string) (string, error) {
	root, err := s.RepoRoot(ctx, repo)
	if err != nil {
		return "", err
	}
	gd, err := ResolveGitDir(root)
	if err != nil {
		return "", err
	}
	return ReadHead(gd.Dir)
}

// repoRelPath validates path and returns it relative to root with forward
// slashes. Absolute paths must live inside root.
func repoRelPath(root, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidPath, path)
		}
		path = rel
	}
	path = filepath.Clean(path)
	if path == "." || path == ".." || strings.HasPrefix(path, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the repository", ErrInvalidPath, path)
	}
	if first, _, _ := strings.Cut(filepath.ToSlash(path), "/"); first == ".git" {
		return "", fmt.Errorf("%w: %s is repository metadata", ErrInvalidPath, path)
	}
	return filepath.ToSlash(path), nil
}

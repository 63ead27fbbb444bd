package git

import (
	"context"
	"errors"
	"sync"

	gitbackend "github.com/thiagokokada/repowatch/internal/git/backend"
)

type fakeBackend struct {
	repoPath string

	lastCommitFunc func() (gitbackend.Commit, error)
	statusFunc     func() (gitbackend.StatusSnapshot, error)
	diffTextFunc   func(path string, staged bool) (string, error)
	isTrackedFunc  func(path string) (bool, error)
	stageFunc      func(path string) error
	unstageFunc    func(path string) error
	discardFunc    func(path string) error
	commitFunc     func(message string) (string, error)

	mu    sync.Mutex
	calls []string
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) RepoPath() string { return f.repoPath }

func (f *fakeBackend) LastCommit(context.Context) (gitbackend.Commit, error) {
	if f.lastCommitFunc != nil {
		return f.lastCommitFunc()
	}
	return gitbackend.Commit{}, errors.New("unexpected LastCommit call")
}

func (f *fakeBackend) Status(context.Context) (gitbackend.StatusSnapshot, error) {
	f.record("status")
	if f.statusFunc != nil {
		return f.statusFunc()
	}
	return gitbackend.StatusSnapshot{}, errors.New("unexpected Status call")
}

func (f *fakeBackend) DiffText(_ context.Context, path string, staged bool) (string, error) {
	if f.diffTextFunc != nil {
		return f.diffTextFunc(path, staged)
	}
	return "", errors.New("unexpected DiffText call")
}

func (f *fakeBackend) IsTracked(_ context.Context, path string) (bool, error) {
	if f.isTrackedFunc != nil {
		return f.isTrackedFunc(path)
	}
	return false, errors.New("unexpected IsTracked call")
}

func (f *fakeBackend) Stage(_ context.Context, path string) error {
	f.record("stage " + path)
	if f.stageFunc != nil {
		return f.stageFunc(path)
	}
	return errors.New("unexpected Stage call")
}

func (f *fakeBackend) Unstage(_ context.Context, path string) error {
	f.record("unstage " + path)
	if f.unstageFunc != nil {
		return f.unstageFunc(path)
	}
	return errors.New("unexpected Unstage call")
}

func (f *fakeBackend) Discard(_ context.Context, path string) error {
	f.record("discard " + path)
	if f.discardFunc != nil {
		return f.discardFunc(path)
	}
	return errors.New("unexpected Discard call")
}

func (f *fakeBackend) Commit(_ context.Context, message string) (string, error) {
	f.record("commit")
	if f.commitFunc != nil {
		return f.commitFunc(message)
	}
	return "", errors.New("unexpected Commit call")
}

package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/thiagokokada/repowatch/internal/git"
)

const (
	hashA = "0123456789abcdef0123456789abcdef01234567"
	hashB = "89abcdef0123456789abcdef0123456789abcdef"
)

type fakeSource struct {
	mu      sync.Mutex
	added   map[string]int
	removed []string
	addErr  map[string]error
	closes  int

	events chan fsnotify.Event
	errors chan error
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		added:  map[string]int{},
		addErr: map[string]error{},
		events: make(chan fsnotify.Event, 4096),
		errors: make(chan error, 1),
	}
}

func (f *fakeSource) Add(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.addErr[path]; err != nil {
		return err
	}
	f.added[path]++
	return nil
}

func (f *fakeSource) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	delete(f.added, path)
	return nil
}

func (f *fakeSource) Events() <-chan fsnotify.Event { return f.events }
func (f *fakeSource) Errors() <-chan error          { return f.errors }

func (f *fakeSource) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.once.Do(func() {
		close(f.events)
		close(f.errors)
	})
	return nil
}

func (f *fakeSource) addCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.added[path]
}

func (f *fakeSource) wasRemoved(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.removed {
		if p == path {
			return true
		}
	}
	return false
}

func (f *fakeSource) send(op fsnotify.Op, path string) {
	f.events <- fsnotify.Event{Name: path, Op: op}
}

type stubRefs struct {
	branches    []string
	branchesErr error
	commitFunc  func(root, ref string) (git.CommitDetails, error)
}

func (s *stubRefs) Branches(string) ([]string, error) {
	return s.branches, s.branchesErr
}

func (s *stubRefs) CommitForRef(root, ref string) (git.CommitDetails, error) {
	if s.commitFunc != nil {
		return s.commitFunc(root, ref)
	}
	return git.CommitDetails{}, errors.New("no object database")
}

type stubCommits struct {
	info git.CommitInfo
	repo string
}

func (s *stubCommits) LastCommit(_ context.Context, repo string) (git.CommitInfo, error) {
	s.repo = repo
	return s.info, nil
}

// newRepo lays out a minimal metadata dir with one local branch and one
// remote-tracking branch.
func newRepo(t *testing.T) (root, gitDir string) {
	t.Helper()
	root = t.TempDir()
	gitDir = filepath.Join(root, ".git")
	writeFile(t, filepath.Join(gitDir, "HEAD"), "ref: refs/heads/main\n")
	writeFile(t, filepath.Join(gitDir, "refs", "heads", "main"), hashA+"\n")
	writeFile(t, filepath.Join(gitDir, "refs", "remotes", "origin", "main"), hashA+"\n")
	if err := os.MkdirAll(filepath.Join(gitDir, "refs", "tags"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(gitDir, "objects"), 0o755); err != nil {
		t.Fatal(err)
	}
	return root, gitDir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestWatcher(t *testing.T, opts ...Option) (*Watcher, *fakeSource, <-chan Event) {
	t.Helper()
	src := newFakeSource()
	base := []Option{
		WithSource(src),
		WithDebounce(20 * time.Millisecond),
		WithDedupeWindow(time.Hour),
		WithRefReader(&stubRefs{branches: []string{"main"}}),
		WithActorName("tester"),
	}
	w, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	events := make(chan Event, 100)
	w.OnChange(func(ev Event) { events <- ev })
	return w, src, events
}

func expectEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, events <-chan Event, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s: %+v", ev.Type, ev)
	case <-time.After(wait):
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWatchAddsHandles(t *testing.T) {
	t.Parallel()

	root, gitDir := newRepo(t)
	w, src, _ := newTestWatcher(t)
	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	for _, dir := range []string{
		gitDir,
		filepath.Join(gitDir, "refs"),
		filepath.Join(gitDir, "refs", "heads"),
		filepath.Join(gitDir, "refs", "remotes"),
		filepath.Join(gitDir, "refs", "remotes", "origin"),
	} {
		if src.addCount(dir) != 1 {
			t.Errorf("expected handle for %s", dir)
		}
	}
	for _, dir := range []string{
		filepath.Join(gitDir, "refs", "tags"),
		filepath.Join(gitDir, "objects"),
	} {
		if src.addCount(dir) != 0 {
			t.Errorf("unexpected handle for %s", dir)
		}
	}

	if err := w.Watch(root); err != nil {
		t.Fatalf("second Watch should be a no-op: %v", err)
	}
	if src.addCount(gitDir) != 1 {
		t.Fatalf("second Watch added handles again")
	}
	if got := w.Watched(); len(got) != 1 || got[0] != root {
		t.Fatalf("Watched = %v", got)
	}
}

func TestWatchSkipsFailedHandle(t *testing.T) {
	t.Parallel()

	root, gitDir := newRepo(t)
	w, src, events := newTestWatcher(t)
	remotes := filepath.Join(gitDir, "refs", "remotes")
	src.addErr[remotes] = errors.New("permission denied")

	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch should survive a failed handle: %v", err)
	}
	if src.addCount(filepath.Join(gitDir, "refs", "heads")) != 1 {
		t.Fatalf("other handles should still be added")
	}
	writeFile(t, filepath.Join(gitDir, "index"), "DIRC")
	src.send(fsnotify.Write, filepath.Join(gitDir, "index"))
	if ev := expectEvent(t, events); ev.Type != IndexUpdated {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWatchNotRepository(t *testing.T) {
	t.Parallel()

	w, _, _ := newTestWatcher(t)
	if err := w.Watch(t.TempDir()); !errors.Is(err, git.ErrNotRepository) {
		t.Fatalf("expected ErrNotRepository, got %v", err)
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".git"), "bogus")
	if err := w.Watch(root); !errors.Is(err, git.ErrMalformedGitFile) {
		t.Fatalf("expected ErrMalformedGitFile, got %v", err)
	}
}

func TestClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, gitDir string)
		op    fsnotify.Op
		path  string
		want  EventType
		check func(t *testing.T, ev Event)
	}{
		{
			name: "branch_changed",
			setup: func(t *testing.T, gitDir string) {
				writeFile(t, filepath.Join(gitDir, "HEAD"), "ref: refs/heads/feature/x\n")
			},
			op:   fsnotify.Rename,
			path: "HEAD.lock",
			want: BranchChanged,
			check: func(t *testing.T, ev Event) {
				if ev.Branch != "feature/x" || ev.Message != "Switched to branch feature/x" {
					t.Fatalf("unexpected branch event %+v", ev)
				}
			},
		},
		{
			name: "detached_head",
			setup: func(t *testing.T, gitDir string) {
				writeFile(t, filepath.Join(gitDir, "HEAD"), hashB+"\n")
			},
			op:   fsnotify.Write,
			path: "HEAD",
			want: BranchChanged,
			check: func(t *testing.T, ev Event) {
				if ev.Branch != "89abcdef (detached)" {
					t.Fatalf("unexpected branch %q", ev.Branch)
				}
			},
		},
		{
			name: "head_rewritten_same_branch",
			setup: func(t *testing.T, gitDir string) {
				writeFile(t, filepath.Join(gitDir, "HEAD"), "ref: refs/heads/main\n")
			},
			op:   fsnotify.Create | fsnotify.Rename,
			path: "HEAD.lock",
		},
		{
			name: "commit_created",
			setup: func(t *testing.T, gitDir string) {
				writeFile(t, filepath.Join(gitDir, "refs", "heads", "main"), hashB+"\n")
			},
			op:   fsnotify.Create,
			path: "refs/heads/main",
			want: CommitCreated,
			check: func(t *testing.T, ev Event) {
				if ev.Branch != "main" || ev.Details.Ref != "main" || ev.Details.CommitHash != hashB {
					t.Fatalf("unexpected commit event %+v", ev)
				}
				if ev.Message != "New commit on main" {
					t.Fatalf("unexpected message %q", ev.Message)
				}
			},
		},
		{
			name: "branch_created",
			setup: func(t *testing.T, gitDir string) {
				writeFile(t, filepath.Join(gitDir, "refs", "heads", "topic"), hashA+"\n")
			},
			op:   fsnotify.Create,
			path: "refs/heads/topic",
			want: BranchCreated,
			check: func(t *testing.T, ev Event) {
				if ev.Branch != "topic" || ev.Details.CommitHash != hashA {
					t.Fatalf("unexpected branch event %+v", ev)
				}
			},
		},
		{
			name: "remote_fetch",
			setup: func(t *testing.T, gitDir string) {
				writeFile(t, filepath.Join(gitDir, "refs", "remotes", "origin", "main"), hashB+"\n")
			},
			op:   fsnotify.Write,
			path: "refs/remotes/origin/main",
			want: Fetch,
			check: func(t *testing.T, ev Event) {
				if ev.Details.Ref != "main" || ev.Details.Extra["remote"] != "origin" || ev.Branch != "" {
					t.Fatalf("unexpected fetch event %+v", ev)
				}
			},
		},
		{
			name: "merge",
			setup: func(t *testing.T, gitDir string) {
				writeFile(t, filepath.Join(gitDir, "MERGE_HEAD"), hashB+"\n")
			},
			op:   fsnotify.Create,
			path: "MERGE_HEAD",
			want: Merge,
			check: func(t *testing.T, ev Event) {
				if ev.Details.CommitHash != hashB || ev.Branch != "main" {
					t.Fatalf("unexpected merge event %+v", ev)
				}
			},
		},
		{name: "merge_head_removed", op: fsnotify.Remove, path: "MERGE_HEAD"},
		{
			name: "merge_head_rewritten",
			setup: func(t *testing.T, gitDir string) {
				writeFile(t, filepath.Join(gitDir, "MERGE_HEAD"), hashB+"\n")
			},
			op:   fsnotify.Write,
			path: "MERGE_HEAD",
		},
		{
			name: "fetch_head",
			setup: func(t *testing.T, gitDir string) {
				writeFile(t, filepath.Join(gitDir, "FETCH_HEAD"), hashB+"\t\tbranch 'main'\n")
			},
			op:   fsnotify.Write,
			path: "FETCH_HEAD",
			want: Fetch,
		},
		{
			name: "index",
			setup: func(t *testing.T, gitDir string) {
				writeFile(t, filepath.Join(gitDir, "index"), "DIRC")
			},
			op:   fsnotify.Rename,
			path: "index.lock",
			want: IndexUpdated,
		},
		{
			name: "commit_editmsg",
			setup: func(t *testing.T, gitDir string) {
				writeFile(t, filepath.Join(gitDir, "COMMIT_EDITMSG"), "wip\n")
			},
			op:   fsnotify.Write,
			path: "COMMIT_EDITMSG",
			want: CommitPreparing,
		},
		{
			name: "ref_deleted",
			setup: func(t *testing.T, gitDir string) {
				if err := os.Remove(filepath.Join(gitDir, "refs", "heads", "main")); err != nil {
					t.Fatal(err)
				}
			},
			op:   fsnotify.Remove,
			path: "refs/heads/main",
		},
		{name: "objects", op: fsnotify.Create, path: "objects/ab"},
		{name: "logs", op: fsnotify.Write, path: "logs/HEAD"},
		{name: "config", op: fsnotify.Write, path: "config"},
		{name: "chmod_only", op: fsnotify.Chmod, path: "HEAD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			root, gitDir := newRepo(t)
			w, src, events := newTestWatcher(t)
			if err := w.Watch(root); err != nil {
				t.Fatalf("Watch: %v", err)
			}
			if tt.setup != nil {
				tt.setup(t, gitDir)
			}
			src.send(tt.op, filepath.Join(gitDir, filepath.FromSlash(tt.path)))

			if tt.want == "" {
				expectNoEvent(t, events, 150*time.Millisecond)
				return
			}
			ev := expectEvent(t, events)
			if ev.Type != tt.want {
				t.Fatalf("got %s, want %s: %+v", ev.Type, tt.want, ev)
			}
			if ev.ID == "" || ev.RepoPath != root || ev.RepoName != filepath.Base(root) {
				t.Fatalf("missing identity fields: %+v", ev)
			}
			if ev.ActorName != "tester" || ev.Source != DefaultSourceName || ev.Timestamp.IsZero() {
				t.Fatalf("missing metadata: %+v", ev)
			}
			if !strings.HasPrefix(ev.DedupeKey, string(tt.want)+"|") {
				t.Fatalf("unexpected dedupe key %q", ev.DedupeKey)
			}
			if tt.check != nil {
				tt.check(t, ev)
			}
			expectNoEvent(t, events, 60*time.Millisecond)
		})
	}
}

func TestBurstYieldsOneCommit(t *testing.T) {
	t.Parallel()

	root, gitDir := newRepo(t)
	refs := &stubRefs{
		branches: []string{"main"},
		commitFunc: func(_, ref string) (git.CommitDetails, error) {
			if ref != "refs/heads/main" {
				return git.CommitDetails{}, errors.New("unexpected ref " + ref)
			}
			return git.CommitDetails{
				Hash:        hashB,
				Subject:     "Add feature",
				Files:       []git.FileChange{{Path: "a.go", Status: "modified", Added: 3, Removed: 1}},
				DiffPreview: "diff --git a/a.go b/a.go\n",
			}, nil
		},
	}
	w, src, events := newTestWatcher(t, WithRefReader(refs), WithDebounce(100*time.Millisecond))
	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	ref := filepath.Join(gitDir, "refs", "heads", "main")
	writeFile(t, ref, hashB+"\n")
	for i := range 2000 {
		switch i % 4 {
		case 0:
			src.send(fsnotify.Create, ref+".lock")
		case 1:
			src.send(fsnotify.Write, ref+".lock")
		case 2:
			src.send(fsnotify.Rename, ref+".lock")
		case 3:
			src.send(fsnotify.Create, ref)
		}
	}

	ev := expectEvent(t, events)
	if ev.Type != CommitCreated {
		t.Fatalf("expected commit_created, got %+v", ev)
	}
	if ev.Message != "Add feature" || ev.Details.CommitHash != hashB || len(ev.Details.Files) != 1 || ev.Details.DiffPreview == "" {
		t.Fatalf("event was not enriched: %+v", ev)
	}
	expectNoEvent(t, events, 150*time.Millisecond)
}

func TestFlushLatency(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	const runs = 9
	tests := []struct {
		name  string
		burst int
	}{
		{name: "single_event", burst: 1},
		{name: "burst_2000", burst: 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, gitDir := newRepo(t)
			w, src, events := newTestWatcher(t,
				WithDebounce(DefaultDebounce),
				WithDedupeWindow(time.Millisecond),
			)
			if err := w.Watch(root); err != nil {
				t.Fatalf("Watch: %v", err)
			}
			ref := filepath.Join(gitDir, "refs", "heads", "main")
			writeFile(t, ref, hashB+"\n")

			latencies := make([]time.Duration, 0, runs)
			for range runs {
				for i := range tt.burst {
					if i%2 == 0 {
						src.send(fsnotify.Write, ref+".lock")
					} else {
						src.send(fsnotify.Rename, ref+".lock")
					}
				}
				last := time.Now()
				if ev := expectEvent(t, events); ev.Type != CommitCreated {
					t.Fatalf("unexpected event %+v", ev)
				}
				latencies = append(latencies, time.Since(last))
			}
			slices.Sort(latencies)
			median := latencies[runs/2]
			if extra := median - DefaultDebounce; extra > 120*time.Millisecond {
				t.Fatalf("median flush took %s beyond the %s debounce (runs: %v)", extra, DefaultDebounce, latencies)
			}
			if median > 320*time.Millisecond {
				t.Fatalf("median flush latency %s over 320ms (runs: %v)", median, latencies)
			}
		})
	}
}

func TestDedupeSuppressesRepeatedEvent(t *testing.T) {
	t.Parallel()

	root, gitDir := newRepo(t)
	w, src, events := newTestWatcher(t)
	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	index := filepath.Join(gitDir, "index")
	writeFile(t, index, "DIRC")

	src.send(fsnotify.Write, index)
	expectEvent(t, events)
	src.send(fsnotify.Write, index)
	expectNoEvent(t, events, 150*time.Millisecond)
}

func TestUnwatchCancelsPendingEvents(t *testing.T) {
	t.Parallel()

	root, gitDir := newRepo(t)
	w, src, events := newTestWatcher(t, WithDebounce(100*time.Millisecond))
	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	index := filepath.Join(gitDir, "index")
	writeFile(t, index, "DIRC")
	src.send(fsnotify.Write, index)
	waitUntil(t, "debounce timer", func() bool { return w.debounce.Pending() == 1 })

	if err := w.Unwatch(root); err != nil {
		t.Fatalf("Unwatch: %v", err)
	}
	if w.debounce.Pending() != 0 {
		t.Fatalf("pending timers survived Unwatch")
	}
	expectNoEvent(t, events, 250*time.Millisecond)
	if !src.wasRemoved(gitDir) || !src.wasRemoved(filepath.Join(gitDir, "refs", "heads")) {
		t.Fatalf("handles were not removed")
	}
	if err := w.Unwatch(root); !errors.Is(err, ErrNotWatching) {
		t.Fatalf("expected ErrNotWatching, got %v", err)
	}
	if got := w.Watched(); len(got) != 0 {
		t.Fatalf("Watched = %v", got)
	}
}

func TestNewRefDirectoryIsWatched(t *testing.T) {
	t.Parallel()

	root, gitDir := newRepo(t)
	w, src, events := newTestWatcher(t)
	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	feature := filepath.Join(gitDir, "refs", "heads", "feature")
	deep := filepath.Join(feature, "deep")
	writeFile(t, filepath.Join(deep, "x"), hashA+"\n")

	src.send(fsnotify.Create, feature)
	waitUntil(t, "new handles", func() bool {
		return src.addCount(feature) == 1 && src.addCount(deep) == 1
	})

	ev := expectEvent(t, events)
	if ev.Type != BranchCreated || ev.Branch != "feature/deep/x" || ev.Details.Ref != "x" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Details.Extra["refName"] != "feature/deep/x" {
		t.Fatalf("unexpected extra %+v", ev.Details.Extra)
	}

	// Later writes to the same ref are commits.
	writeFile(t, filepath.Join(deep, "x"), hashB+"\n")
	src.send(fsnotify.Create, filepath.Join(deep, "x"))
	if ev := expectEvent(t, events); ev.Type != CommitCreated {
		t.Fatalf("expected commit_created, got %+v", ev)
	}
}

func TestDeletedRefIsCreatedAgain(t *testing.T) {
	t.Parallel()

	root, gitDir := newRepo(t)
	w, src, events := newTestWatcher(t)
	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	ref := filepath.Join(gitDir, "refs", "heads", "main")
	if err := os.Remove(ref); err != nil {
		t.Fatal(err)
	}
	src.send(fsnotify.Remove, ref)
	expectNoEvent(t, events, 100*time.Millisecond)

	writeFile(t, ref, hashB+"\n")
	src.send(fsnotify.Create, ref)
	if ev := expectEvent(t, events); ev.Type != BranchCreated {
		t.Fatalf("expected branch_created, got %+v", ev)
	}
}

func TestKnownRefsFallBackToLooseRefs(t *testing.T) {
	t.Parallel()

	root, gitDir := newRepo(t)
	w, src, events := newTestWatcher(t, WithRefReader(&stubRefs{branchesErr: errors.New("broken")}))
	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	ref := filepath.Join(gitDir, "refs", "heads", "main")
	writeFile(t, ref, hashB+"\n")
	src.send(fsnotify.Create, ref)
	ev := expectEvent(t, events)
	if ev.Type != CommitCreated || ev.Details.CommitHash != hashB {
		t.Fatalf("expected commit_created with raw hash, got %+v", ev)
	}
}

func TestLinkedWorktreeSharesHandles(t *testing.T) {
	t.Parallel()

	mainRoot, common := newRepo(t)
	wtDir := filepath.Join(common, "worktrees", "wt")
	writeFile(t, filepath.Join(wtDir, "HEAD"), "ref: refs/heads/topic\n")
	writeFile(t, filepath.Join(wtDir, "commondir"), "../..\n")
	wtRoot := filepath.Join(t.TempDir(), "wt")
	writeFile(t, filepath.Join(wtRoot, ".git"), "gitdir: "+wtDir+"\n")

	w, src, events := newTestWatcher(t)
	if err := w.Watch(mainRoot); err != nil {
		t.Fatalf("Watch main: %v", err)
	}
	if err := w.Watch(wtRoot); err != nil {
		t.Fatalf("Watch worktree: %v", err)
	}
	heads := filepath.Join(common, "refs", "heads")
	if src.addCount(heads) != 1 || src.addCount(wtDir) != 1 {
		t.Fatalf("expected shared handles to be added once")
	}
	if branch, err := w.GetCurrentBranch(wtRoot); err != nil || branch != "topic" {
		t.Fatalf("GetCurrentBranch(worktree) = %q, %v", branch, err)
	}

	// A shared ref change is reported for both working trees.
	writeFile(t, filepath.Join(heads, "main"), hashB+"\n")
	src.send(fsnotify.Write, filepath.Join(heads, "main"))
	repos := map[string]bool{}
	for range 2 {
		ev := expectEvent(t, events)
		repos[ev.RepoPath] = true
	}
	if !repos[mainRoot] || !repos[wtRoot] {
		t.Fatalf("expected events for both trees, got %v", repos)
	}

	// The worktree HEAD belongs to the linked tree only.
	writeFile(t, filepath.Join(wtDir, "HEAD"), "ref: refs/heads/other\n")
	src.send(fsnotify.Write, filepath.Join(wtDir, "HEAD"))
	ev := expectEvent(t, events)
	if ev.RepoPath != wtRoot || ev.Type != BranchChanged || ev.Branch != "other" {
		t.Fatalf("unexpected worktree event %+v", ev)
	}
	expectNoEvent(t, events, 60*time.Millisecond)

	if err := w.Unwatch(wtRoot); err != nil {
		t.Fatalf("Unwatch worktree: %v", err)
	}
	if src.wasRemoved(heads) {
		t.Fatalf("shared handle removed while still in use")
	}
	if !src.wasRemoved(wtDir) {
		t.Fatalf("worktree handle not removed")
	}
	if err := w.Unwatch(mainRoot); err != nil {
		t.Fatalf("Unwatch main: %v", err)
	}
	if !src.wasRemoved(heads) {
		t.Fatalf("shared handle not removed after last Unwatch")
	}
}

func TestHandlersAndSink(t *testing.T) {
	t.Parallel()

	root, gitDir := newRepo(t)
	var (
		mu   sync.Mutex
		sunk []Event
	)
	sink := SinkFunc(func(_ context.Context, ev Event) error {
		mu.Lock()
		sunk = append(sunk, ev)
		mu.Unlock()
		return errors.New("sink down")
	})
	w, src, events := newTestWatcher(t, WithSink(sink))
	w.OnChange(func(Event) { panic("bad handler") })
	second := make(chan Event, 10)
	unsubscribe := w.OnChange(func(ev Event) { second <- ev })
	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeFile(t, filepath.Join(gitDir, "index"), "DIRC")
	src.send(fsnotify.Write, filepath.Join(gitDir, "index"))
	first := expectEvent(t, events)
	if got := expectEvent(t, second); got.ID != first.ID {
		t.Fatalf("handlers saw different events")
	}
	waitUntil(t, "sink delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sunk) == 1
	})

	unsubscribe()
	writeFile(t, filepath.Join(gitDir, "COMMIT_EDITMSG"), "msg\n")
	src.send(fsnotify.Write, filepath.Join(gitDir, "COMMIT_EDITMSG"))
	if ev := expectEvent(t, events); ev.Type != CommitPreparing {
		t.Fatalf("unexpected event %+v", ev)
	}
	expectNoEvent(t, second, 50*time.Millisecond)
}

// blockingSink holds every Publish until release is closed.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}

	mu   sync.Mutex
	seen []Event
}

func newBlockingSink() *blockingSink {
	return &blockingSink{entered: make(chan struct{}, 10), release: make(chan struct{})}
}

func (s *blockingSink) Publish(ctx context.Context, ev Event) error {
	s.mu.Lock()
	s.seen = append(s.seen, ev)
	s.mu.Unlock()
	s.entered <- struct{}{}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *blockingSink) published() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.seen)
}

func TestSlowSinkDoesNotBlockOtherRepositories(t *testing.T) {
	t.Parallel()

	rootA, gitDirA := newRepo(t)
	rootB, gitDirB := newRepo(t)
	sink := newBlockingSink()
	w, src, events := newTestWatcher(t, WithSink(sink))
	defer close(sink.release)
	for _, root := range []string{rootA, rootB} {
		if err := w.Watch(root); err != nil {
			t.Fatalf("Watch: %v", err)
		}
	}

	writeFile(t, filepath.Join(gitDirA, "index"), "DIRC")
	src.send(fsnotify.Write, filepath.Join(gitDirA, "index"))
	expectEvent(t, events)
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("sink never called")
	}

	writeFile(t, filepath.Join(gitDirB, "COMMIT_EDITMSG"), "wip\n")
	src.send(fsnotify.Write, filepath.Join(gitDirB, "COMMIT_EDITMSG"))
	if ev := expectEvent(t, events); ev.RepoPath != rootB {
		t.Fatalf("unexpected event %+v", ev)
	}

	start := time.Now()
	if err := w.Unwatch(rootB); err != nil {
		t.Fatalf("Unwatch: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Unwatch took %s behind a stalled sink", elapsed)
	}
}

func TestUnwatchDropsQueuedSinkEvents(t *testing.T) {
	t.Parallel()

	root, gitDir := newRepo(t)
	sink := newBlockingSink()
	w, src, events := newTestWatcher(t, WithSink(sink))
	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeFile(t, filepath.Join(gitDir, "index"), "DIRC")
	src.send(fsnotify.Write, filepath.Join(gitDir, "index"))
	expectEvent(t, events)
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("sink never called")
	}

	writeFile(t, filepath.Join(gitDir, "COMMIT_EDITMSG"), "wip\n")
	src.send(fsnotify.Write, filepath.Join(gitDir, "COMMIT_EDITMSG"))
	expectEvent(t, events)

	if err := w.Unwatch(root); err != nil {
		t.Fatalf("Unwatch: %v", err)
	}
	close(sink.release)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := sink.published(); len(got) != 1 || got[0].Type != IndexUpdated {
		t.Fatalf("expected only the in-flight event to reach the sink, got %+v", got)
	}
}

func TestReceiversGetIndependentCopies(t *testing.T) {
	t.Parallel()

	root, gitDir := newRepo(t)
	refs := &stubRefs{
		branches: []string{"main"},
		commitFunc: func(string, string) (git.CommitDetails, error) {
			return git.CommitDetails{
				Hash:  hashB,
				Files: []git.FileChange{{Path: "a.go", Status: "modified"}},
			}, nil
		},
	}
	var (
		mu   sync.Mutex
		sunk []Event
	)
	sink := SinkFunc(func(_ context.Context, ev Event) error {
		mu.Lock()
		sunk = append(sunk, ev)
		mu.Unlock()
		return nil
	})
	w, src, events := newTestWatcher(t, WithRefReader(refs), WithSink(sink))
	w.OnChange(func(ev Event) {
		ev.Details.Files[0].Path = "changed.go"
		ev.Details.Extra["refName"] = "changed"
	})
	second := make(chan Event, 1)
	w.OnChange(func(ev Event) { second <- ev })
	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	ref := filepath.Join(gitDir, "refs", "heads", "main")
	writeFile(t, ref, hashB+"\n")
	src.send(fsnotify.Write, ref)
	expectEvent(t, events)

	check := func(who string, ev Event) {
		t.Helper()
		if ev.Details.Files[0].Path != "a.go" || ev.Details.Extra["refName"] != "main" {
			t.Fatalf("%s saw a modified event: %+v", who, ev.Details)
		}
	}
	check("later handler", expectEvent(t, second))
	waitUntil(t, "sink delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sunk) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	check("sink", sunk[0])
}

func TestGetCurrentBranchAndLastCommit(t *testing.T) {
	t.Parallel()

	root, gitDir := newRepo(t)
	commits := &stubCommits{info: git.CommitInfo{Hash: hashA, Subject: "init"}}
	w, _, _ := newTestWatcher(t, WithCommitReader(commits))

	if branch, err := w.GetCurrentBranch(root); err != nil || branch != "main" {
		t.Fatalf("GetCurrentBranch = %q, %v", branch, err)
	}
	writeFile(t, filepath.Join(gitDir, "HEAD"), hashB+"\n")
	if branch, err := w.GetCurrentBranch(root); err != nil || branch != "89abcdef (detached)" {
		t.Fatalf("GetCurrentBranch detached = %q, %v", branch, err)
	}
	if _, err := w.GetCurrentBranch(t.TempDir()); !errors.Is(err, git.ErrNotRepository) {
		t.Fatalf("expected ErrNotRepository, got %v", err)
	}

	info, err := w.GetLastCommit(context.Background(), root)
	if err != nil || info.Hash != hashA || commits.repo != root {
		t.Fatalf("GetLastCommit = %+v, %v (repo %q)", info, err, commits.repo)
	}

	bare, _, _ := newTestWatcher(t)
	if _, err := bare.GetLastCommit(context.Background(), root); err == nil {
		t.Fatalf("expected error without a commit reader")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	root, gitDir := newRepo(t)
	w, src, events := newTestWatcher(t, WithDebounce(100*time.Millisecond))
	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	writeFile(t, filepath.Join(gitDir, "index"), "DIRC")
	src.send(fsnotify.Write, filepath.Join(gitDir, "index"))
	waitUntil(t, "debounce timer", func() bool { return w.debounce.Pending() == 1 })

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	src.mu.Lock()
	closes := src.closes
	src.mu.Unlock()
	if closes != 1 {
		t.Fatalf("source closed %d times", closes)
	}
	expectNoEvent(t, events, 200*time.Millisecond)
	if err := w.Watch(root); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

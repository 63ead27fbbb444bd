// Package watcher turns filesystem notifications under a repository's git
// metadata into semantic change events.
//
// Raw events are grouped per path by a debounce timer, classified once per
// burst, filtered through a per-repository dedupe window and then delivered
// to subscribers and the optional sink.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/thiagokokada/repowatch/internal/debounce"
	"github.com/thiagokokada/repowatch/internal/git"
)

const (
	DefaultDebounce     = 200 * time.Millisecond
	DefaultDedupeWindow = 900 * time.Millisecond
	DefaultSourceName   = "repowatch"

	sinkTimeout = 5 * time.Second
	sinkBuffer  = 256
	relevantOps = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
)

var (
	// ErrAlreadyWatching is only logged; Watch on a watched root is a no-op.
	ErrAlreadyWatching = errors.New("already watching")
	ErrNotWatching     = errors.New("not watching")
	ErrClosed          = errors.New("watcher closed")
)

var now = time.Now

type options struct {
	source       Source
	debounce     time.Duration
	dedupeWindow time.Duration
	actorName    string
	sourceName   string
	sink         Sink
	commits      CommitReader
	refs         RefReader
}

type Option func(*options)

// WithSource replaces the fsnotify backed event source.
func WithSource(src Source) Option { return func(o *options) { o.source = src } }

func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.debounce = d
		}
	}
}

func WithDedupeWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dedupeWindow = d
		}
	}
}

func WithActorName(name string) Option { return func(o *options) { o.actorName = name } }

// WithSourceName sets Event.Source.
func WithSourceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.sourceName = name
		}
	}
}

func WithSink(s Sink) Option                 { return func(o *options) { o.sink = s } }
func WithCommitReader(r CommitReader) Option { return func(o *options) { o.commits = r } }
func WithRefReader(r RefReader) Option       { return func(o *options) { o.refs = r } }

type target struct {
	root string
	name string
	gd   git.GitDir

	// handles is guarded by Watcher.regMu.
	handles map[string]struct{}
	// knownRefs, head, dedupe and removed are guarded by Watcher.mu.
	knownRefs map[string]struct{}
	head      string
	dedupe    *dedupeWindow
	removed   bool
}

// burst accumulates the raw events of one debounce key until its timer fires.
type burst struct {
	target *target
	path   string
	sig    signal
	ops    fsnotify.Op
	first  time.Time
}

type sinkItem struct {
	target *target
	ev     Event
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type Watcher struct {
	opts     options
	src      Source
	debounce *debounce.Group
	metrics  *metrics

	// regMu serializes handle registration on the source. Lock order is
	// regMu, then emitMu, then mu.
	regMu      sync.Mutex
	handleRefs map[string]int

	// emitMu is held while an event is handed to the subscribers so Unwatch
	// and Close can wait for an in-flight delivery. Sink publishing happens
	// on publishLoop without it.
	emitMu sync.Mutex

	sinkCh     chan sinkItem
	sinkDone   chan struct{}
	sinkCtx    context.Context
	sinkCancel context.CancelFunc

	mu       sync.Mutex
	targets  map[string]*target
	bursts   map[string]*burst
	handlers []handlerEntry
	nextID   uint64
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func New(opts ...Option) (*Watcher, error) {
	o := options{
		debounce:     DefaultDebounce,
		dedupeWindow: DefaultDedupeWindow,
		sourceName:   DefaultSourceName,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.refs == nil {
		o.refs = git.NewRefReader()
	}
	src := o.source
	if src == nil {
		var err error
		if src, err = NewFSSource(); err != nil {
			return nil, err
		}
	}
	w := &Watcher{
		opts:       o,
		src:        src,
		debounce:   debounce.NewGroup(o.debounce),
		metrics:    newMetrics(),
		handleRefs: map[string]int{},
		targets:    map[string]*target{},
		bursts:     map[string]*burst{},
		done:       make(chan struct{}),
	}
	if o.sink != nil {
		w.sinkCh = make(chan sinkItem, sinkBuffer)
		w.sinkDone = make(chan struct{})
		w.sinkCtx, w.sinkCancel = context.WithCancel(context.Background())
		go w.publishLoop()
	}
	go w.loop()
	return w, nil
}

// Watch starts monitoring the repository at repoRoot. Watching an already
// watched root is a no-op. A handle that cannot be added is logged and
// skipped.
func (w *Watcher) Watch(repoRoot string) error {
	gd, err := git.ResolveGitDir(repoRoot)
	if err != nil {
		return fmt.Errorf("watch %s: %w", repoRoot, err)
	}

	w.regMu.Lock()
	defer w.regMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	_, exists := w.targets[gd.Root]
	w.mu.Unlock()
	if exists {
		slog.Debug("watch skipped", slog.String("repo", gd.Root), slog.Any("reason", ErrAlreadyWatching))
		return nil
	}

	head, _ := git.ReadHead(gd.Dir)
	t := &target{
		root:      gd.Root,
		name:      filepath.Base(gd.Root),
		gd:        gd,
		handles:   map[string]struct{}{},
		knownRefs: w.seedRefs(gd),
		head:      head,
		dedupe:    newDedupeWindow(w.opts.dedupeWindow),
	}
	w.addHandle(t, gd.Dir)
	if gd.Linked() {
		w.addHandle(t, gd.CommonDir)
	}
	w.addTree(t, filepath.Join(gd.CommonDir, "refs"))

	w.mu.Lock()
	w.targets[gd.Root] = t
	w.mu.Unlock()
	slog.Info("watching repository",
		slog.String("repo", gd.Root),
		slog.String("gitDir", gd.Dir),
		slog.Int("handles", len(t.handles)),
	)
	return nil
}

// seedRefs lists the local branches that exist before watching starts, so a
// later create of one of them is reported as a commit, not a new branch.
func (w *Watcher) seedRefs(gd git.GitDir) map[string]struct{} {
	known := map[string]struct{}{}
	names, err := w.opts.refs.Branches(gd.Root)
	if err == nil {
		for _, name := range names {
			known["refs/heads/"+name] = struct{}{}
		}
		return known
	}
	slog.Debug("listing branches failed, using loose refs",
		slog.String("repo", gd.Root),
		slog.Any("error", err),
	)
	_ = filepath.WalkDir(filepath.Join(gd.CommonDir, "refs", "heads"), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ref, ok := git.RefNameFromPath(gd.CommonDir, normalizePath(path)); ok {
			known[ref] = struct{}{}
		}
		return nil
	})
	return known
}

// addHandle must be called with regMu held. Handles are reference counted
// because linked worktrees share the refs of their common dir.
func (w *Watcher) addHandle(t *target, dir string) {
	if _, ok := t.handles[dir]; ok {
		return
	}
	if w.handleRefs[dir] == 0 {
		if err := w.src.Add(dir); err != nil {
			slog.Warn("watch add failed", slog.String("path", dir), slog.Any("error", err))
			return
		}
		slog.Debug("watch handle added", slog.String("path", dir))
	}
	w.handleRefs[dir]++
	t.handles[dir] = struct{}{}
}

// addTree adds handles for dir and every directory below it and returns the
// files found. Must be called with regMu held.
func (w *Watcher) addTree(t *target, dir string) []string {
	tags := filepath.Join(t.gd.CommonDir, "refs", "tags")
	var files []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Debug("watch walk failed", slog.String("path", path), slog.Any("error", err))
			return nil
		}
		if !d.IsDir() {
			files = append(files, path)
			return nil
		}
		if path == tags {
			return fs.SkipDir
		}
		w.addHandle(t, path)
		return nil
	})
	return files
}

// removeHandles must be called with regMu held.
func (w *Watcher) removeHandles(t *target) {
	for dir := range t.handles {
		w.handleRefs[dir]--
		if w.handleRefs[dir] > 0 {
			continue
		}
		delete(w.handleRefs, dir)
		// The notifier drops handles of deleted directories on its own.
		if err := w.src.Remove(dir); err != nil {
			slog.Debug("watch remove failed", slog.String("path", dir), slog.Any("error", err))
		}
	}
	clear(t.handles)
}

// Unwatch stops monitoring repoRoot. Pending timers for the repository are
// cancelled and no handler sees an event for it after Unwatch returns. Events
// still queued for the sink are dropped; a publish already running is not
// interrupted.
func (w *Watcher) Unwatch(repoRoot string) error {
	root := cleanRoot(repoRoot)

	w.regMu.Lock()
	defer w.regMu.Unlock()
	w.emitMu.Lock()

	w.mu.Lock()
	t, ok := w.targets[root]
	if !ok {
		w.mu.Unlock()
		w.emitMu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotWatching, root)
	}
	delete(w.targets, root)
	t.removed = true
	prefix := root + "\x00"
	for key := range w.bursts {
		if strings.HasPrefix(key, prefix) {
			delete(w.bursts, key)
		}
	}
	w.mu.Unlock()
	cancelled := w.debounce.CancelFunc(func(key string) bool { return strings.HasPrefix(key, prefix) })
	w.emitMu.Unlock()

	w.removeHandles(t)
	slog.Info("stopped watching repository",
		slog.String("repo", root),
		slog.Int("cancelled", cancelled),
	)
	return nil
}

// OnChange registers h for every emitted event. Handlers run in registration
// order on the timer goroutine; a panic is recovered and logged.
func (w *Watcher) OnChange(h Handler) (unsubscribe func()) {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.handlers = append(w.handlers, handlerEntry{id: id, fn: h})
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.handlers = slices.DeleteFunc(w.handlers, func(e handlerEntry) bool { return e.id == id })
	}
}

// GetCurrentBranch reads HEAD of repoRoot without running git.
func (w *Watcher) GetCurrentBranch(repoRoot string) (string, error) {
	root := cleanRoot(repoRoot)
	w.mu.Lock()
	t := w.targets[root]
	w.mu.Unlock()
	var gd git.GitDir
	if t != nil {
		gd = t.gd
	} else {
		var err error
		if gd, err = git.ResolveGitDir(root); err != nil {
			return "", err
		}
	}
	return git.ReadHead(gd.Dir)
}

func (w *Watcher) GetLastCommit(ctx context.Context, repoRoot string) (git.CommitInfo, error) {
	if w.opts.commits == nil {
		return git.CommitInfo{}, errors.New("no commit reader configured")
	}
	return w.opts.commits.LastCommit(ctx, cleanRoot(repoRoot))
}

// Watched returns the watched repository roots, sorted.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Sorted(maps.Keys(w.targets))
}

// Close stops every timer and releases the event source. Events already
// queued for the sink are published for at most sinkTimeout. It is safe to
// call more than once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.regMu.Lock()
		w.emitMu.Lock()
		w.mu.Lock()
		w.closed = true
		targets := slices.Collect(maps.Values(w.targets))
		clear(w.targets)
		clear(w.bursts)
		w.mu.Unlock()
		w.debounce.Stop()
		w.emitMu.Unlock()
		for _, t := range targets {
			clear(t.handles)
		}
		clear(w.handleRefs)
		w.closeErr = w.src.Close()
		w.regMu.Unlock()
		<-w.done
		if w.sinkCh != nil {
			close(w.sinkCh)
			giveUp := time.AfterFunc(sinkTimeout, w.sinkCancel)
			<-w.sinkDone
			giveUp.Stop()
			w.sinkCancel()
		}
	})
	return w.closeErr
}

func (w *Watcher) loop() {
	defer close(w.done)
	events, errs := w.src.Events(), w.src.Errors()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.handleRaw(ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Error("fsnotify error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) handleRaw(ev fsnotify.Event) {
	if ev.Op&relevantOps == 0 {
		return
	}
	w.metrics.raw(context.Background())
	path := filepath.Clean(ev.Name)
	slog.Debug("fsnotify event",
		slog.String("op", ev.Op.String()),
		slog.String("path", path),
	)

	w.mu.Lock()
	var owners []*target
	if !w.closed {
		for _, t := range w.targets {
			_, inCommon := relInside(t.gd.CommonDir, path)
			_, inDir := relInside(t.gd.Dir, path)
			if inCommon || inDir {
				owners = append(owners, t)
			}
		}
	}
	w.mu.Unlock()
	if len(owners) == 0 {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			w.watchNewDir(owners, path)
			return
		}
	}
	norm := normalizePath(path)
	for _, t := range owners {
		if sig, ok := matchSignal(t.gd, norm); ok {
			w.schedule(t, norm, sig, ev.Op)
		}
	}
}

// watchNewDir adds handles for a directory created under a ref namespace.
// Refs written into it before the handle existed are replayed as creates.
func (w *Watcher) watchNewDir(owners []*target, dir string) {
	var files []string
	w.regMu.Lock()
	for _, t := range owners {
		if !underRefs(t.gd, dir) {
			continue
		}
		w.mu.Lock()
		live := !w.closed && w.targets[t.root] == t
		w.mu.Unlock()
		if !live {
			continue
		}
		files = append(files, w.addTree(t, dir)...)
	}
	w.regMu.Unlock()

	slices.Sort(files)
	for _, f := range slices.Compact(files) {
		w.handleRaw(fsnotify.Event{Name: f, Op: fsnotify.Create})
	}
}

func (w *Watcher) schedule(t *target, norm string, sig signal, op fsnotify.Op) {
	key := t.root + "\x00" + norm
	w.mu.Lock()
	if w.closed || w.targets[t.root] != t {
		w.mu.Unlock()
		return
	}
	b, ok := w.bursts[key]
	if !ok {
		b = &burst{target: t, path: norm, sig: sig, first: now()}
		w.bursts[key] = b
	}
	b.ops |= op
	w.mu.Unlock()
	w.debounce.Trigger(key, func() { w.flush(key) })
}

func (w *Watcher) flush(key string) {
	w.mu.Lock()
	b, ok := w.bursts[key]
	if ok {
		delete(w.bursts, key)
	}
	live := ok && !w.closed && w.targets[b.target.root] == b.target
	w.mu.Unlock()
	if !live {
		return
	}
	ev, ok := w.classify(b)
	if !ok {
		return
	}
	w.emit(b, ev)
}

// classify builds the event for a finished burst. It reads the metadata files
// directly and may consult the ref reader; no lock is held meanwhile.
func (w *Watcher) classify(b *burst) (Event, bool) {
	t := b.target
	ev := Event{
		ActorName: w.opts.actorName,
		RepoPath:  t.root,
		RepoName:  t.name,
		Source:    w.opts.sourceName,
	}
	if b.sig.kind != sigHead && !fileExists(b.path) {
		if b.sig.kind == sigLocalRef {
			w.forgetRef(t, b.sig.ref)
		}
		return Event{}, false
	}

	switch b.sig.kind {
	case sigHead:
		branch, err := git.ReadHead(t.gd.Dir)
		if err != nil {
			slog.Debug("HEAD unreadable", slog.String("repo", t.root), slog.Any("error", err))
			return Event{}, false
		}
		// git rewrites HEAD through HEAD.lock on every commit made on a branch.
		w.mu.Lock()
		switched := branch != t.head
		t.head = branch
		w.mu.Unlock()
		if !switched {
			return Event{}, false
		}
		ev.Type = BranchChanged
		ev.Branch = branch
		if hash, ok := strings.CutSuffix(branch, " (detached)"); ok {
			ev.Message = "HEAD detached at " + hash
		} else {
			ev.Message = "Switched to branch " + branch
		}
	case sigMergeHead:
		if !b.ops.Has(fsnotify.Create) {
			return Event{}, false
		}
		ev.Type = Merge
		ev.Branch = w.currentBranch(t)
		ev.Details.CommitHash = firstLine(b.path)
		ev.Message = "Merge in progress"
	case sigFetchHead:
		ev.Type = Fetch
		ev.Branch = w.currentBranch(t)
		ev.Message = "Fetched from remote"
	case sigIndex:
		ev.Type = IndexUpdated
		ev.Branch = w.currentBranch(t)
		ev.Message = "Index updated"
	case sigCommitMsg:
		ev.Type = CommitPreparing
		ev.Branch = w.currentBranch(t)
		ev.Message = "Preparing commit"
	case sigLocalRef:
		short := refShort(b.sig.ref)
		ev.Branch = short
		ev.Details.Ref = refLeaf(b.sig.ref)
		ev.Details.Extra = map[string]any{"refName": short}
		known := w.rememberRef(t, b.sig.ref)
		if b.ops.Has(fsnotify.Create) && !known {
			ev.Type = BranchCreated
			ev.Message = "Created branch " + short
			ev.Details.CommitHash = git.ReadRef(t.gd.CommonDir, b.sig.ref)
			break
		}
		ev.Type = CommitCreated
		ev.Message = "New commit on " + short
		w.enrich(&ev, t, b.sig.ref)
	case sigRemoteRef:
		short := refShort(b.sig.ref)
		ev.Type = Fetch
		ev.Details.Ref = refLeaf(b.sig.ref)
		ev.Details.CommitHash = git.ReadRef(t.gd.CommonDir, b.sig.ref)
		remote, _, _ := strings.Cut(short, "/")
		ev.Details.Extra = map[string]any{"refName": short, "remote": remote}
		ev.Message = "Fetched " + short
	default:
		return Event{}, false
	}

	ev.DedupeKey = dedupeKey(ev.Type, b.path, ev.Branch, ev.Details.Ref)
	ev.ID = uuid.NewString()
	ev.Timestamp = now().UTC()
	return ev, true
}

// enrich fills commit details from the object database. On failure the event
// keeps the raw hash stored in the ref file.
func (w *Watcher) enrich(ev *Event, t *target, ref string) {
	details, err := w.opts.refs.CommitForRef(t.root, ref)
	if err != nil {
		slog.Debug("commit enrichment failed",
			slog.String("repo", t.root),
			slog.String("ref", ref),
			slog.Any("error", err),
		)
		ev.Details.CommitHash = git.ReadRef(t.gd.CommonDir, ref)
		return
	}
	ev.Details.CommitHash = details.Hash
	ev.Details.Files = details.Files
	ev.Details.DiffPreview = details.DiffPreview
	if details.Subject != "" {
		ev.Message = details.Subject
	}
}

func (w *Watcher) emit(b *burst, ev Event) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()

	t := b.target
	w.mu.Lock()
	if w.closed || w.targets[t.root] != t {
		w.mu.Unlock()
		return
	}
	if !t.dedupe.allow(ev.DedupeKey, now()) {
		w.mu.Unlock()
		slog.Debug("event suppressed", slog.String("type", string(ev.Type)), slog.String("key", ev.DedupeKey))
		w.metrics.suppress(context.Background(), ev.Type)
		return
	}
	handlers := slices.Clone(w.handlers)
	w.mu.Unlock()

	for _, h := range handlers {
		callHandler(h, ev.clone())
	}
	latency := now().Sub(b.first)
	w.metrics.emit(context.Background(), ev.Type, float64(latency)/float64(time.Millisecond))
	slog.Debug("event emitted",
		slog.String("type", string(ev.Type)),
		slog.String("repo", ev.RepoPath),
		slog.Duration("latency", latency),
	)

	if w.sinkCh == nil {
		return
	}
	select {
	case w.sinkCh <- sinkItem{target: t, ev: ev.clone()}:
	default:
		slog.Warn("sink queue full, event dropped",
			slog.String("type", string(ev.Type)),
			slog.String("repo", ev.RepoPath),
		)
	}
}

// publishLoop hands queued events to the sink one at a time so a slow sink
// never holds up fanout, Unwatch or Close.
func (w *Watcher) publishLoop() {
	defer close(w.sinkDone)
	for item := range w.sinkCh {
		w.mu.Lock()
		removed := item.target.removed
		w.mu.Unlock()
		if removed || w.sinkCtx.Err() != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(w.sinkCtx, sinkTimeout)
		err := w.opts.sink.Publish(ctx, item.ev)
		cancel()
		if err != nil {
			slog.Error("sink publish failed",
				slog.String("type", string(item.ev.Type)),
				slog.String("repo", item.ev.RepoPath),
				slog.Any("error", err),
			)
		}
	}
}

func callHandler(h handlerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", slog.Uint64("handler", h.id), slog.Any("panic", r))
		}
	}()
	h.fn(ev)
}

// rememberRef marks ref as known and reports whether it already was.
func (w *Watcher) rememberRef(t *target, ref string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, known := t.knownRefs[ref]
	t.knownRefs[ref] = struct{}{}
	return known
}

func (w *Watcher) forgetRef(t *target, ref string) {
	w.mu.Lock()
	delete(t.knownRefs, ref)
	w.mu.Unlock()
}

func (w *Watcher) currentBranch(t *target) string {
	branch, err := git.ReadHead(t.gd.Dir)
	if err != nil {
		return ""
	}
	return branch
}

func cleanRoot(root string) string {
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return filepath.Clean(root)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func firstLine(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(line)
}

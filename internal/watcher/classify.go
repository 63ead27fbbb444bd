package watcher

import (
	"path/filepath"
	"strings"

	"github.com/thiagokokada/repowatch/internal/git"
)

type signalKind uint8

const (
	sigHead signalKind = iota + 1
	sigMergeHead
	sigFetchHead
	sigIndex
	sigCommitMsg
	sigLocalRef
	sigRemoteRef
)

// signal is what a normalized path under a repository's metadata means.
type signal struct {
	kind signalKind
	// ref is the full ref name for ref signals, e.g. refs/heads/feat/x.
	ref string
}

const lockSuffix = ".lock"

// normalizePath cleans p and strips the lock-file suffix git writes through,
// so main.lock and main share one debounce key.
func normalizePath(p string) string {
	p = filepath.Clean(p)
	if base := filepath.Base(p); base != lockSuffix && strings.HasSuffix(base, lockSuffix) {
		return strings.TrimSuffix(p, lockSuffix)
	}
	return p
}

// ignoredName reports editor swap and backup files.
func ignoredName(base string) bool {
	switch {
	case strings.HasSuffix(base, "~"),
		strings.HasSuffix(base, ".swp"),
		strings.HasSuffix(base, ".swx"),
		strings.HasPrefix(base, ".#"),
		strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#"):
		return true
	}
	return false
}

var metadataSignals = map[string]signalKind{
	"HEAD":           sigHead,
	"MERGE_HEAD":     sigMergeHead,
	"FETCH_HEAD":     sigFetchHead,
	"index":          sigIndex,
	"COMMIT_EDITMSG": sigCommitMsg,
}

// matchSignal maps an already normalized path to a signal. Files directly in
// the per-worktree dir are matched by name; refs are matched relative to the
// common dir. objects/, logs/ and everything not listed is dropped.
func matchSignal(gd git.GitDir, path string) (signal, bool) {
	if ignoredName(filepath.Base(path)) {
		return signal{}, false
	}
	if rel, ok := relInside(gd.Dir, path); ok && !strings.Contains(rel, "/") {
		if kind, ok := metadataSignals[rel]; ok {
			return signal{kind: kind}, true
		}
	}
	if ref, ok := git.RefNameFromPath(gd.CommonDir, path); ok {
		switch {
		case strings.HasPrefix(ref, "refs/heads/"):
			return signal{kind: sigLocalRef, ref: ref}, true
		case strings.HasPrefix(ref, "refs/remotes/") && !strings.HasSuffix(ref, "/HEAD"):
			return signal{kind: sigRemoteRef, ref: ref}, true
		}
		return signal{}, false
	}
	if rel, ok := relInside(gd.CommonDir, path); ok && rel == "FETCH_HEAD" {
		return signal{kind: sigFetchHead}, true
	}
	return signal{}, false
}

// relInside returns path relative to dir with forward slashes when path is
// strictly inside dir.
func relInside(dir, path string) (string, bool) {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// underRefs reports whether path is a ref namespace dir (or below one) that
// needs its own handle.
func underRefs(gd git.GitDir, path string) bool {
	rel, ok := relInside(gd.CommonDir, path)
	return ok && (rel == "refs" || strings.HasPrefix(rel, "refs/"))
}

// refShort trims the namespace: refs/heads/feat/x -> feat/x,
// refs/remotes/origin/main -> origin/main.
func refShort(ref string) string {
	for _, prefix := range []string{"refs/heads/", "refs/remotes/"} {
		if short, ok := strings.CutPrefix(ref, prefix); ok {
			return short
		}
	}
	return strings.TrimPrefix(ref, "refs/")
}

func refLeaf(ref string) string {
	return ref[strings.LastIndexByte(ref, '/')+1:]
}

func dedupeKey(t EventType, normalizedPath, branch, ref string) string {
	return strings.Join([]string{string(t), normalizedPath, branch, ref}, "|")
}

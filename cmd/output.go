package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	gitbackend "github.com/thiagokokada/repowatch/internal/git/backend"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, snap gitbackend.StatusSnapshot) {
	branch := snap.Branch
	if snap.Detached {
		branch += " (detached)"
	}
	fmt.Fprintf(w, "On branch %s", branch)
	if snap.Upstream != "" {
		fmt.Fprintf(w, " [%s", snap.Upstream)
		if snap.Ahead > 0 {
			fmt.Fprintf(w, " ahead %d", snap.Ahead)
		}
		if snap.Behind > 0 {
			fmt.Fprintf(w, " behind %d", snap.Behind)
		}
		fmt.Fprint(w, "]")
	}
	fmt.Fprintln(w)
	if snap.Clean() {
		fmt.Fprintln(w, "nothing to commit, working tree clean")
	}
	printBucket(w, "Staged", snap.Staged, func(f gitbackend.FileStatus) byte { return f.Index() })
	printBucket(w, "Unstaged", snap.Unstaged, func(f gitbackend.FileStatus) byte { return f.Worktree() })
	printBucket(w, "Untracked", snap.Untracked, func(gitbackend.FileStatus) byte { return '?' })
	printBucket(w, "Conflicted", snap.Conflicted, func(gitbackend.FileStatus) byte { return 'U' })
	for _, warn := range snap.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
}

func printBucket(w io.Writer, title string, files []gitbackend.FileStatus, code func(gitbackend.FileStatus) byte) {
	if len(files) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, f := range files {
		name := f.Path
		if f.OrigPath != "" {
			name = f.OrigPath + " -> " + f.Path
		}
		stats := fmt.Sprintf("+%d -%d", f.Added, f.Removed)
		if f.Binary {
			stats = "binary"
		}
		fmt.Fprintf(w, "  %c %s (%s)\n", code(f), name, stats)
	}
}

package backend

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// NUL-terminated record; a commit message cannot contain NUL.
const logRecordFormat = "%H%n%P%n%an%n%ae%n%aI%n%cn%n%ce%n%cI%n%B%x00"

func (g *gitCLI) LastCommit(ctx context.Context) (Commit, error) {
	out, err := g.runGitCommand(ctx, []string{
		"--no-pager",
		"log",
		"-1",
		"--no-color",
		"--no-decorate",
		"--no-patch",
		"--pretty=tformat:" + logRecordFormat,
		"HEAD",
	}, false, "git log")
	if err != nil {
		return Commit{}, err
	}
	rec, _, _ := strings.Cut(out, "\x00")
	rec = strings.TrimLeft(rec, "\r\n")
	if rec == "" {
		return Commit{}, &ParseError{Context: "git log", Err: fmt.Errorf("empty record")}
	}
	commit, err := parseGitLogRecord([]byte(rec))
	if err != nil {
		return Commit{}, &ParseError{Context: "git log", Err: err}
	}
	return *commit, nil
}

func parseGitLogRecord(rec []byte) (*Commit, error) {
	parts := strings.Split(string(rec), "\n")
	if len(parts) < 8 {
		return nil, fmt.Errorf("unexpected git log record: got %d lines", len(parts))
	}
	hashStr := strings.TrimSpace(parts[0])
	if hashStr == "" {
		return nil, fmt.Errorf("missing commit hash")
	}
	var parents []string
	if parentLine := strings.TrimSpace(parts[1]); parentLine != "" {
		parents = strings.Fields(parentLine)
	}
	authorWhen, _ := time.Parse(time.RFC3339, parts[4])
	committerWhen, _ := time.Parse(time.RFC3339, parts[7])
	message := ""
	if len(parts) > 8 {
		message = strings.Join(parts[8:], "\n")
	}
	return &Commit{
		Hash:         hashStr,
		ParentHashes: parents,
		Author:       Signature{Name: parts[2], Email: parts[3], When: authorWhen},
		Committer:    Signature{Name: parts[5], Email: parts[6], When: committerWhen},
		Message:      message,
	}, nil
}

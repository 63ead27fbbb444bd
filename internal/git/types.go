package git

import (
	"time"

	gitbackend "github.com/thiagokokada/repowatch/internal/git/backend"
)

type Signature struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	When  time.Time `json:"when"`
}

// CommitInfo is the last-commit view returned to callers.
type CommitInfo struct {
	Hash         string    `json:"hash"`
	ShortHash    string    `json:"shortHash"`
	ParentHashes []string  `json:"parentHashes,omitempty"`
	Author       Signature `json:"author"`
	Committer    Signature `json:"committer"`
	Message      string    `json:"message"`
	Subject      string    `json:"subject"`
}

func commitInfo(c gitbackend.Commit) CommitInfo {
	return CommitInfo{
		Hash:         c.Hash,
		ShortHash:    c.ShortHash(),
		ParentHashes: c.ParentHashes,
		Author:       Signature(c.Author),
		Committer:    Signature(c.Committer),
		Message:      c.Message,
		Subject:      c.Subject(),
	}
}

type CommitResult struct {
	Hash   string                    `json:"hash"`
	Status gitbackend.StatusSnapshot `json:"status"`
}

// FileChange is one file touched by a commit.
type FileChange struct {
	Path    string `json:"path"`
	Status  string `json:"status,omitempty"`
	Added   int    `json:"added,omitempty"`
	Removed int    `json:"removed,omitempty"`
}

// CommitDetails describes the commit a ref points at.
type CommitDetails struct {
	Hash        string
	Subject     string
	Files       []FileChange
	DiffPreview string
}

package backend

import "time"

type Signature struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	When  time.Time `json:"when"`
}

type Commit struct {
	Hash         string    `json:"hash"`
	ParentHashes []string  `json:"parentHashes,omitempty"`
	Author       Signature `json:"author"`
	Committer    Signature `json:"committer"`
	Message      string    `json:"message"`
}

// ShortHash returns the abbreviated hash used in UI labels.
func (c Commit) ShortHash() string {
	if len(c.Hash) > 8 {
		return c.Hash[:8]
	}
	return c.Hash
}

// Subject returns the first line of the commit message.
func (c Commit) Subject() string {
	for i := 0; i < len(c.Message); i++ {
		if c.Message[i] == '\n' {
			return c.Message[:i]
		}
	}
	return c.Message
}

// FileStatus is one path of a status snapshot. Code holds the two-character
// porcelain code, e.g. "M ", " M", "??" or "UU".
type FileStatus struct {
	Path     string `json:"path"`
	OrigPath string `json:"origPath,omitempty"`
	Code     string `json:"code"`
	Added    int    `json:"added"`
	Removed  int    `json:"removed"`
	Binary   bool   `json:"binary,omitempty"`
}

// Index returns the staged half of the status code.
func (f FileStatus) Index() byte { return f.Code[0] }

// Worktree returns the unstaged half of the status code.
func (f FileStatus) Worktree() byte { return f.Code[1] }

type StatusSnapshot struct {
	Branch     string         `json:"branch"`
	Upstream   string         `json:"upstream,omitempty"`
	Ahead      int            `json:"ahead"`
	Behind     int            `json:"behind"`
	Detached   bool           `json:"detached,omitempty"`
	Staged     []FileStatus   `json:"staged"`
	Unstaged   []FileStatus   `json:"unstaged"`
	Untracked  []FileStatus   `json:"untracked"`
	Conflicted []FileStatus   `json:"conflicted"`
	Warnings   []ParseWarning `json:"warnings,omitempty"`
}

// Clean reports whether the snapshot has no changes in any bucket.
func (s StatusSnapshot) Clean() bool {
	return len(s.Staged) == 0 && len(s.Unstaged) == 0 && len(s.Untracked) == 0 && len(s.Conflicted) == 0
}

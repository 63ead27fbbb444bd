package git

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	diff "github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	// DefaultPreviewBytes bounds CommitDetails.DiffPreview.
	DefaultPreviewBytes = 2000
	maxDetailFiles      = 100
)

// RefReader reads refs and commits natively through go-git, so looking up the
// commit behind a ref change never spawns a git process.
type RefReader struct {
	PreviewBytes int
}

func NewRefReader() *RefReader {
	return &RefReader{PreviewBytes: DefaultPreviewBytes}
}

func (r *RefReader) open(root string) (*gitlib.Repository, error) {
	repo, err := gitlib.PlainOpenWithOptions(root, &gitlib.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if errors.Is(err, gitlib.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, root)
		}
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return repo, nil
}

// Branches returns the sorted short names of all local branches.
func (r *RefReader) Branches(root string) ([]string, error) {
	repo, err := r.open(root)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

// CommitForRef resolves a full ref name (refs/heads/main) and describes the
// commit it points at, diffed against its first parent.
func (r *RefReader) CommitForRef(root, refName string) (CommitDetails, error) {
	repo, err := r.open(root)
	if err != nil {
		return CommitDetails{}, err
	}
	ref, err := repo.Reference(plumbing.ReferenceName(refName), true)
	if err != nil {
		return CommitDetails{}, fmt.Errorf("resolve %s: %w", refName, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return CommitDetails{}, fmt.Errorf("read commit %s: %w", ref.Hash(), err)
	}
	details := CommitDetails{
		Hash:    commit.Hash.String(),
		Subject: commitSubject(commit.Message),
	}
	changes, err := commitChanges(commit)
	if err != nil {
		return details, err
	}
	details.Files, details.DiffPreview, err = describeChanges([]*object.Change(changes), r.PreviewBytes)
	return details, err
}

func commitChanges(commit *object.Commit) (object.Changes, error) {
	currentTree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	var parentTree *object.Tree
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err != nil {
			return nil, err
		}
		parentTree, err = parent.Tree()
		if err != nil {
			return nil, err
		}
	}
	return object.DiffTree(parentTree, currentTree)
}

type patcher interface {
	Patch() (*object.Patch, error)
}

// describeChanges diffs at most maxDetailFiles changes and stops encoding the
// preview once it holds previewLimit bytes, so the cost is bounded no matter
// how large the commit is.
func describeChanges[C patcher](changes []C, previewLimit int) ([]FileChange, string, error) {
	changes = changes[:min(len(changes), maxDetailFiles)]
	files := make([]FileChange, 0, len(changes))
	var preview bytes.Buffer
	for _, change := range changes {
		patch, err := change.Patch()
		if err != nil {
			return files, truncatePreview(preview.String(), previewLimit), err
		}
		fps := patch.FilePatches()
		files = append(files, fileChanges(fps)...)
		if previewLimit > 0 && preview.Len() > previewLimit {
			continue
		}
		if err := encodeUnifiedPatch(&preview, fps); err != nil {
			return files, truncatePreview(preview.String(), previewLimit), err
		}
	}
	return files, truncatePreview(preview.String(), previewLimit), nil
}

func fileChanges(patches []diff.FilePatch) []FileChange {
	files := make([]FileChange, 0, len(patches))
	for _, fp := range patches {
		from, to := fp.Files()
		fc := FileChange{Path: filePatchPath(fp)}
		switch {
		case from == nil:
			fc.Status = "added"
		case to == nil:
			fc.Status = "deleted"
		case from.Path() != to.Path():
			fc.Status = "renamed"
		default:
			fc.Status = "modified"
		}
		if !fp.IsBinary() {
			for _, chunk := range fp.Chunks() {
				switch chunk.Type() {
				case diff.Add:
					fc.Added += countLines(chunk.Content())
				case diff.Delete:
					fc.Removed += countLines(chunk.Content())
				}
			}
		}
		files = append(files, fc)
	}
	return files
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

func filePatchPath(fp diff.FilePatch) string {
	from, to := fp.Files()
	if to != nil && to.Path() != "" {
		return to.Path()
	}
	if from != nil && from.Path() != "" {
		return from.Path()
	}
	return "(unknown)"
}

func encodeUnifiedPatch(w io.Writer, filePatches []diff.FilePatch) error {
	return diff.NewUnifiedEncoder(w, diff.DefaultContextLines).Encode(filePatchSet{patches: filePatches})
}

type filePatchSet struct {
	patches []diff.FilePatch
}

func (f filePatchSet) FilePatches() []diff.FilePatch { return f.patches }
func (filePatchSet) Message() string                 { return "" }

func truncatePreview(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := strings.LastIndexByte(s[:limit], '\n')
	if cut <= 0 {
		cut = limit
	}
	return s[:cut] + "\n..."
}

func commitSubject(message string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
	return strings.TrimSpace(line)
}

// RefNameFromPath converts a path under a metadata dir to a ref name, e.g.
// /repo/.git/refs/heads/feat/x -> refs/heads/feat/x.
func RefNameFromPath(commonDir, path string) (string, bool) {
	rel, err := filepath.Rel(commonDir, path)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if !strings.HasPrefix(rel, "refs/") {
		return "", false
	}
	return rel, true
}

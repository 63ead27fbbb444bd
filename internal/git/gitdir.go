package git

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// GitDir locates the metadata of a working tree. For a linked worktree Dir is
// the per-worktree directory (HEAD, index) and CommonDir the shared one
// (refs, packed-refs). Otherwise both are the same.
type GitDir struct {
	Root      string
	Dir       string
	CommonDir string
}

// Linked reports whether the working tree is a linked worktree.
func (g GitDir) Linked() bool {
	return g.Dir != g.CommonDir
}

// ResolveGitDir finds the metadata directory of the working tree at root.
// A .git directory is used as is, a .git file must hold a "gitdir: <path>"
// redirect; relative redirects resolve against root.
func ResolveGitDir(root string) (GitDir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return GitDir{}, err
	}
	abs = filepath.Clean(abs)
	marker := filepath.Join(abs, ".git")
	info, err := os.Stat(marker)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return GitDir{}, fmt.Errorf("%w: %s", ErrNotRepository, abs)
		}
		return GitDir{}, err
	}
	if info.IsDir() {
		return GitDir{Root: abs, Dir: marker, CommonDir: marker}, nil
	}

	dir, err := readGitFile(marker)
	if err != nil {
		return GitDir{}, err
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(abs, dir)
	}
	dir = filepath.Clean(dir)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return GitDir{}, fmt.Errorf("%w: %s: gitdir %s does not exist", ErrNotRepository, abs, dir)
	}
	common, err := readCommonDir(dir)
	if err != nil {
		return GitDir{}, err
	}
	return GitDir{Root: abs, Dir: dir, CommonDir: common}, nil
}

func readGitFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	dir, ok := strings.CutPrefix(strings.TrimSpace(line), "gitdir:")
	dir = strings.TrimSpace(dir)
	if !ok || dir == "" {
		return "", fmt.Errorf("%w: %s", ErrMalformedGitFile, path)
	}
	return dir, nil
}

// readCommonDir follows the "commondir" file git writes into the metadata dir
// of linked worktrees. It is relative to dir when not absolute.
func readCommonDir(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "commondir"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return dir, nil
		}
		return "", err
	}
	common := strings.TrimSpace(string(data))
	if common == "" {
		return dir, nil
	}
	if !filepath.IsAbs(common) {
		common = filepath.Join(dir, common)
	}
	return filepath.Clean(common), nil
}

// ReadHead returns the display name of HEAD in gitDir: the short branch name
// for a symbolic ref, or the abbreviated hash followed by " (detached)".
func ReadHead(gitDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return "", err
	}
	return ParseHead(data)
}

func ParseHead(data []byte) (string, error) {
	content := string(bytes.TrimSpace(data))
	if ref, ok := strings.CutPrefix(content, "ref:"); ok {
		ref = strings.TrimSpace(ref)
		if name, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
			return name, nil
		}
		return strings.TrimPrefix(ref, "refs/"), nil
	}
	if !isHexHash(content) {
		return "", fmt.Errorf("unrecognized HEAD content %q", content)
	}
	return content[:8] + " (detached)", nil
}

func isHexHash(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ReadRef returns the hash stored in a loose ref file, or "" when the ref is
// only packed or missing.
func ReadRef(commonDir, refName string) string {
	data, err := os.ReadFile(filepath.Join(commonDir, filepath.FromSlash(refName)))
	if err != nil {
		return ""
	}
	s := strings.TrimSpace(string(data))
	if !isHexHash(s) {
		return ""
	}
	return s
}

package backend

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const validStatusCodes = " MTADRCU?!"

// ParseStatus parses `git status --porcelain=v1 --branch` output. Records that
// cannot be interpreted are skipped and reported in StatusSnapshot.Warnings;
// only a read failure is returned as an error.
func ParseStatus(r io.Reader) (StatusSnapshot, error) {
	var snap StatusSnapshot
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			if w, ok := parseBranchHeader(line[3:], &snap); !ok {
				w.Line = lineNo
				snap.Warnings = append(snap.Warnings, w)
			}
			continue
		}
		if w, ok := parseStatusRecord(line, &snap); !ok {
			w.Line = lineNo
			snap.Warnings = append(snap.Warnings, w)
		}
	}
	if err := scanner.Err(); err != nil {
		return snap, &ParseError{Context: "git status", Err: err}
	}
	return snap, nil
}

func parseStatusRecord(line string, snap *StatusSnapshot) (ParseWarning, bool) {
	if len(line) < 4 || line[2] != ' ' {
		return ParseWarning{Text: line, Reason: "short or malformed record"}, false
	}
	x, y := line[0], line[1]
	if !strings.ContainsRune(validStatusCodes, rune(x)) || !strings.ContainsRune(validStatusCodes, rune(y)) {
		return ParseWarning{Text: line, Reason: "unknown status code"}, false
	}
	code := line[:2]
	if code == "!!" {
		return ParseWarning{}, true
	}
	path, orig, err := recordPaths(line[3:], x == 'R' || x == 'C' || y == 'R' || y == 'C')
	if err != nil {
		return ParseWarning{Text: line, Reason: err.Error()}, false
	}
	fs := FileStatus{Path: path, OrigPath: orig, Code: code}
	switch {
	case code == "??":
		snap.Untracked = append(snap.Untracked, fs)
	case isConflict(code):
		snap.Conflicted = append(snap.Conflicted, fs)
	default:
		if x != ' ' && x != '?' {
			snap.Staged = append(snap.Staged, fs)
		}
		if y != ' ' && y != '?' {
			snap.Unstaged = append(snap.Unstaged, fs)
		}
	}
	return ParseWarning{}, true
}

func isConflict(code string) bool {
	switch code {
	case "DD", "AU", "UD", "UA", "DU", "AA", "UU":
		return true
	}
	return false
}

func recordPaths(s string, rename bool) (path, orig string, err error) {
	if rename {
		if from, to, ok := strings.Cut(s, " -> "); ok {
			if orig, err = unquotePath(from); err != nil {
				return "", "", err
			}
			if path, err = unquotePath(to); err != nil {
				return "", "", err
			}
			return path, orig, nil
		}
		return "", "", fmt.Errorf("rename record without source path")
	}
	path, err = unquotePath(s)
	return path, "", err
}

// unquotePath reverses git's C-style quoting of paths with special bytes.
func unquotePath(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty path")
	}
	if s[0] != '"' {
		return s, nil
	}
	p, err := strconv.Unquote(s)
	if err != nil {
		return "", fmt.Errorf("bad quoted path: %w", err)
	}
	return p, nil
}

func parseBranchHeader(h string, snap *StatusSnapshot) (ParseWarning, bool) {
	for _, prefix := range []string{"No commits yet on ", "Initial commit on "} {
		if rest, ok := strings.CutPrefix(h, prefix); ok {
			snap.Branch = rest
			return ParseWarning{}, true
		}
	}
	if h == "HEAD (no branch)" {
		snap.Branch = "HEAD"
		snap.Detached = true
		return ParseWarning{}, true
	}
	var track string
	if i := strings.Index(h, " ["); i >= 0 && strings.HasSuffix(h, "]") {
		track = h[i+2 : len(h)-1]
		h = h[:i]
	}
	if branch, upstream, ok := strings.Cut(h, "..."); ok {
		snap.Branch = branch
		snap.Upstream = upstream
	} else {
		snap.Branch = h
	}
	if track == "" || track == "gone" {
		return ParseWarning{}, true
	}
	for part := range strings.SplitSeq(track, ", ") {
		field, value, ok := strings.Cut(part, " ")
		if !ok {
			return ParseWarning{Text: "## " + h, Reason: "malformed tracking info"}, false
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return ParseWarning{Text: "## " + h, Reason: "malformed tracking count"}, false
		}
		switch field {
		case "ahead":
			snap.Ahead = n
		case "behind":
			snap.Behind = n
		}
	}
	return ParseWarning{}, true
}

type numstat struct {
	added   int
	removed int
	binary  bool
}

// parseNumstat parses `git diff --numstat` output keyed by the post-image
// path. Binary files report "-" for both counts, which parse to 0.
func parseNumstat(r io.Reader) (map[string]numstat, []ParseWarning, error) {
	stats := map[string]numstat{}
	var warnings []ParseWarning
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			warnings = append(warnings, ParseWarning{Line: lineNo, Text: line, Reason: "malformed numstat record"})
			continue
		}
		var st numstat
		var ok bool
		if st.added, ok = parseStatCount(fields[0]); !ok {
			warnings = append(warnings, ParseWarning{Line: lineNo, Text: line, Reason: "malformed added count"})
			continue
		}
		if st.removed, ok = parseStatCount(fields[1]); !ok {
			warnings = append(warnings, ParseWarning{Line: lineNo, Text: line, Reason: "malformed removed count"})
			continue
		}
		st.binary = fields[0] == "-" && fields[1] == "-"
		path, err := unquotePath(numstatPath(fields[2]))
		if err != nil {
			warnings = append(warnings, ParseWarning{Line: lineNo, Text: line, Reason: err.Error()})
			continue
		}
		stats[path] = st
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, &ParseError{Context: "git diff --numstat", Err: err}
	}
	return stats, warnings, nil
}

func parseStatCount(s string) (int, bool) {
	if s == "-" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// numstatPath resolves rename notation ("old => new" and "dir/{a => b}/f") to
// the new path.
func numstatPath(p string) string {
	open := strings.Index(p, "{")
	closing := strings.LastIndex(p, "}")
	if open >= 0 && closing > open {
		inner := p[open+1 : closing]
		if _, to, ok := strings.Cut(inner, " => "); ok {
			joined := p[:open] + to + p[closing+1:]
			return strings.ReplaceAll(joined, "//", "/")
		}
	}
	if _, to, ok := strings.Cut(p, " => "); ok {
		return to
	}
	return p
}

func applyNumstat(files []FileStatus, stats map[string]numstat) {
	for i := range files {
		st, ok := stats[files[i].Path]
		if !ok {
			continue
		}
		files[i].Added = st.added
		files[i].Removed = st.removed
		files[i].Binary = st.binary
	}
}

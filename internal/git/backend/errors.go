package backend

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotRepository = errors.New("not a git repository")
	ErrTimeout       = errors.New("git command timed out")
)

// CommandError reports a git invocation that exited non-zero. Args and Stderr
// are scrubbed of embedded credentials before the error is built.
type CommandError struct {
	Context  string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	b.WriteString(e.Context)
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Stderr != "" {
		b.WriteString(": ")
		b.WriteString(e.Stderr)
	}
	return b.String()
}

func (e *CommandError) Unwrap() error { return e.Err }

// TimeoutError is returned when a git invocation exceeds its bound. The
// process is killed before the error is returned.
type TimeoutError struct {
	Context string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Context, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ParseError reports output that could not be interpreted at all.
type ParseError struct {
	Context string
	Err     error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Context, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// ParseWarning describes a single record that was skipped while parsing.
type ParseWarning struct {
	Line   int    `json:"line"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

func (w ParseWarning) String() string {
	return fmt.Sprintf("line %d: %s: %q", w.Line, w.Reason, w.Text)
}

var credentialPattern = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/\s@]+@`)

// Scrub removes userinfo (user:token@) from any URL embedded in s.
func Scrub(s string) string {
	return credentialPattern.ReplaceAllString(s, "${1}***@")
}

func scrubAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = Scrub(a)
	}
	return out
}

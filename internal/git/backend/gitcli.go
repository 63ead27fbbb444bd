package backend

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

const (
	DefaultBinary  = "git"
	DefaultTimeout = 10 * time.Second

	// waitDelay bounds how long Wait blocks on pipes after the process was
	// killed because its context expired.
	waitDelay = 500 * time.Millisecond
)

// Runner executes the git binary with a bounded timeout.
type Runner struct {
	Binary  string
	Timeout time.Duration
}

func (r Runner) binary() string {
	if r.Binary == "" {
		return DefaultBinary
	}
	return r.Binary
}

func (r Runner) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

// Run executes git in dir. When allowExit1 is set an exit status of 1 with an
// empty stderr is treated as success, the way git diff signals changes.
func (r Runner) Run(ctx context.Context, dir string, args []string, allowExit1 bool, ctxName string) (string, error) {
	return r.run(ctx, dir, args, allowExit1, ctxName)
}

func (r Runner) run(ctx context.Context, dir string, args []string, allowExit1 bool, ctxName string) (string, error) {
	timeout := r.timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdArgs := args
	if dir != "" {
		cmdArgs = append([]string{"-C", dir}, args...)
	}
	cmd := exec.CommandContext(ctx, r.binary(), cmdArgs...)
	cmd.WaitDelay = waitDelay
	// Parsers depend on the C locale. Optional locks are disabled so read-only
	// queries never rewrite the index and re-trigger the watcher.
	cmd.Env = append(cmd.Environ(), "LC_ALL=C", "GIT_TERMINAL_PROMPT=0", "GIT_OPTIONAL_LOCKS=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", &TimeoutError{Context: ctxName, After: timeout}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if allowExit1 && exitErr.ExitCode() == 1 && stderr.Len() == 0 {
			return stdout.String(), nil
		}
		return "", &CommandError{
			Context:  ctxName,
			Args:     scrubAll(cmdArgs),
			ExitCode: exitErr.ExitCode(),
			Stderr:   Scrub(strings.TrimSpace(stderr.String())),
			Err:      err,
		}
	}
	return "", &CommandError{
		Context:  ctxName,
		Args:     scrubAll(cmdArgs),
		ExitCode: -1,
		Stderr:   Scrub(strings.TrimSpace(stderr.String())),
		Err:      err,
	}
}

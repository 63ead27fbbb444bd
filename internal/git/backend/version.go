package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Minimum supported git version. "git restore" (discard) and
// GIT_OPTIONAL_LOCKS both need 2.23.
var minGitVersion = gitVersion{major: 2, minor: 23, patch: 0}

type gitVersion struct {
	major int
	minor int
	patch int
}

func MinGitVersion() string {
	return minGitVersion.String()
}

func (v gitVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.major, v.minor, v.patch)
}

func (v gitVersion) less(other gitVersion) bool {
	if v.major != other.major {
		return v.major < other.major
	}
	if v.minor != other.minor {
		return v.minor < other.minor
	}
	return v.patch < other.patch
}

// parseGitVersionOutput accepts the common vendor variants:
//   - "git version 2.44.0"
//   - "git version 2.39.3 (Apple Git-146)"
//   - "git version 2.39.3.windows.1"
func parseGitVersionOutput(out string) (gitVersion, bool) {
	s := strings.TrimSpace(out)
	if idx := strings.Index(s, "git version"); idx >= 0 {
		s = strings.TrimSpace(s[idx+len("git version"):])
	}
	start := strings.IndexAny(s, "0123456789")
	if start < 0 {
		return gitVersion{}, false
	}
	s = s[start:]
	end := 0
	for end < len(s) && (s[end] == '.' || (s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	parts := strings.Split(strings.Trim(s[:end], "."), ".")
	if len(parts) < 2 {
		return gitVersion{}, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return gitVersion{}, false
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return gitVersion{}, false
	}
	patch := 0
	if len(parts) >= 3 {
		if p, err := strconv.Atoi(parts[2]); err == nil {
			patch = p
		}
	}
	return gitVersion{major: major, minor: minor, patch: patch}, true
}

func validateGitVersionOutput(out string) error {
	got, ok := parseGitVersionOutput(out)
	if !ok {
		return fmt.Errorf("unable to parse git version output: %q", strings.TrimSpace(out))
	}
	if got.less(minGitVersion) {
		return fmt.Errorf("git %s is too old; repowatch requires git >= %s", got, minGitVersion)
	}
	return nil
}

type versionCheck struct {
	once sync.Once
	out  string
	err  error
}

var (
	versionChecksMu sync.Mutex
	versionChecks   = map[string]*versionCheck{}
)

func checkFor(binary string) *versionCheck {
	versionChecksMu.Lock()
	defer versionChecksMu.Unlock()
	c, ok := versionChecks[binary]
	if !ok {
		c = &versionCheck{}
		versionChecks[binary] = c
	}
	return c
}

// GitVersion returns the raw `git --version` output for the runner's binary
// and an error when git cannot be run or is older than MinGitVersion.
// The result is cached per binary for the life of the process.
func GitVersion(ctx context.Context, runner Runner) (string, error) {
	c := checkFor(runner.binary())
	c.once.Do(func() {
		out, err := runner.Run(ctx, "", []string{"--version"}, false, "git --version")
		c.out = strings.TrimSpace(out)
		if err != nil {
			c.err = err
			return
		}
		c.err = validateGitVersionOutput(c.out)
	})
	return c.out, c.err
}

func ensureMinGitVersion(ctx context.Context, runner Runner) error {
	_, err := GitVersion(ctx, runner)
	return err
}

package git

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Number of leading bytes inspected for NUL when deciding a file is binary,
// the same heuristic git uses.
const binarySniffLen = 8000

// untrackedDiff renders an untracked file the way git diff --no-index renders
// a new file.
func untrackedDiff(root, rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", rel, rel)
	b.WriteString("new file mode 100644\n")
	if bytes.IndexByte(data[:min(len(data), binarySniffLen)], 0) >= 0 {
		fmt.Fprintf(&b, "Binary files /dev/null and b/%s differ\n", rel)
		return b.String(), nil
	}
	if len(data) == 0 {
		return b.String(), nil
	}
	content := string(data)
	ud := difflib.UnifiedDiff{
		A:        []string{},
		B:        difflib.SplitLines(strings.TrimSuffix(content, "\n")),
		FromFile: "/dev/null",
		ToFile:   "b/" + rel,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", err
	}
	b.WriteString(text)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\\ No newline at end of file\n")
	}
	return b.String(), nil
}

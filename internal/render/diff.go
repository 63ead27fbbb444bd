package render

import "strings"

// diffPathFromLine extracts the new-side path of a "diff --git" header. The
// second result reports whether line is such a header.
func diffPathFromLine(line string) (string, bool) {
	const prefix = "diff --git "
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	tokens := diffLineTokens(strings.TrimSpace(line[len(prefix):]))
	if len(tokens) < 2 {
		return "", true
	}
	return normalizeDiffPath(tokens[1]), true
}

// diffLineTokens splits on blanks, honouring git's C-style quoting.
func diffLineTokens(s string) []string {
	var tokens []string
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return tokens
		}
		if s[0] != '"' {
			end := strings.IndexAny(s, " \t")
			if end < 0 {
				end = len(s)
			}
			tokens = append(tokens, s[:end])
			s = s[end:]
			continue
		}
		var buf strings.Builder
		i, escaped := 1, false
		for ; i < len(s); i++ {
			ch := s[i]
			if escaped {
				buf.WriteByte(ch)
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				i++
				break
			}
			buf.WriteByte(ch)
		}
		tokens = append(tokens, buf.String())
		s = s[i:]
	}
}

func normalizeDiffPath(token string) string {
	if rest, ok := strings.CutPrefix(token, "a/"); ok {
		return rest
	}
	return strings.TrimPrefix(token, "b/")
}

// diffLineCode returns the source text of a context, added or removed line.
func diffLineCode(line string) (code string, ok bool) {
	if line == "" || strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") {
		return "", false
	}
	switch line[0] {
	case '+', '-', ' ':
		return line[1:], true
	}
	return "", false
}

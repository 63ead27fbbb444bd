package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
)

// Diff writes a unified diff to w. With color enabled the diff markers are
// styled like chroma's diff lexer and the code of every hunk line is
// highlighted with the lexer of the file it belongs to.
func Diff(w io.Writer, diff string, mode ColorMode, theme ThemePreference) error {
	if !mode.Enabled(w) {
		_, err := io.WriteString(w, diff)
		return err
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}
	if err := formatter.Format(w, theme.Style(), chroma.Literator(diffTokens(diff)...)); err != nil {
		return fmt.Errorf("highlight diff: %w", err)
	}
	return nil
}

func diffTokens(diff string) []chroma.Token {
	var (
		tokens []chroma.Token
		lexer  chroma.Lexer
	)
	lines := strings.SplitAfter(diff, "\n")
	for _, raw := range lines {
		if raw == "" {
			continue
		}
		line := strings.TrimSuffix(raw, "\n")
		if path, ok := diffPathFromLine(line); ok {
			lexer = lexerForPath(path)
			tokens = append(tokens, chroma.Token{Type: chroma.GenericHeading, Value: raw})
			continue
		}
		code, ok := diffLineCode(line)
		if !ok || lexer == nil {
			tokens = append(tokens, chroma.Token{Type: markerType(line), Value: raw})
			continue
		}
		tokens = append(tokens, chroma.Token{Type: markerType(line), Value: line[:1]})
		tokens = append(tokens, codeTokens(lexer, code)...)
		if strings.HasSuffix(raw, "\n") {
			tokens = append(tokens, chroma.Token{Type: chroma.Text, Value: "\n"})
		}
	}
	return tokens
}

// markerType mirrors the rules of chroma's diff lexer.
func markerType(line string) chroma.TokenType {
	switch {
	case strings.HasPrefix(line, "+"):
		return chroma.GenericInserted
	case strings.HasPrefix(line, "-"):
		return chroma.GenericDeleted
	case strings.HasPrefix(line, "@"):
		return chroma.GenericSubheading
	case strings.HasPrefix(line, "index"), strings.HasPrefix(line, "Index"),
		strings.HasPrefix(line, "diff"), strings.HasPrefix(line, "="):
		return chroma.GenericHeading
	case strings.HasPrefix(line, "\\"):
		return chroma.Comment
	}
	return chroma.Text
}

// codeTokens highlights a single line of code. Newlines produced by the lexer
// are dropped so the caller controls line ends.
func codeTokens(lexer chroma.Lexer, code string) []chroma.Token {
	it, err := lexer.Tokenise(nil, code)
	if err != nil {
		return []chroma.Token{{Type: chroma.Text, Value: code}}
	}
	var out []chroma.Token
	for _, tok := range it.Tokens() {
		tok.Value = strings.TrimRight(tok.Value, "\n")
		if tok.Value != "" {
			out = append(out, tok)
		}
	}
	return out
}

func lexerForPath(path string) chroma.Lexer {
	if path == "" {
		return nil
	}
	lexer := lexers.Match(path)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	return chroma.Coalesce(lexer)
}

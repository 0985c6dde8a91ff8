package extract

import (
	"strings"
	"unicode"
)

// extractText handles plain text and markdown: line structure is preserved
// (the table detector wants it), intra-line whitespace is normalised.
func extractText(data []byte) (*Result, error) {
	raw := strings.ReplaceAll(string(data), "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")

	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, " \t")
		out = append(out, line)
	}
	text := strings.TrimSpace(strings.Join(out, "\n"))
	if text == "" {
		return &Result{}, nil
	}

	return &Result{
		Text:   text,
		Tables: detectTables(text),
	}, nil
}

// normalizeWhitespace collapses all whitespace runs to single spaces.
func normalizeWhitespace(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		} else {
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}

package extract

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// extractPDF pulls the text layer out of a PDF using pdfcpu, page by page,
// and detects column-aligned runs of lines as table regions.
func extractPDF(data []byte) (*Result, error) {
	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	var sb strings.Builder
	var tables []TableRegion
	totalChars := 0

	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		pageText := extractPageText(pdfCtx, pageNr)
		if pageText == "" {
			continue
		}
		totalChars += len([]rune(pageText))

		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		pageStart := sb.Len()
		sb.WriteString(pageText)

		// Table regions carry offsets into the assembled text.
		for _, reg := range detectTables(pageText) {
			reg.Page = pageNr
			reg.Label = fmt.Sprintf("page %d", pageNr)
			reg.CharStart += pageStart
			reg.CharEnd += pageStart
			tables = append(tables, reg)
		}
	}

	text := sb.String()
	var charsPerPage float64
	if pdfCtx.PageCount > 0 {
		charsPerPage = float64(totalChars) / float64(pdfCtx.PageCount)
	}

	return &Result{
		Text:   text,
		Tables: tables,
		Pages:  pdfCtx.PageCount,
		Quality: &Quality{
			PageCount:      pdfCtx.PageCount,
			CharsPerPage:   charsPerPage,
			PrintableRatio: printableRatio(text),
			WordlikeRatio:  wordlikeRatio(text),
		},
	}, nil
}

// extractPageText extracts text from a single PDF page content stream.
func extractPageText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return textFromStream(data)
}

// pdfStringRe matches PDF string literals in parentheses: (text here)
var pdfStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// textFromStream parses PDF content stream operators for text. Line
// structure is preserved: text-positioning operators become separators so
// tabular layouts survive into detectTables.
func textFromStream(data []byte) string {
	var sb strings.Builder

	lines := bytes.Split(data, []byte{'\n'})
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		// Tj / TJ operators: (text) Tj, [(text) -100 (more)] TJ
		if bytes.HasSuffix(line, []byte("Tj")) || bytes.HasSuffix(line, []byte("TJ")) {
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}
			continue
		}

		// ' operator: move to next line and show text.
		if bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")) {
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteByte('\n')
				sb.WriteString(decodePDFString(m[1]))
			}
			continue
		}

		// Td/TD text positioning: treat as a column gap within the line.
		if bytes.HasSuffix(line, []byte("Td")) || bytes.HasSuffix(line, []byte("TD")) {
			if sb.Len() > 0 {
				sb.WriteString("  ")
			}
			continue
		}

		// T*: move to start of next line.
		if bytes.Equal(line, []byte("T*")) {
			sb.WriteByte('\n')
		}
	}

	return cleanPDFText(sb.String())
}

// decodePDFString handles basic PDF escape sequences.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			i++
			switch raw[i] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '\\':
				sb.WriteByte('\\')
			case '(':
				sb.WriteByte('(')
			case ')':
				sb.WriteByte(')')
			default:
				// Octal escape (e.g. \040 for space).
				if raw[i] >= '0' && raw[i] <= '7' {
					val := int(raw[i] - '0')
					if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
						i++
						val = val*8 + int(raw[i]-'0')
						if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
							i++
							val = val*8 + int(raw[i]-'0')
						}
					}
					sb.WriteByte(byte(val))
				} else {
					sb.WriteByte(raw[i])
				}
			}
		} else {
			sb.WriteByte(raw[i])
		}
	}
	return sb.String()
}

// cleanPDFText normalises whitespace but keeps line breaks, which the
// table detector relies on. Runs of spaces/tabs collapse to two spaces so
// column gaps stay visible.
func cleanPDFText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var out []string
	for _, line := range strings.Split(text, "\n") {
		var sb strings.Builder
		spaceRun := 0
		for _, r := range line {
			if r == ' ' || r == '\t' {
				spaceRun++
				continue
			}
			if !unicode.IsPrint(r) {
				continue
			}
			if spaceRun > 0 && sb.Len() > 0 {
				if spaceRun > 1 {
					sb.WriteString("  ")
				} else {
					sb.WriteByte(' ')
				}
			}
			spaceRun = 0
			sb.WriteRune(r)
		}
		cleaned := strings.TrimSpace(sb.String())
		if cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return strings.Join(out, "\n")
}

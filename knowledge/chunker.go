package knowledge

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/propknow/propknow/extract"
)

// Chunk is one retrieval-sized unit of text before persistence.
type Chunk struct {
	Index     int
	Text      string
	CharStart int
	CharEnd   int
	IsTable   bool
}

// sentenceEnders mark preferred split points, searched backwards from the
// target length.
var sentenceEnders = []string{". ", ".\n", "! ", "? ", "\n\n"}

// splitChunks turns extracted text into chunks. Prose is split with a
// sliding window of targetChars with overlapChars of overlap, cutting at
// the last sentence boundary before the target when one exists. Table
// regions are chunked row-aligned: rows are grouped until the target
// length is reached but a row is never split, whatever its length.
func splitChunks(res *extract.Result, targetChars, overlapChars int) []Chunk {
	tables := append([]extract.TableRegion(nil), res.Tables...)
	sort.Slice(tables, func(i, j int) bool { return tables[i].CharStart < tables[j].CharStart })

	var chunks []Chunk
	pos := 0
	for _, tr := range tables {
		if tr.CharStart > pos {
			chunks = append(chunks, proseChunks(res.Text, pos, tr.CharStart, targetChars, overlapChars)...)
		}
		chunks = append(chunks, tableChunks(tr, targetChars)...)
		if tr.CharEnd > pos {
			pos = tr.CharEnd
		}
	}
	if pos < len(res.Text) {
		chunks = append(chunks, proseChunks(res.Text, pos, len(res.Text), targetChars, overlapChars)...)
	}

	// Drop whitespace-only chunks and assign final indexes.
	out := chunks[:0]
	idx := 0
	for _, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		c.Index = idx
		idx++
		out = append(out, c)
	}
	return out
}

func proseChunks(text string, start, end, target, overlap int) []Chunk {
	var chunks []Chunk
	pos := start
	for pos < end {
		cut := pos + target
		if cut >= end {
			cut = end
		} else {
			cut = runeFloor(text, cut)
			if b := sentenceBoundary(text[pos:cut]); b > 0 {
				cut = pos + b
			}
		}

		chunks = append(chunks, Chunk{
			Text:      text[pos:cut],
			CharStart: pos,
			CharEnd:   cut,
		})
		if cut >= end {
			break
		}

		next := runeFloor(text, cut-overlap)
		if next <= pos {
			next = cut
		}
		pos = next
	}
	return chunks
}

// runeFloor moves i back to the nearest rune start so slicing at i never
// splits a multi-byte rune.
func runeFloor(text string, i int) int {
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

// sentenceBoundary returns the index just past the last sentence ender in
// the window, or 0 when none lies in the second half (cutting earlier than
// that wastes too much of the window).
func sentenceBoundary(window string) int {
	best := 0
	for _, e := range sentenceEnders {
		if i := strings.LastIndex(window, e); i >= 0 && i+len(e) > best {
			best = i + len(e)
		}
	}
	if best <= len(window)/2 {
		return 0
	}
	return best
}

func tableChunks(tr extract.TableRegion, target int) []Chunk {
	var header string
	rows := tr.Rows
	if len(rows) > 1 {
		// Repeat the header row in every chunk so each stays
		// interpretable on its own.
		header = strings.Join(rows[0], "  ")
		rows = rows[1:]
	}

	var chunks []Chunk
	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Text:      b.String(),
			CharStart: tr.CharStart,
			CharEnd:   tr.CharEnd,
			IsTable:   true,
		})
		b.Reset()
	}

	for _, row := range rows {
		line := strings.Join(row, "  ")
		if b.Len() > 0 && b.Len()+len(line)+1 > target {
			flush()
		}
		if b.Len() == 0 {
			if tr.Label != "" {
				b.WriteString(tr.Label)
				b.WriteString("\n")
			}
			if header != "" {
				b.WriteString(header)
				b.WriteString("\n")
			}
		} else {
			b.WriteString("\n")
		}
		b.WriteString(line)
	}
	flush()
	return chunks
}

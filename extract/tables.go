package extract

import (
	"regexp"
	"strings"
)

// numericCellRe matches currency amounts, percentages, and bare numbers —
// the signal that a line belongs to a data table rather than prose.
var numericCellRe = regexp.MustCompile(`^\$?-?[\d,]+(\.\d+)?%?$`)

// minTableRun is the minimum number of consecutive tabular lines that form
// a region. Two lines is usually a heading plus one stray figure.
const minTableRun = 3

// detectTables finds runs of column-aligned lines in plain text and returns
// them as table regions with offsets relative to the input. A multi-column
// line without numeric cells directly above a run is treated as its header.
func detectTables(text string) []TableRegion {
	lines := strings.Split(text, "\n")

	var regions []TableRegion
	var run [][]string
	runStart := 0
	offset := 0

	// A candidate header row waiting for a numeric run to start below it.
	var header []string
	headerStart := 0

	flush := func(end int) {
		if len(run) >= minTableRun {
			regions = append(regions, TableRegion{
				Rows:      run,
				CharStart: runStart,
				CharEnd:   end,
			})
		}
		run = nil
	}

	for _, line := range lines {
		cells, tabular := splitTabular(line)
		lineEnd := offset + len(line)
		switch {
		case tabular:
			if run == nil {
				runStart = offset
				if header != nil {
					run = append(run, header)
					runStart = headerStart
				}
			}
			run = append(run, cells)
			header = nil
		case len(cells) >= 3:
			// Column-shaped but no numbers: possible header row.
			flush(offset - 1)
			header = cells
			headerStart = offset
		default:
			flush(offset - 1)
			header = nil
		}
		offset = lineEnd + 1 // +1 for the newline
	}
	flush(offset - 1)

	return regions
}

// splitTabular splits a line into cells on runs of 2+ spaces or tabs and
// reports whether it looks like a table row: at least three cells with at
// least one numeric-looking value.
func splitTabular(line string) ([]string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	var cells []string
	for _, c := range splitOnGaps(line) {
		c = strings.TrimSpace(c)
		if c != "" {
			cells = append(cells, c)
		}
	}
	if len(cells) < 3 {
		return nil, false
	}

	numeric := 0
	for _, c := range cells {
		if numericCellRe.MatchString(c) {
			numeric++
		}
	}
	return cells, numeric >= 1
}

// cellGapRe matches column gaps: tabs or runs of two or more spaces.
var cellGapRe = regexp.MustCompile(`\t+| {2,}`)

func splitOnGaps(line string) []string {
	return cellGapRe.Split(line, -1)
}

package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
)

// extractCSV parses a CSV body into a single table region.
func extractCSV(data []byte) (*Result, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1 // ragged rows are common in exported rent rolls
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	var rows [][]string
	for _, rec := range records {
		cells := make([]string, len(rec))
		for i, c := range rec {
			cells[i] = strings.TrimSpace(c)
		}
		if rowHasContent(cells) {
			rows = append(rows, cells)
		}
	}
	if len(rows) == 0 {
		return &Result{}, nil
	}

	text := renderRows(rows)
	return &Result{
		Text: text,
		Tables: []TableRegion{{
			Label:     "csv",
			Rows:      rows,
			CharStart: 0,
			CharEnd:   len(text),
		}},
	}, nil
}

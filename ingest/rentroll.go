package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/propknow/propknow/classify"
	"github.com/propknow/propknow/contentstore"
	"github.com/propknow/propknow/extract"
	"github.com/propknow/propknow/staging"
)

// rentRollExtractor reads unit-level facts out of rent roll tables. It maps
// header columns by keyword, then emits one assertion per cell under
// unit.<unit_no>.<column>.
type rentRollExtractor struct{}

func (e *rentRollExtractor) Name() string { return "rent_roll_table" }

func (e *rentRollExtractor) CanHandle(_ string, tags []classify.Tag) bool {
	return classify.Has(tags, classify.TagRentRoll)
}

// columnAliases maps header keywords to unit columns. The unit column
// itself is required; tables without one are skipped.
var columnAliases = map[string]string{
	"tenant":      "tenant",
	"name":        "tenant",
	"lessee":      "tenant",
	"rent":        "rent",
	"status":      "status",
	"occupancy":   "status",
	"lease start": "lease_start",
	"start":       "lease_start",
	"lease end":   "lease_end",
	"end":         "lease_end",
	"sqft":        "sqft",
	"sq ft":       "sqft",
	"size":        "sqft",
}

// numberColumns lists unit columns holding numeric values; unparseable
// cells there get a reduced confidence instead of being dropped, so the
// reviewer sees them.
var numberColumns = map[string]bool{"rent": true, "sqft": true}

func (e *rentRollExtractor) Extract(_ context.Context, _ *contentstore.Document, res *extract.Result) ([]staging.Assertion, error) {
	var asserts []staging.Assertion

	for ti, table := range res.Tables {
		if len(table.Rows) < 2 {
			continue
		}
		unitCol, colMap := mapHeader(table.Rows[0])
		if unitCol < 0 {
			continue
		}

		for ri, row := range table.Rows[1:] {
			if unitCol >= len(row) {
				continue
			}
			unitNo := strings.TrimSpace(row[unitCol])
			if unitNo == "" || strings.Contains(unitNo, " ") {
				continue
			}

			span := fmt.Sprintf("table:%d row:%d", ti, ri+1)
			if table.Page > 0 {
				span = fmt.Sprintf("page:%d %s", table.Page, span)
			}

			for ci, col := range colMap {
				if col == "" || ci >= len(row) {
					continue
				}
				value := strings.TrimSpace(row[ci])
				if value == "" || value == "--" {
					continue
				}

				confidence := 0.9
				if numberColumns[col] {
					if _, err := parseAmount(value); err != nil {
						confidence = 0.4
					}
				}

				asserts = append(asserts, staging.Assertion{
					FieldPath:     fmt.Sprintf("unit.%s.%s", unitNo, col),
					Value:         value,
					Confidence:    confidence,
					SourceSpan:    span,
					ExtractorName: e.Name(),
				})
			}
		}
	}
	return asserts, nil
}

// mapHeader returns the unit column index (-1 if absent) and a per-column
// mapping to unit field names ("" for unmapped columns).
func mapHeader(header []string) (int, []string) {
	unitCol := -1
	colMap := make([]string, len(header))

	for i, h := range header {
		lower := strings.ToLower(strings.TrimSpace(h))
		if unitCol < 0 && (lower == "unit" || strings.HasPrefix(lower, "unit ") || lower == "unit no" || lower == "apt") {
			unitCol = i
			continue
		}
		for alias, col := range columnAliases {
			if strings.Contains(lower, alias) {
				colMap[i] = col
				break
			}
		}
	}
	return unitCol, colMap
}

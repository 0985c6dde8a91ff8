package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/propknow/propknow/classify"
	"github.com/propknow/propknow/contentstore"
	"github.com/propknow/propknow/extract"
	"github.com/propknow/propknow/staging"
)

// expenseExtractor pulls expense line items out of operating statements:
// category/amount table rows plus "Insurance: $14,000" style text lines.
// Statement totals (gross potential rent, net operating income) land in
// property facts rather than the expense table.
type expenseExtractor struct{}

func (e *expenseExtractor) Name() string { return "operating_expenses" }

func (e *expenseExtractor) CanHandle(_ string, tags []classify.Tag) bool {
	return classify.Has(tags, classify.TagOperatingStatement)
}

// expenseLineRe matches "Insurance: $14,000" or "Property tax  32,000".
var expenseLineRe = regexp.MustCompile(`(?m)^\s*([A-Za-z][A-Za-z &/'-]{2,40}?):?\s+\$?(-?[\d,]+(?:\.\d+)?)\s*$`)

// statementTotals are line items that describe the whole statement, not a
// single expense category.
var statementTotals = map[string]string{
	"gross potential rent":     "gross_potential_rent",
	"net operating income":     "net_operating_income",
	"effective gross income":   "effective_gross_income",
	"total operating expenses": "total_operating_expenses",
}

func (e *expenseExtractor) Extract(_ context.Context, _ *contentstore.Document, res *extract.Result) ([]staging.Assertion, error) {
	var asserts []staging.Assertion
	seen := map[string]bool{}

	add := func(fieldPath, value, span string, confidence float64) {
		if seen[fieldPath] {
			return
		}
		seen[fieldPath] = true
		asserts = append(asserts, staging.Assertion{
			FieldPath:     fieldPath,
			Value:         value,
			Confidence:    confidence,
			SourceSpan:    span,
			ExtractorName: e.Name(),
		})
	}

	// Table rows: a category column next to an amount column.
	for ti, table := range res.Tables {
		if len(table.Rows) < 2 {
			continue
		}
		catCol, amtCol := expenseColumns(table.Rows[0])
		if catCol < 0 || amtCol < 0 {
			continue
		}
		for ri, row := range table.Rows[1:] {
			if catCol >= len(row) || amtCol >= len(row) {
				continue
			}
			category := strings.TrimSpace(row[catCol])
			amount := strings.TrimSpace(row[amtCol])
			if category == "" || amount == "" {
				continue
			}
			if _, err := parseAmount(amount); err != nil {
				continue
			}
			span := fmt.Sprintf("table:%d row:%d", ti, ri+1)
			e.emit(add, category, amount, span, 0.85)
		}
	}

	// Text lines.
	for _, m := range expenseLineRe.FindAllStringSubmatchIndex(res.Text, -1) {
		label := res.Text[m[2]:m[3]]
		amount := res.Text[m[4]:m[5]]
		if _, err := parseAmount(amount); err != nil {
			continue
		}
		span := fmt.Sprintf("char:%d", m[0])
		e.emit(add, label, amount, span, 0.7)
	}

	return asserts, nil
}

func (e *expenseExtractor) emit(add func(path, value, span string, conf float64), label, amount, span string, conf float64) {
	lower := strings.ToLower(strings.TrimSpace(label))
	if fact, ok := statementTotals[lower]; ok {
		add("property."+fact, amount, span, conf)
		return
	}
	add("expense."+slugify(lower)+".annual_amount", amount, span, conf)
}

func expenseColumns(header []string) (catCol, amtCol int) {
	catCol, amtCol = -1, -1
	for i, h := range header {
		lower := strings.ToLower(strings.TrimSpace(h))
		switch {
		case catCol < 0 && (strings.Contains(lower, "category") ||
			strings.Contains(lower, "expense") || strings.Contains(lower, "description")):
			catCol = i
		case amtCol < 0 && (strings.Contains(lower, "amount") ||
			strings.Contains(lower, "annual") || strings.Contains(lower, "total")):
			amtCol = i
		}
	}
	return catCol, amtCol
}

func slugify(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// parseAmount parses currency-formatted numbers.
func parseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" || s == "--" {
		return 0, fmt.Errorf("empty amount")
	}
	return strconv.ParseFloat(s, 64)
}

package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/propknow/propknow/classify"
	"github.com/propknow/propknow/contentstore"
	"github.com/propknow/propknow/extract"
	"github.com/propknow/propknow/staging"
)

// narrativeExtractor mines free text for property-level facts. It runs on
// every document (TagNarrative is always present) and produces the lowest
// confidence of the built-in extractors.
type narrativeExtractor struct{}

func (e *narrativeExtractor) Name() string { return "narrative" }

func (e *narrativeExtractor) CanHandle(_ string, tags []classify.Tag) bool {
	return classify.Has(tags, classify.TagNarrative)
}

type factPattern struct {
	field string
	re    *regexp.Regexp
}

var factPatterns = []factPattern{
	{"year_built", regexp.MustCompile(`(?i)(?:built in|year built:?|constructed in)\s+(\d{4})`)},
	{"year_renovated", regexp.MustCompile(`(?i)renovated in\s+(\d{4})`)},
	{"total_units", regexp.MustCompile(`(?i)(\d{1,4})\s+(?:residential |rentable )?units`)},
	{"building_sqft", regexp.MustCompile(`(?i)([\d,]{3,})\s*(?:sq\.?\s?ft|square feet)`)},
	{"occupancy_pct", regexp.MustCompile(`(?i)(?:occupancy[a-z ]*?at|occupancy of)\s+(\d{1,3})\s*(?:%|percent)`)},
}

func (e *narrativeExtractor) Extract(_ context.Context, _ *contentstore.Document, res *extract.Result) ([]staging.Assertion, error) {
	var asserts []staging.Assertion
	seen := map[string]bool{}

	for _, p := range factPatterns {
		m := p.re.FindStringSubmatchIndex(res.Text)
		if m == nil {
			continue
		}
		field := "property." + p.field
		if seen[field] {
			continue
		}
		seen[field] = true

		value := strings.ReplaceAll(res.Text[m[2]:m[3]], ",", "")
		asserts = append(asserts, staging.Assertion{
			FieldPath:     field,
			Value:         value,
			Confidence:    0.6,
			SourceSpan:    fmt.Sprintf("char:%d", m[0]),
			ExtractorName: e.Name(),
		})
	}
	return asserts, nil
}

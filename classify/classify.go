// Package classify assigns document-type tags from extracted text using
// deterministic keyword and structure heuristics. Classification is a pure
// function kept apart from extractor dispatch: new document types are added
// by registering rules here, never by touching dispatch logic.
package classify

import "strings"

// Tag is a classified document type.
type Tag string

const (
	TagRentRoll           Tag = "rent_roll"
	TagOperatingStatement Tag = "operating_statement"
	TagLeaseAgreement     Tag = "lease_agreement"
	TagNarrative          Tag = "narrative"
)

// rule matches when any of its keywords appears at least minHits times in
// total (case-insensitive) in the scanned text.
type rule struct {
	tag      Tag
	keywords []string
	minHits  int
}

var rules = []rule{
	{
		tag:      TagRentRoll,
		keywords: []string{"rent roll", "unit", "tenant", "lease start", "vacant", "occupied"},
		minHits:  4,
	},
	{
		tag: TagOperatingStatement,
		keywords: []string{
			"operating statement", "operating expenses", "net operating income",
			"gross potential rent", "insurance", "utilities", "property tax",
		},
		minHits: 3,
	},
	{
		tag: TagLeaseAgreement,
		keywords: []string{
			"lease agreement", "landlord", "lessee", "lessor",
			"term of this lease", "security deposit",
		},
		minHits: 3,
	},
}

// maxScanBytes bounds the classified prefix; tags come from headings and
// early content, not from scanning a 500-page appendix.
const maxScanBytes = 32 * 1024

// Classify returns the set of tags matching the text. Every document gets
// at least TagNarrative so the narrative extractor always has a target.
func Classify(text string) []Tag {
	if len(text) > maxScanBytes {
		text = text[:maxScanBytes]
	}
	lower := strings.ToLower(text)

	var tags []Tag
	for _, r := range rules {
		hits := 0
		for _, kw := range r.keywords {
			hits += strings.Count(lower, kw)
		}
		if hits >= r.minHits {
			tags = append(tags, r.tag)
		}
	}

	tags = append(tags, TagNarrative)
	return tags
}

// Has reports whether tag is present in tags.
func Has(tags []Tag, tag Tag) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

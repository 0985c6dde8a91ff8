package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/propknow/propknow/classify"
	"github.com/propknow/propknow/extract"
	"github.com/propknow/propknow/staging"
)

func assertionValue(t *testing.T, asserts []staging.Assertion, path string) string {
	t.Helper()
	for _, a := range asserts {
		if a.FieldPath == path {
			return a.Value
		}
	}
	t.Fatalf("no assertion for %q in %d assertions", path, len(asserts))
	return ""
}

func TestRentRollExtractor(t *testing.T) {
	res := &extract.Result{
		Tables: []extract.TableRegion{{
			Page: 1,
			Rows: [][]string{
				{"Unit", "Tenant Name", "Rent", "Status", "Sq Ft"},
				{"101", "Smith Holdings", "$1,200", "Occupied", "850"},
				{"102", "Jones", "$1,350", "Occupied", "900"},
				{"103", "--", "TBD", "Vacant", "875"},
			},
		}},
	}

	e := &rentRollExtractor{}
	asserts, err := e.Extract(context.Background(), nil, res)
	if err != nil {
		t.Fatal(err)
	}

	if got := assertionValue(t, asserts, "unit.101.rent"); got != "$1,200" {
		t.Errorf("unit.101.rent = %q", got)
	}
	if got := assertionValue(t, asserts, "unit.101.tenant"); got != "Smith Holdings" {
		t.Errorf("unit.101.tenant = %q", got)
	}
	if got := assertionValue(t, asserts, "unit.103.status"); got != "Vacant" {
		t.Errorf("unit.103.status = %q", got)
	}

	// Unparseable rent keeps the assertion but with reduced confidence.
	for _, a := range asserts {
		if a.FieldPath == "unit.103.rent" && a.Confidence >= 0.9 {
			t.Errorf("unparseable rent confidence = %v", a.Confidence)
		}
		if a.SourceSpan == "" || !strings.Contains(a.SourceSpan, "table:0") {
			t.Errorf("source span = %q", a.SourceSpan)
		}
	}

	// The tenant placeholder "--" is skipped.
	for _, a := range asserts {
		if a.FieldPath == "unit.103.tenant" {
			t.Error("placeholder tenant emitted")
		}
	}
}

func TestRentRollExtractorSkipsUnkeyedTables(t *testing.T) {
	res := &extract.Result{
		Tables: []extract.TableRegion{{
			Rows: [][]string{
				{"Category", "Amount", "Notes"},
				{"Insurance", "14000", "annual"},
			},
		}},
	}
	asserts, err := (&rentRollExtractor{}).Extract(context.Background(), nil, res)
	if err != nil {
		t.Fatal(err)
	}
	if len(asserts) != 0 {
		t.Errorf("non-rent-roll table produced %d assertions", len(asserts))
	}
}

func TestExpenseExtractor(t *testing.T) {
	res := &extract.Result{
		Text: strings.Join([]string{
			"Annual Operating Statement",
			"Insurance: $14,000",
			"Property Tax: 32,000",
			"Gross Potential Rent: $210,000",
			"Just a narrative line without an amount.",
		}, "\n"),
		Tables: []extract.TableRegion{{
			Rows: [][]string{
				{"Expense Category", "Annual Amount"},
				{"Utilities", "$21,500"},
				{"Repairs & Maintenance", "9,800"},
			},
		}},
	}

	asserts, err := (&expenseExtractor{}).Extract(context.Background(), nil, res)
	if err != nil {
		t.Fatal(err)
	}

	if got := assertionValue(t, asserts, "expense.utilities.annual_amount"); got != "$21,500" {
		t.Errorf("utilities = %q", got)
	}
	if got := assertionValue(t, asserts, "expense.repairs_maintenance.annual_amount"); got != "9,800" {
		t.Errorf("repairs = %q", got)
	}
	if got := assertionValue(t, asserts, "expense.insurance.annual_amount"); got != "$14,000" {
		t.Errorf("insurance = %q", got)
	}

	// Statement totals become property facts, not expense rows.
	if got := assertionValue(t, asserts, "property.gross_potential_rent"); got != "$210,000" {
		t.Errorf("gpr = %q", got)
	}
	for _, a := range asserts {
		if a.FieldPath == "expense.gross_potential_rent.annual_amount" {
			t.Error("statement total leaked into expenses")
		}
	}
}

func TestNarrativeExtractor(t *testing.T) {
	res := &extract.Result{
		Text: "The property was built in 1987 and renovated in 2015. It contains 48 units " +
			"totaling 52,000 square feet. Occupancy has held at 95 percent.",
	}

	asserts, err := (&narrativeExtractor{}).Extract(context.Background(), nil, res)
	if err != nil {
		t.Fatal(err)
	}

	if got := assertionValue(t, asserts, "property.year_built"); got != "1987" {
		t.Errorf("year_built = %q", got)
	}
	if got := assertionValue(t, asserts, "property.total_units"); got != "48" {
		t.Errorf("total_units = %q", got)
	}
	if got := assertionValue(t, asserts, "property.building_sqft"); got != "52000" {
		t.Errorf("building_sqft = %q", got)
	}
	if got := assertionValue(t, asserts, "property.occupancy_pct"); got != "95" {
		t.Errorf("occupancy_pct = %q", got)
	}
	for _, a := range asserts {
		if a.Confidence != 0.6 {
			t.Errorf("narrative confidence = %v", a.Confidence)
		}
	}
}

func TestRegistryMatch(t *testing.T) {
	r := DefaultRegistry()

	tags := []classify.Tag{classify.TagRentRoll, classify.TagNarrative}
	matched := r.Match(extract.MIMEPDF, tags)
	if len(matched) != 2 {
		t.Fatalf("matched = %d extractors, want rent roll + narrative", len(matched))
	}

	onlyNarrative := r.Match(extract.MIMEText, []classify.Tag{classify.TagNarrative})
	if len(onlyNarrative) != 1 || onlyNarrative[0].Name() != "narrative" {
		t.Errorf("matched = %v", onlyNarrative)
	}
}

func TestValidate(t *testing.T) {
	asserts := []staging.Assertion{
		{FieldPath: "unit.101.rent", Value: "1000"},
		{FieldPath: "unit.102.rent", Value: "1100"},
		{FieldPath: "unit.103.rent", Value: "1050"},
		{FieldPath: "unit.104.rent", Value: "9000"},   // > 3x median
		{FieldPath: "unit.105.rent", Value: "250000"}, // out of range and outlier
		{FieldPath: "property.gross_potential_rent", Value: "$180,000"},
	}

	warnings := Validate(asserts)

	rules := map[string]int{}
	for _, w := range warnings {
		rules[w.Rule]++
	}
	if rules["rent_out_of_range"] != 1 {
		t.Errorf("rent_out_of_range = %d", rules["rent_out_of_range"])
	}
	if rules["rent_outlier"] != 2 {
		t.Errorf("rent_outlier = %d", rules["rent_outlier"])
	}
	// Sum is 262,150/mo; neither it nor its annualization is within 5%
	// of the stated 180,000.
	if rules["gpr_mismatch"] != 1 {
		t.Errorf("gpr_mismatch = %d", rules["gpr_mismatch"])
	}
}

func TestValidateConsistentRentRoll(t *testing.T) {
	asserts := []staging.Assertion{
		{FieldPath: "unit.101.rent", Value: "1200"},
		{FieldPath: "unit.102.rent", Value: "1250"},
		{FieldPath: "unit.103.rent", Value: "1300"},
		// 3750/mo -> 45,000/yr, exactly the stated GPR.
		{FieldPath: "property.gross_potential_rent", Value: "45000"},
	}
	if warnings := Validate(asserts); len(warnings) != 0 {
		t.Errorf("consistent rent roll produced warnings: %+v", warnings)
	}
}

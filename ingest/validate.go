package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/propknow/propknow/staging"
)

// Validation bounds for unit rents; values outside are flagged, not dropped.
const (
	minPlausibleRent = 0
	maxPlausibleRent = 100_000
)

// rentOutlierFactor flags rents above this multiple of the median.
const rentOutlierFactor = 3.0

// gprTolerance is the accepted relative deviation between the sum of unit
// rents and the stated gross potential rent.
const gprTolerance = 0.05

// Validate runs cross-field consistency checks over a merged assertion set
// and returns structured warnings for the review UI. Nothing is rejected
// here: the reviewer decides.
func Validate(asserts []staging.Assertion) []staging.Warning {
	var warnings []staging.Warning

	type rent struct {
		path  string
		value float64
	}
	var rents []rent
	var statedGPR float64
	hasGPR := false

	for _, a := range asserts {
		switch {
		case strings.HasPrefix(a.FieldPath, "unit.") && strings.HasSuffix(a.FieldPath, ".rent"):
			v, err := parseAmount(a.Value)
			if err != nil {
				continue
			}
			rents = append(rents, rent{path: a.FieldPath, value: v})
			if v < minPlausibleRent || v > maxPlausibleRent {
				warnings = append(warnings, staging.Warning{
					Rule:      "rent_out_of_range",
					FieldPath: a.FieldPath,
					Message:   fmt.Sprintf("rent %s outside plausible range [%d, %d]", a.Value, minPlausibleRent, maxPlausibleRent),
				})
			}
		case a.FieldPath == "property.gross_potential_rent":
			if v, err := parseAmount(a.Value); err == nil {
				statedGPR = v
				hasGPR = true
			}
		}
	}

	// Rent outliers against the median, meaningful from three rents up.
	if len(rents) >= 3 {
		values := make([]float64, len(rents))
		for i, r := range rents {
			values[i] = r.value
		}
		sort.Float64s(values)
		median := values[len(values)/2]
		if median > 0 {
			for _, r := range rents {
				if r.value > median*rentOutlierFactor {
					warnings = append(warnings, staging.Warning{
						Rule:      "rent_outlier",
						FieldPath: r.path,
						Message:   fmt.Sprintf("rent %.0f exceeds 3x median %.0f", r.value, median),
					})
				}
			}
		}
	}

	// Sum of unit rents against the stated gross potential rent. The
	// statement may quote monthly or annual GPR; accept either.
	if hasGPR && statedGPR > 0 && len(rents) > 0 {
		var sum float64
		for _, r := range rents {
			sum += r.value
		}
		monthlyDev := relDev(statedGPR, sum)
		annualDev := relDev(statedGPR, sum*12)
		if monthlyDev > gprTolerance && annualDev > gprTolerance {
			warnings = append(warnings, staging.Warning{
				Rule:      "gpr_mismatch",
				FieldPath: "property.gross_potential_rent",
				Message: fmt.Sprintf("unit rents sum to %.0f/mo (%.0f/yr) but stated gross potential rent is %.0f",
					sum, sum*12, statedGPR),
			})
		}
	}

	return warnings
}

func relDev(expected, actual float64) float64 {
	d := (actual - expected) / expected
	if d < 0 {
		return -d
	}
	return d
}

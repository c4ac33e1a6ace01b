// Package normalize reconciles the identifiers the roster and the upstream
// providers disagree on: state spellings, city names and condition text.
package normalize

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/lox/eventweather/internal/models"
)

var stateNames = map[string]string{
	"alabama":              "AL",
	"alaska":               "AK",
	"arizona":              "AZ",
	"arkansas":             "AR",
	"california":           "CA",
	"colorado":             "CO",
	"connecticut":          "CT",
	"delaware":             "DE",
	"district of columbia": "DC",
	"florida":              "FL",
	"georgia":              "GA",
	"hawaii":               "HI",
	"idaho":                "ID",
	"illinois":             "IL",
	"indiana":              "IN",
	"iowa":                 "IA",
	"kansas":               "KS",
	"kentucky":             "KY",
	"louisiana":            "LA",
	"maine":                "ME",
	"maryland":             "MD",
	"massachusetts":        "MA",
	"michigan":             "MI",
	"minnesota":            "MN",
	"mississippi":          "MS",
	"missouri":             "MO",
	"montana":              "MT",
	"nebraska":             "NE",
	"nevada":               "NV",
	"new hampshire":        "NH",
	"new jersey":           "NJ",
	"new mexico":           "NM",
	"new york":             "NY",
	"north carolina":       "NC",
	"north dakota":         "ND",
	"ohio":                 "OH",
	"oklahoma":             "OK",
	"oregon":               "OR",
	"pennsylvania":         "PA",
	"rhode island":         "RI",
	"south carolina":       "SC",
	"south dakota":         "SD",
	"tennessee":            "TN",
	"texas":                "TX",
	"utah":                 "UT",
	"vermont":              "VT",
	"virginia":             "VA",
	"washington":           "WA",
	"west virginia":        "WV",
	"wisconsin":            "WI",
	"wyoming":              "WY",
	"puerto rico":          "PR",
}

var folder = cases.Fold()

// Text applies Unicode NFC, trims and collapses internal whitespace.
func Text(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// City normalizes a city name. Case is preserved; the store compares names
// case-insensitively.
func City(name string) string {
	return Text(name)
}

// Condition normalizes a short forecast description. An empty result means
// no condition.
func Condition(desc string) string {
	return Text(desc)
}

// Fold returns a case-folded key for ordering and comparison.
func Fold(s string) string {
	return folder.String(Text(s))
}

// StateCode maps a state as written by the roster or a provider to its
// two-letter postal code. It accepts "MI", "mi", "US-MI" and "Michigan".
func StateCode(s string) (string, error) {
	v := Text(s)
	if len(v) > 3 && strings.EqualFold(v[:3], "US-") {
		v = v[3:]
	}
	if v == "" {
		return "", &models.ValidationError{Field: "state", Reason: "empty"}
	}
	if code, ok := stateNames[strings.ToLower(v)]; ok {
		return code, nil
	}
	if len(v) == 2 && isAlpha(v) {
		return strings.ToUpper(v), nil
	}
	return "", &models.ValidationError{Field: "state", Reason: "unrecognised state " + quote(s)}
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func quote(s string) string {
	return `"` + s + `"`
}

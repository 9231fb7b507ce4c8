package etl

import (
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DateKeyLayout is the calendar-day layout used to match dates against DimDate
const DateKeyLayout = "2006-01-02"

var lenientDateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

var (
	genderSynonyms      = map[string]string{"m": "male", "f": "female"}
	categorySynonyms    = map[string]string{"toy": "toys", "bag": "bags", "make up": "makeup"}
	vehicleTypeSynonyms = map[string]string{"motorbike": "motorcycle", "bike": "bicycle", "trike": "tricycle"}
)

// ParseLenientDate parses YYYY-MM-DD, MM/DD/YYYY and datetime values into a UTC calendar day.
// Blank values and the 0000-00-00 sentinel report ok=false.
func ParseLenientDate(raw string) (t time.Time, ok bool) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.HasPrefix(s, "0000-00-00") {
		return time.Time{}, false
	}
	for _, layout := range lenientDateLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			y, m, d := parsed.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// IsBlankDate reports whether raw is absent or the 0000-00-00 sentinel, as opposed to malformed
func IsBlankDate(raw *string) bool {
	if raw == nil {
		return true
	}
	s := strings.TrimSpace(*raw)
	return s == "" || strings.HasPrefix(s, "0000-00-00")
}

// DateKey renders t as a calendar-day key
func DateKey(t time.Time) string {
	return t.Format(DateKeyLayout)
}

// NormalizeGender maps m/f to male/female case-insensitively and title-cases the result
func NormalizeGender(raw *string) string {
	return titleCase(mapSynonym(raw, genderSynonyms))
}

// NormalizeCategory maps product category synonyms and capitalizes the result
func NormalizeCategory(raw *string) string {
	return capitalize(mapSynonym(raw, categorySynonyms))
}

// NormalizeVehicleType maps vehicle synonyms and title-cases the result
func NormalizeVehicleType(raw *string) string {
	return titleCase(mapSynonym(raw, vehicleTypeSynonyms))
}

func mapSynonym(raw *string, synonyms map[string]string) string {
	if raw == nil {
		return ""
	}
	s := strings.ToLower(strings.TrimSpace(*raw))
	if mapped, ok := synonyms[s]; ok {
		return mapped
	}
	return s
}

func titleCase(s string) string {
	if s == "" {
		return ""
	}
	// cases.Caser keeps state, so one per call
	return cases.Title(language.Und).String(s)
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

// finiteOr returns *v, or def when v is nil, NaN or infinite
func finiteOr(v *float64, def float64) float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return def
	}
	return *v
}

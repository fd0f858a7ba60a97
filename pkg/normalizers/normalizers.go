// Package normalizers provides attribute normalization functions for clean source records
package normalizers

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Normalizer canonicalizes one attribute value
type Normalizer func(string) string

// builtins are the names usable in a rules file normalizer chain
var builtins = map[string]Normalizer{
	"lowercase":          strings.ToLower,
	"uppercase":          strings.ToUpper,
	"trim":               strings.TrimSpace,
	"collapse_space":     CollapseSpace,
	"title":              Title,
	"nemail":             NormalizeEmail,
	"nname":              NormalizeName,
	"remove_punctuation": RemovePunctuation,
	"digits_only":        DigitsOnly,
	"alphanumeric":       Alphanumeric,
	"zip":                NormalizePostalCode,
	"iso_date":           NormalizeDate,
}

func Get(name string) (Normalizer, bool) {
	fn, ok := builtins[name]
	return fn, ok
}

// Apply runs the named normalizer. Unknown names leave the value untouched;
// NewEntityNormalizer rejects them up front.
func Apply(value, name string) string {
	if fn, ok := builtins[name]; ok {
		return fn(value)
	}
	return value
}

func ApplyChain(value string, names ...string) string {
	for _, name := range names {
		value = Apply(value, name)
	}
	return value
}

// nullSentinels are raw values that mean "no value"
var nullSentinels = map[string]bool{
	"":     true,
	"N/A":  true,
	"NA":   true,
	"NULL": true,
	"NONE": true,
	"NAN":  true,
	"-":    true,
}

// IsNullSentinel reports whether a raw value designates an absent value
func IsNullSentinel(s string) bool {
	return nullSentinels[strings.ToUpper(strings.TrimSpace(s))]
}

// CollapseSpace trims and replaces internal whitespace runs with a single space
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Title upper-cases the first letter of each word and lower-cases the rest
func Title(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

var nameSuffixes = []string{" jr.", " jr", " sr.", " sr", " iii", " ii", " iv", " phd", " md"}

// NormalizeName lower-cases a person's name, strips one generational or
// degree suffix and keeps only letters and digits separated by single spaces.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, suffix := range nameSuffixes {
		if trimmed, ok := strings.CutSuffix(s, suffix); ok {
			s = trimmed
			break
		}
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || isAlnum(r) {
			return r
		}
		return -1
	}, s)
	return CollapseSpace(s)
}

func RemovePunctuation(s string) string {
	return keep(s, func(r rune) bool { return !unicode.IsPunct(r) })
}

func DigitsOnly(s string) string {
	return keep(s, unicode.IsDigit)
}

func Alphanumeric(s string) string {
	return keep(s, isAlnum)
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func keep(s string, pred func(rune) bool) string {
	return strings.Map(func(r rune) rune {
		if pred(r) {
			return r
		}
		return -1
	}, s)
}

// NormalizePostalCode normalizes a postal code. Purely numeric codes that lost
// their leading zero in a spreadsheet export (e.g. "5408") are padded back to
// five digits; other codes are upper-cased with spaces removed.
func NormalizePostalCode(s string) string {
	s = strings.TrimSpace(s)
	// numeric cells often arrive as floats ("10024.0")
	s = strings.TrimSuffix(s, ".0")
	if s == "" {
		return ""
	}

	digits := DigitsOnly(s)
	if digits == strings.ReplaceAll(s, "-", "") {
		switch len(digits) {
		case 3, 4:
			return strings.Repeat("0", 5-len(digits)) + digits
		case 5, 9:
			return digits
		}
	}

	return strings.ToUpper(strings.ReplaceAll(s, " ", ""))
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"1/2/2006",
	"01/02/2006",
	"2006/01/02",
	"02-Jan-2006",
}

// ParseDate parses the date layouts seen in source extracts
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// NormalizeDate converts a date to ISO form (YYYY-MM-DD). Unparseable dates become empty.
func NormalizeDate(s string) string {
	t, ok := ParseDate(s)
	if !ok {
		return ""
	}
	return t.Format("2006-01-02")
}

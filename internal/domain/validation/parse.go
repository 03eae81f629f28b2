package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"1/2/2006",
	"20060102",
}

// ParseTime accepts the date and timestamp layouts seen across the sources.
// Values without a zone are read as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// NormalizeName trims, collapses inner whitespace and title-cases each word.
func NormalizeName(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = titleWord(w)
	}
	return strings.Join(words, " ")
}

func titleWord(w string) string {
	var b strings.Builder
	upper := true
	for _, r := range strings.ToLower(w) {
		if upper && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
		if r == '-' || r == '\'' {
			upper = true
		}
	}
	return b.String()
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePhone formats North American numbers as (NNN) NNN-NNNN, with a
// +1 prefix when a country code was given.
func NormalizePhone(s string) (string, bool) {
	d := digits(s)
	switch {
	case len(d) == 10:
		return fmt.Sprintf("(%s) %s-%s", d[:3], d[3:6], d[6:]), true
	case len(d) == 11 && d[0] == '1':
		return fmt.Sprintf("+1 (%s) %s-%s", d[1:4], d[4:7], d[7:]), true
	}
	return "", false
}

// NormalizeZip reduces a ZIP or ZIP+4 to five digits and restores a leading
// zero dropped by spreadsheet exports.
func NormalizeZip(s string) (string, bool) {
	d := digits(s)
	switch len(d) {
	case 5:
		return d, true
	case 9:
		return d[:5], true
	case 4:
		return "0" + d, true
	}
	return "", false
}

// NormalizeSex maps the spellings used by the sources onto the canonical
// enumeration male, female, other, unknown.
func NormalizeSex(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male", "man":
		return "male", true
	case "f", "female", "woman":
		return "female", true
	case "o", "other", "nonbinary", "non-binary", "x":
		return "other", true
	case "u", "unknown", "unk", "not specified":
		return "unknown", true
	}
	return "unknown", false
}

// ParseBool accepts the boolean spellings used by the sources.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes", "y", "1":
		return true, nil
	case "false", "f", "no", "n", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

var numberInText = regexp.MustCompile(`-?\d+(\.\d+)?`)

// NumberFromText extracts the first decimal number in s.
func NumberFromText(s string) (float64, bool) {
	m := numberInText.FindString(s)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(m, 64)
	return f, err == nil
}

func parseUUID(s string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ageYears returns completed years between birth and at.
func ageYears(birth, at time.Time) int {
	years := at.Year() - birth.Year()
	if at.YearDay() < birth.YearDay() {
		years--
	}
	return years
}

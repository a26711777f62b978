package domain

import (
	"regexp"
	"strconv"
	"strings"
)

// sizeRe accepts "185/65 R15", "185/65R15", "185-65-15", "P185/65 ZR15" after
// spaces are removed and the text is upper-cased.
var sizeRe = regexp.MustCompile(`^P?(\d{2,3})[/-](\d{2,3})(?:-?Z?R-?|-)(\d{2})(?:\.0+)?C?$`)

// sizeInTextRe finds size mentions inside free text.
var sizeInTextRe = regexp.MustCompile(`(?i)\bP?\d{3}\s*[/-]\s*\d{2}\s*(?:Z?R\s*|-)\d{2}\b`)

// ParseTyreSize parses a tyre size in any accepted notation.
func ParseTyreSize(s string) (TyreSpec, error) {
	compact := strings.ToUpper(strings.Join(strings.Fields(s), ""))
	m := sizeRe.FindStringSubmatch(compact)
	if m == nil {
		return TyreSpec{}, NewValidationError("tyre_size", s, ErrInvalidTyreSize)
	}
	w, _ := strconv.Atoi(m[1])
	a, _ := strconv.Atoi(m[2])
	r, _ := strconv.Atoi(m[3])
	if w == 0 || a == 0 || r == 0 {
		return TyreSpec{}, NewValidationError("tyre_size", s, ErrInvalidTyreSize)
	}
	return TyreSpec{Width: w, AspectRatio: a, RimDiameter: r}, nil
}

// CanonicalTyreSize returns the canonical "W/A Rrim" form of s.
func CanonicalTyreSize(s string) (string, error) {
	spec, err := ParseTyreSize(s)
	if err != nil {
		return "", err
	}
	return spec.Size(), nil
}

// ExtractTyreSizes returns the canonical sizes mentioned in text, in order
// of appearance and without repeats.
func ExtractTyreSizes(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range sizeInTextRe.FindAllString(text, -1) {
		size, err := CanonicalTyreSize(m)
		if err != nil || seen[size] {
			continue
		}
		seen[size] = true
		out = append(out, size)
	}
	return out
}

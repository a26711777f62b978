package domain

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// injectionPatterns match SQL, NoSQL and Cypher fragments that never belong in a user query.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(DROP|DELETE|INSERT|UPDATE|ALTER|EXEC|UNION|DETACH)\b.*\b(TABLE|FROM|INTO|SELECT|SET|MATCH)\b`),
	regexp.MustCompile(`(?i)(--|;)\s*(DROP|DELETE|SELECT|MATCH)`),
	regexp.MustCompile(`(?i)\$\{.*\}`),            // template injection
	regexp.MustCompile(`(?i)\{\s*"\$[a-z]+"\s*:`), // NoSQL operator injection
}

// Profanity word list (lowercase, basic set).
var profanityWords = map[string]bool{
	"fuck": true, "shit": true, "ass": true, "bitch": true,
	"damn": true, "cunt": true, "dick": true, "piss": true,
}

const (
	minUtteranceLength = 3
	maxFieldLength     = 128
)

// ValidateVehicleQuery checks the parts of a vehicle query. Make and model
// are required; variant may be empty, in which case exact lookup cannot hit.
func ValidateVehicleQuery(makeName, model, variant string) error {
	for _, f := range []struct{ name, value string }{
		{"make", makeName}, {"model", model}, {"variant", variant},
	} {
		if utf8.RuneCountInString(f.value) > maxFieldLength {
			return NewValidationError(f.name, f.value, ErrInvalidQuery)
		}
		for _, pat := range injectionPatterns {
			if pat.MatchString(f.value) {
				return NewValidationError(f.name, f.value, ErrQueryInjection)
			}
		}
	}
	if FoldText(makeName) == "" {
		return NewValidationError("make", makeName, ErrMissingField)
	}
	if FoldText(model) == "" {
		return NewValidationError("model", model, ErrMissingField)
	}
	return nil
}

// ValidateUtterance validates free text sent to the intent router.
func ValidateUtterance(text string) error {
	text = strings.TrimSpace(text)

	if utf8.RuneCountInString(text) < minUtteranceLength {
		return NewValidationError("text", text, ErrQueryTooShort)
	}

	for _, pat := range injectionPatterns {
		if pat.MatchString(text) {
			return NewValidationError("text", text, ErrQueryInjection)
		}
	}

	for _, word := range strings.Fields(strings.ToLower(text)) {
		cleaned := strings.Trim(word, ".,!?;:'\"()-")
		if profanityWords[cleaned] {
			return NewValidationError("text", cleaned, ErrQueryProfanity)
		}
	}
	return nil
}

// phoneInTextRe finds phone-like digit runs in free text.
var phoneInTextRe = regexp.MustCompile(`\+?\d[\d\s-]{8,16}\d`)

// NormalizePhone strips separators and validates length (10 to 13 digits,
// optional leading +).
func NormalizePhone(s string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", NewValidationError("phone", s, ErrInvalidPhone)
		}
	}
	out := b.String()
	digits := strings.TrimPrefix(out, "+")
	if len(digits) < 10 || len(digits) > 13 {
		return "", NewValidationError("phone", s, ErrInvalidPhone)
	}
	return out, nil
}

// ExtractPhone returns the first valid phone number mentioned in text.
func ExtractPhone(text string) (string, bool) {
	for _, m := range phoneInTextRe.FindAllString(text, -1) {
		if p, err := NormalizePhone(m); err == nil {
			return p, true
		}
	}
	return "", false
}

// Package vehiclenlp extracts vehicle Make/Model/Variant mentions from
// unstructured text. The vocabulary comes from the catalogue, so anything
// the index knows can be recognised without a hand-maintained list.
package vehiclenlp

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
	"unicode"
)

// VehicleMatch represents an extracted vehicle mention.
type VehicleMatch struct {
	Make       string  // e.g. "Maruti Suzuki"
	Model      string  // e.g. "Swift" (empty if not found)
	Variant    string  // e.g. "VXI" (empty if not found)
	Confidence float64 // 0.0-1.0
	Span       string  // the matched text fragment
}

// Entry is one catalogue vehicle.
type Entry struct {
	Make, Model, Variant string
}

// DefaultAliases maps nicknames to canonical make names. Aliases whose make
// is absent from the vocabulary are ignored.
var DefaultAliases = map[string]string{
	"maruti":     "Maruti Suzuki",
	"suzuki":     "Maruti Suzuki",
	"tata":       "Tata",
	"mahindra":   "Mahindra",
	"m&m":        "Mahindra",
	"vw":         "Volkswagen",
	"merc":       "Mercedes-Benz",
	"benz":       "Mercedes-Benz",
	"mercedes":   "Mercedes-Benz",
	"chevy":      "Chevrolet",
	"land rover": "Land Rover",
	"royal":      "Royal Enfield",
	"re":         "Royal Enfield",
}

type model struct {
	canonical string
	variants  []string // canonical, longest first
}

// Extractor recognises vehicles of one vocabulary. It is immutable and safe
// for concurrent use.
type Extractor struct {
	makeRe       *regexp.Regexp
	aliases      map[string]string            // lower alias or make -> canonical make
	models       map[string]map[string]*model // lower make -> lower model -> model
	uniqueModels map[string]string            // lower model -> canonical make
}

// NewExtractor builds an extractor over entries. aliases may be nil.
func NewExtractor(entries []Entry, aliases map[string]string) *Extractor {
	e := &Extractor{
		aliases:      make(map[string]string),
		models:       make(map[string]map[string]*model),
		uniqueModels: make(map[string]string),
	}
	for _, en := range entries {
		mk, md := clean(en.Make), clean(en.Model)
		if mk == "" {
			continue
		}
		lmk := strings.ToLower(mk)
		e.aliases[lmk] = mk
		if md == "" {
			continue
		}
		if e.models[lmk] == nil {
			e.models[lmk] = make(map[string]*model)
		}
		m := e.models[lmk][strings.ToLower(md)]
		if m == nil {
			m = &model{canonical: md}
			e.models[lmk][strings.ToLower(md)] = m
		}
		if v := clean(en.Variant); v != "" && !slices.ContainsFunc(m.variants, func(s string) bool { return strings.EqualFold(s, v) }) {
			m.variants = append(m.variants, v)
		}
	}
	for alias, mk := range aliases {
		if _, ok := e.models[strings.ToLower(mk)]; ok {
			e.aliases[strings.ToLower(alias)] = e.aliases[strings.ToLower(mk)]
		}
	}

	// Models unique to one make may be recognised on their own.
	owners := make(map[string][]string)
	for lmk, models := range e.models {
		for lmd, m := range models {
			slices.SortFunc(m.variants, longestFirst)
			owners[lmd] = append(owners[lmd], lmk)
		}
	}
	for lmd, mks := range owners {
		if len(mks) == 1 {
			e.uniqueModels[lmd] = e.aliases[mks[0]]
		}
	}

	names := make([]string, 0, len(e.aliases))
	for alias := range e.aliases {
		names = append(names, alias)
	}
	slices.SortFunc(names, longestFirst)
	if len(names) > 0 {
		quoted := make([]string, len(names))
		for i, n := range names {
			quoted[i] = regexp.QuoteMeta(n)
		}
		e.makeRe = regexp.MustCompile(`(?i)(?:^|[^\pL\pN])(` + strings.Join(quoted, "|") + `)(?:'s)?(?:$|[^\pL\pN])`)
	}
	return e
}

func clean(s string) string { return strings.Join(strings.Fields(s), " ") }

func longestFirst(a, b string) int {
	if c := cmp.Compare(len(b), len(a)); c != 0 {
		return c
	}
	return cmp.Compare(a, b)
}

// Extract finds all vehicle mentions in text. Returns matches sorted by confidence.
func (e *Extractor) Extract(text string) []VehicleMatch {
	if text == "" || e.makeRe == nil {
		return nil
	}
	var matches []VehicleMatch
	used := make(map[string]bool)

	// Find all make mentions, then look for the model and variant that follow.
	for _, loc := range e.makeRe.FindAllStringSubmatchIndex(text, -1) {
		makeStr := text[loc[2]:loc[3]]
		canonical := e.aliases[strings.ToLower(makeStr)]
		if canonical == "" {
			continue
		}
		afterStart := loc[3]
		if strings.HasPrefix(strings.ToLower(text[afterStart:]), "'s") {
			afterStart += 2
		}
		after := text[afterStart:min(afterStart+60, len(text))]
		md, variant, spanEnd := e.findModel(canonical, after)

		conf := 0.60
		switch {
		case variant != "":
			conf = 0.95
		case md != "":
			conf = 0.80
		}
		key := canonical + "|" + md + "|" + variant
		if used[key] {
			continue
		}
		used[key] = true
		used[canonical+"|"+md+"|"] = true
		matches = append(matches, VehicleMatch{
			Make:       canonical,
			Model:      md,
			Variant:    variant,
			Confidence: conf,
			Span:       strings.TrimSpace(text[loc[2] : afterStart+spanEnd]),
		})
	}

	matches = append(matches, e.findStandaloneModels(text, used)...)
	slices.SortStableFunc(matches, func(a, b VehicleMatch) int { return cmp.Compare(b.Confidence, a.Confidence) })
	return matches
}

// ExtractBest returns the single highest-confidence match, or nil.
func (e *Extractor) ExtractBest(text string) *VehicleMatch {
	matches := e.Extract(text)
	if len(matches) == 0 {
		return nil
	}
	return &matches[0]
}

// findModel looks for a known model of make at the start of after, then for
// one of that model's variants right behind it.
func (e *Extractor) findModel(makeName, after string) (md, variant string, spanEnd int) {
	models := e.models[strings.ToLower(makeName)]
	trimmed := strings.TrimLeftFunc(after, func(r rune) bool {
		return unicode.IsSpace(r) || r == '\'' || r == 0x2019
	})
	offset := len(after) - len(trimmed)

	lowers := make([]string, 0, len(models))
	for l := range models {
		lowers = append(lowers, l)
	}
	slices.SortFunc(lowers, longestFirst)

	lowerTrimmed := strings.ToLower(trimmed)
	for _, l := range lowers {
		if !wordPrefix(lowerTrimmed, l) {
			continue
		}
		m := models[l]
		end := offset + len(l)
		rest := after[end:]
		v, vEnd := findVariant(m.variants, rest)
		if v != "" {
			return m.canonical, v, end + vEnd
		}
		return m.canonical, "", end
	}
	return "", "", 0
}

func findVariant(variants []string, rest string) (string, int) {
	trimmed := strings.TrimLeftFunc(rest, unicode.IsSpace)
	offset := len(rest) - len(trimmed)
	lower := strings.ToLower(trimmed)
	for _, v := range variants {
		if wordPrefix(lower, strings.ToLower(v)) {
			return v, offset + len(v)
		}
	}
	return "", 0
}

// wordPrefix reports whether s starts with prefix followed by a word boundary.
func wordPrefix(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	if len(s) == len(prefix) {
		return true
	}
	next := rune(s[len(prefix)])
	return !unicode.IsLetter(next) && !unicode.IsDigit(next)
}

func (e *Extractor) findStandaloneModels(text string, used map[string]bool) []VehicleMatch {
	var matches []VehicleMatch
	lower := strings.ToLower(text)

	lowers := make([]string, 0, len(e.uniqueModels))
	for l := range e.uniqueModels {
		lowers = append(lowers, l)
	}
	slices.SortFunc(lowers, longestFirst)

	for _, modelLower := range lowers {
		// Very short model names cause false positives on their own.
		if len(modelLower) <= 2 {
			continue
		}
		idx := strings.Index(lower, modelLower)
		if idx < 0 {
			continue
		}
		if idx > 0 {
			prev := rune(lower[idx-1])
			if unicode.IsLetter(prev) || unicode.IsDigit(prev) {
				continue
			}
		}
		end := idx + len(modelLower)
		if end < len(lower) {
			next := rune(lower[end])
			if unicode.IsLetter(next) || unicode.IsDigit(next) {
				continue
			}
		}

		makeName := e.uniqueModels[modelLower]
		m := e.models[strings.ToLower(makeName)][modelLower]
		if used[makeName+"|"+m.canonical+"|"] {
			continue
		}
		variant, vEnd := findVariant(m.variants, text[end:])
		key := makeName + "|" + m.canonical + "|" + variant
		if used[key] {
			continue
		}
		used[key] = true
		used[makeName+"|"+m.canonical+"|"] = true

		conf := 0.50
		if variant != "" {
			conf = 0.70
		}
		matches = append(matches, VehicleMatch{
			Make:       makeName,
			Model:      m.canonical,
			Variant:    variant,
			Confidence: conf,
			Span:       strings.TrimSpace(text[idx : end+vEnd]),
		})
	}
	return matches
}

package services

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

const (
	maskRune       = '*'
	truncateMarker = "..."
)

// ContentFilter truncates, masks banned phrases and strips markup from chat text.
// Phrases are matched case-insensitively with an Aho-Corasick automaton built once.
type ContentFilter struct {
	maxLength int
	matcher   *goahocorasick.Machine
}

func NewContentFilter(maxLength int, bannedPhrases []string) (*ContentFilter, error) {
	f := &ContentFilter{maxLength: maxLength}

	patterns := buildPatterns(bannedPhrases)
	if len(patterns) == 0 {
		return f, nil
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, fmt.Errorf("build banned phrase matcher: %w", err)
	}
	f.matcher = m
	return f, nil
}

// buildPatterns lowercases, dedupes and sorts the phrases.
func buildPatterns(phrases []string) [][]rune {
	seen := make(map[string]struct{}, len(phrases))
	var keys []string
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		keys = append(keys, p)
	}
	sort.Strings(keys)

	patterns := make([][]rune, len(keys))
	for i, k := range keys {
		patterns[i] = []rune(k)
	}
	return patterns
}

// Filter returns the cleaned text and whether a banned phrase was masked.
// Truncation happens on the raw rune count, before masking and stripping.
func (f *ContentFilter) Filter(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}

	runes := []rune(text)
	if f.maxLength > 0 && len(runes) > f.maxLength {
		runes = append(runes[:f.maxLength:f.maxLength], []rune(truncateMarker)...)
	}

	masked := f.mask(runes)

	out := strings.Join(strings.Fields(stripMarkup(string(runes))), " ")

	// stripping and collapsing can join fragments into a banned phrase
	cleaned := []rune(out)
	if f.mask(cleaned) {
		masked = true
		out = string(cleaned)
	}
	return out, masked
}

// mask overwrites every banned phrase occurrence in runes in place.
func (f *ContentFilter) mask(runes []rune) bool {
	if f.matcher == nil || len(runes) == 0 {
		return false
	}

	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}

	hits := f.matcher.MultiPatternSearch(lower, false)
	for _, hit := range hits {
		end := hit.Pos + len(hit.Word)
		if hit.Pos < 0 || end > len(runes) {
			continue
		}
		for i := hit.Pos; i < end; i++ {
			runes[i] = maskRune
		}
	}
	return len(hits) > 0
}

func stripMarkup(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '"', '\'':
			return -1
		}
		return r
	}, s)
}

package domain

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slugify lowercases name, strips accents and joins alphanumeric runs with
// single hyphens. "Épic: Löad tests!" becomes "epic-load-tests".
func Slugify(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// UniqueSlug returns the slug of name, suffixed with -2, -3, ... until
// taken reports false.
func UniqueSlug(name string, taken func(string) bool) string {
	base := Slugify(name)
	if base == "" {
		base = "untitled"
	}
	candidate := base
	for i := 2; taken(candidate); i++ {
		candidate = base + "-" + strconv.Itoa(i)
	}
	return candidate
}

package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var lowerCaser = cases.Lower(language.Und)

// Tokenize splits text into lowercase word tokens. Runs that are not
// letters or digits separate tokens.
func Tokenize(text string) []string {
	folded := lowerCaser.String(text)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// NormalizeTag trims surrounding whitespace and folds case unless the
// field is case sensitive.
func NormalizeTag(tag string, caseSensitive bool) string {
	tag = strings.TrimSpace(tag)
	if caseSensitive {
		return tag
	}
	return lowerCaser.String(tag)
}

// SplitTags cuts a raw tag attribute on the separator, dropping empty
// pieces.
func SplitTags(raw string, sep byte, caseSensitive bool) []string {
	if sep == 0 {
		sep = ','
	}
	parts := strings.Split(raw, string(sep))
	tags := parts[:0]
	for _, p := range parts {
		if t := NormalizeTag(p, caseSensitive); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

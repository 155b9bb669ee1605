package search

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// CleanText strips markup, decodes entities and collapses whitespace.
// Providers embed inline tags in titles and abstracts (<i>, <sup>, <p>) and
// discussion bodies arrive as HTML fragments.
func CleanText(raw string) string {
	text := raw
	if strings.ContainsAny(raw, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
		if err == nil {
			text = doc.Text()
		}
	}

	return strings.Join(strings.Fields(text), " ")
}

// normalizeForFingerprint lowercases, drops punctuation and collapses spaces.
func normalizeForFingerprint(raw string) string {
	cleaned := strings.ToLower(CleanText(raw))
	var b strings.Builder
	b.Grow(len(cleaned))
	lastSpace := true
	for _, r := range cleaned {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}

	return strings.TrimSpace(b.String())
}

// Tokenize splits text into lowercase alphanumeric terms.
func Tokenize(raw string) []string {
	normalized := normalizeForFingerprint(raw)
	if normalized == "" {
		return nil
	}
	return strings.Fields(normalized)
}

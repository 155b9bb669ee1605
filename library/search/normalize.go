package search

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const fingerprintPrefix = "fp:"

// IdentityKey returns the deduplication key of a record.
// Records with a stable external id are keyed by provider and id,
// others by a fingerprint over the normalized title and first author.
func IdentityKey(provider, externalID, title, firstAuthor string) string {
	if id := strings.TrimSpace(externalID); id != "" {
		return provider + ":" + id
	}
	return Fingerprint(title, firstAuthor)
}

// Fingerprint hashes the normalized title and first author so that the same item
// reported with different markup or casing collapses to one key.
func Fingerprint(title, firstAuthor string) string {
	sum := sha256.Sum256([]byte(normalizeForFingerprint(title) + "\x00" + normalizeForFingerprint(firstAuthor)))
	return fingerprintPrefix + hex.EncodeToString(sum[:])
}

// Normalize converts grouped raw records into canonical records, in group order,
// without duplicate identity keys. A duplicate keeps the first seen record but
// raises its popularity and comment counts to the maximum seen.
func Normalize(groups []ProviderRecords) []CanonicalRecord {
	total := 0
	for _, group := range groups {
		total += len(group.Records)
	}

	records := make([]CanonicalRecord, 0, total)
	index := make(map[string]int, total)
	for _, group := range groups {
		for _, raw := range group.Records {
			record, ok := Canonicalize(group.Provider, raw)
			if !ok {
				continue
			}

			if idx, seen := index[record.Key]; seen {
				kept := &records[idx]
				if record.Popularity > kept.Popularity {
					kept.Popularity = record.Popularity
				}
				if record.Comments > kept.Comments {
					kept.Comments = record.Comments
				}
				continue
			}

			index[record.Key] = len(records)
			records = append(records, record)
		}
	}

	return records
}

// Canonicalize maps one raw record into the canonical shape.
// It reports false for records lacking the fields required to identify them.
func Canonicalize(provider string, raw RawRecord) (CanonicalRecord, bool) {
	switch r := raw.(type) {
	case Paper:
		return canonicalPaper(provider, r)
	case *Paper:
		if r == nil {
			return CanonicalRecord{}, false
		}
		return canonicalPaper(provider, *r)
	case Discussion:
		return canonicalDiscussion(provider, r)
	case *Discussion:
		if r == nil {
			return CanonicalRecord{}, false
		}
		return canonicalDiscussion(provider, *r)
	case TrendPoint:
		return canonicalTrend(provider, r)
	case *TrendPoint:
		if r == nil {
			return CanonicalRecord{}, false
		}
		return canonicalTrend(provider, *r)
	default:
		return CanonicalRecord{}, false
	}
}

func canonicalPaper(provider string, p Paper) (CanonicalRecord, bool) {
	title := CleanText(p.Title)
	if title == "" {
		return CanonicalRecord{}, false
	}

	authors := cleanAuthors(p.Authors)
	record := CanonicalRecord{
		Key:         IdentityKey(provider, p.ID, title, firstOf(authors)),
		Provider:    provider,
		Kind:        KindPaper,
		ExternalID:  strings.TrimSpace(p.ID),
		Title:       title,
		Body:        optionalText(p.Abstract),
		Authors:     authors,
		URL:         strings.TrimSpace(p.URL),
		Popularity:  nonNegative(p.Citations),
		PublishedAt: p.PublishedAt,
	}
	return record, true
}

func canonicalDiscussion(provider string, d Discussion) (CanonicalRecord, bool) {
	title := CleanText(d.Title)
	if title == "" {
		return CanonicalRecord{}, false
	}

	authors := cleanAuthors([]string{d.Author})
	body := optionalText(d.Body)
	sentimentSource := title
	if body != nil {
		sentimentSource += " " + *body
	}

	record := CanonicalRecord{
		Key:         IdentityKey(provider, d.ID, title, firstOf(authors)),
		Provider:    provider,
		Kind:        KindDiscussion,
		ExternalID:  strings.TrimSpace(d.ID),
		Title:       title,
		Body:        body,
		Authors:     authors,
		URL:         strings.TrimSpace(d.URL),
		Popularity:  d.Score,
		Comments:    nonNegative(d.Comments),
		Sentiment:   ScoreSentiment(sentimentSource),
		PublishedAt: d.CreatedAt,
	}
	return record, true
}

func canonicalTrend(provider string, t TrendPoint) (CanonicalRecord, bool) {
	keyword := strings.TrimSpace(t.Keyword)
	if keyword == "" || t.At.IsZero() {
		return CanonicalRecord{}, false
	}

	at := t.At.UTC()
	value := t.Value
	externalID := fmt.Sprintf("%s@%d", strings.ToLower(keyword), at.Unix())
	record := CanonicalRecord{
		Key:            IdentityKey(provider, externalID, keyword, ""),
		Provider:       provider,
		Kind:           KindTrend,
		ExternalID:     externalID,
		Title:          keyword,
		Authors:        []string{},
		PublishedAt:    &at,
		TrendValue:     &value,
		RelatedQueries: t.RelatedQueries,
	}
	return record, true
}

func cleanAuthors(raw []string) []string {
	authors := make([]string, 0, len(raw))
	for _, author := range raw {
		if cleaned := CleanText(author); cleaned != "" {
			authors = append(authors, cleaned)
		}
	}
	return authors
}

func optionalText(raw string) *string {
	cleaned := CleanText(raw)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

func firstOf(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

package records

import (
	"encoding/json"
	"time"

	errors "github.com/Laisky/errors/v2"
	"github.com/google/uuid"

	"github.com/Laisky/research-aggregator/library/search"
)

const recordsTable = "aggregated_records"

// recordColumns lists the columns read back into a search.CanonicalRecord, in scan order.
var recordColumns = []string{
	"identity_key", "provider", "kind", "external_id", "title", "body", "authors",
	"url", "popularity", "comments", "sentiment", "published_at", "trend_value", "related_queries",
}

// Row is one persisted canonical record.
type Row struct {
	ID             uuid.UUID
	IdentityKey    string
	Provider       string
	Kind           string
	ExternalID     string
	Title          string
	Body           *string
	Authors        []byte
	URL            string
	Popularity     int64
	Comments       int64
	Sentiment      *float64
	PublishedAt    *time.Time
	TrendValue     *float64
	RelatedQueries []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// storedExternalID is the external id column value. Records identified by
// a content fingerprint store their identity key instead.
func storedExternalID(record search.CanonicalRecord) string {
	if record.ExternalID != "" {
		return record.ExternalID
	}
	return record.Key
}

func newRow(record search.CanonicalRecord, id uuid.UUID, now time.Time) (*Row, error) {
	authors := record.Authors
	if authors == nil {
		authors = []string{}
	}
	authorsJSON, err := json.Marshal(authors)
	if err != nil {
		return nil, errors.Wrap(err, "marshal authors")
	}

	var related []byte
	if len(record.RelatedQueries) > 0 {
		if related, err = json.Marshal(record.RelatedQueries); err != nil {
			return nil, errors.Wrap(err, "marshal related queries")
		}
	}

	return &Row{
		ID:             id,
		IdentityKey:    record.Key,
		Provider:       record.Provider,
		Kind:           string(record.Kind),
		ExternalID:     storedExternalID(record),
		Title:          record.Title,
		Body:           record.Body,
		Authors:        authorsJSON,
		URL:            record.URL,
		Popularity:     record.Popularity,
		Comments:       record.Comments,
		Sentiment:      record.Sentiment,
		PublishedAt:    record.PublishedAt,
		TrendValue:     record.TrendValue,
		RelatedQueries: related,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// scanTargets returns pointers matching recordColumns.
func (r *Row) scanTargets() []any {
	return []any{
		&r.IdentityKey, &r.Provider, &r.Kind, &r.ExternalID, &r.Title, &r.Body, &r.Authors,
		&r.URL, &r.Popularity, &r.Comments, &r.Sentiment, &r.PublishedAt, &r.TrendValue, &r.RelatedQueries,
	}
}

// Canonical converts the row back to the in-memory shape.
func (r *Row) Canonical() (search.CanonicalRecord, error) {
	record := search.CanonicalRecord{
		Key:         r.IdentityKey,
		Provider:    r.Provider,
		Kind:        search.RecordKind(r.Kind),
		Title:       r.Title,
		Body:        r.Body,
		Authors:     []string{},
		URL:         r.URL,
		Popularity:  r.Popularity,
		Comments:    r.Comments,
		Sentiment:   r.Sentiment,
		PublishedAt: r.PublishedAt,
		TrendValue:  r.TrendValue,
	}
	if r.ExternalID != r.IdentityKey {
		record.ExternalID = r.ExternalID
	}
	if len(r.Authors) > 0 {
		if err := json.Unmarshal(r.Authors, &record.Authors); err != nil {
			return record, errors.Wrapf(err, "decode authors of %s", r.IdentityKey)
		}
	}
	if len(r.RelatedQueries) > 0 {
		if err := json.Unmarshal(r.RelatedQueries, &record.RelatedQueries); err != nil {
			return record, errors.Wrapf(err, "decode related queries of %s", r.IdentityKey)
		}
	}
	return record, nil
}

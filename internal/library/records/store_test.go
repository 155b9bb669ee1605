package records

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/Laisky/research-aggregator/library/log"
	"github.com/Laisky/research-aggregator/library/search"
)

var fixedClock = func() time.Time { return time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC) }

func expectMigrations(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS aggregated_records`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE UNIQUE INDEX IF NOT EXISTS uniq_aggregated_records_identity_key`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE UNIQUE INDEX IF NOT EXISTS uniq_aggregated_records_provider_external`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_aggregated_records_trend`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	expectMigrations(mock)
	store, err := NewStore(context.Background(), mock, log.Logger.Named("test"), fixedClock)
	require.NoError(t, err)
	return store, mock
}

func recordRow(r search.CanonicalRecord) []any {
	row, err := newRow(r, [16]byte{}, fixedClock())
	if err != nil {
		panic(err)
	}
	return []any{
		row.IdentityKey, row.Provider, row.Kind, row.ExternalID, row.Title, row.Body, row.Authors,
		row.URL, row.Popularity, row.Comments, row.Sentiment, row.PublishedAt, row.TrendValue, row.RelatedQueries,
	}
}

func TestNewStoreRequiresDB(t *testing.T) {
	_, err := NewStore(context.Background(), nil, nil, nil)
	require.Error(t, err)
}

func TestStoreGet(t *testing.T) {
	store, mock := newMockStore(t)

	body := "great thread, love it"
	sentiment := 0.5
	created := time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC)
	want := search.CanonicalRecord{
		Key:         "reddit:t3_abc",
		Provider:    search.ProviderReddit,
		Kind:        search.KindDiscussion,
		ExternalID:  "t3_abc",
		Title:       "Rust in production",
		Body:        &body,
		Authors:     []string{"ferris"},
		URL:         "https://www.reddit.com/r/rust/comments/abc/",
		Popularity:  120,
		Comments:    33,
		Sentiment:   &sentiment,
		PublishedAt: &created,
	}

	mock.ExpectQuery(regexp.QuoteMeta(`FROM aggregated_records WHERE identity_key = $1`)).
		WithArgs("reddit:t3_abc").
		WillReturnRows(pgxmock.NewRows(recordColumns).AddRow(recordRow(want)...))

	got, err := store.Get(context.Background(), "reddit:t3_abc")
	require.NoError(t, err)
	require.Equal(t, want, *got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM aggregated_records WHERE identity_key = $1`)).
		WithArgs("reddit:t3_missing").
		WillReturnRows(pgxmock.NewRows(recordColumns))

	_, err := store.Get(context.Background(), "reddit:t3_missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreTrendHistory(t *testing.T) {
	store, mock := newMockStore(t)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	at := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	value := 87.0
	point := search.CanonicalRecord{
		Key:            "google_trends:rust@1717286400",
		Provider:       search.ProviderGoogleTrends,
		Kind:           search.KindTrend,
		ExternalID:     "rust@1717286400",
		Title:          "Rust",
		Authors:        []string{},
		PublishedAt:    &at,
		TrendValue:     &value,
		RelatedQueries: []string{"rust lang"},
	}

	mock.ExpectQuery(regexp.QuoteMeta(
		`FROM aggregated_records WHERE kind = $1 AND lower(title) = $2 AND published_at >= $3 AND published_at < $4 ORDER BY published_at ASC`)).
		WithArgs("trend", "rust", from, to).
		WillReturnRows(pgxmock.NewRows(recordColumns).AddRow(recordRow(point)...))

	points, err := store.TrendHistory(context.Background(), "  Rust ", from, to)
	require.NoError(t, err)
	require.Equal(t, []search.CanonicalRecord{point}, points)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreTrendHistoryRequiresKeyword(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.TrendHistory(context.Background(), " ", time.Time{}, time.Now())
	require.Error(t, err)
}

func TestStoredExternalIDFallsBackToKey(t *testing.T) {
	require.Equal(t, "2101.00001", storedExternalID(search.CanonicalRecord{Key: "arxiv:2101.00001", ExternalID: "2101.00001"}))
	require.Equal(t, "fp:abc", storedExternalID(search.CanonicalRecord{Key: "fp:abc"}))

	row, err := newRow(search.CanonicalRecord{Key: "fp:abc", Provider: "pubmed", Title: "t"}, [16]byte{}, fixedClock())
	require.NoError(t, err)
	record, err := row.Canonical()
	require.NoError(t, err)
	require.Empty(t, record.ExternalID)
	require.Equal(t, []string{}, record.Authors)
}

package querylog

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Laisky/research-aggregator/library/log"
)

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS search_query_logs`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_search_query_logs_created_at`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_search_query_logs_mode`).WillReturnResult(sqlmock.NewResult(0, 0))

	svc, err := NewService(context.Background(), db, log.Logger.Named("test"), func() time.Time { return fixedNow })
	require.NoError(t, err)
	return svc, mock
}

func TestServiceRecord(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectExec(`INSERT INTO search_query_logs`).
		WithArgs(sqlmock.AnyArg(), "transformer models", ModePapers, `["arxiv","pubmed"]`, 12, 2, int64(1500), false, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, svc.Record(ctx, RecordInput{
		Query:        "  transformer models ",
		Providers:    []string{"arxiv", "pubmed"},
		ResultsCount: 12,
		Succeeded:    2,
		Duration:     1500 * time.Millisecond,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceRecordRequiresQuery(t *testing.T) {
	svc, _ := newMockService(t)
	require.Error(t, svc.Record(context.Background(), RecordInput{Query: " "}))
}

func TestServiceRecent(t *testing.T) {
	svc, mock := newMockService(t)

	id := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "query_text", "mode", "providers", "results_count", "succeeded", "duration_millis", "from_cache", "created_at"}).
		AddRow(id.String(), "rust", ModeDiscussions, []byte(`["reddit"]`), 50, 1, int64(320), true, fixedNow)

	mock.ExpectQuery(`SELECT .+ FROM search_query_logs WHERE mode = \$1 ORDER BY created_at DESC LIMIT \$2`).
		WithArgs(ModeDiscussions, maxListLimit).
		WillReturnRows(rows)

	entries, err := svc.Recent(context.Background(), ModeDiscussions, 1000)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, id, entries[0].ID)
	require.Equal(t, []string{"reddit"}, entries[0].Providers)
	require.True(t, entries[0].FromCache)
	require.Equal(t, int64(320), entries[0].DurationMillis)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceRecentAllModes(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectQuery(`SELECT .+ FROM search_query_logs ORDER BY created_at DESC LIMIT \$1`).
		WithArgs(defaultListLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	entries, err := svc.Recent(context.Background(), "", 0)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.NoError(t, mock.ExpectationsWereMet())
}

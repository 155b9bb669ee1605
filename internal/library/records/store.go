// Package records persists canonical records idempotently.
package records

import (
	"context"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	logSDK "github.com/Laisky/go-utils/v6/log"
	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Laisky/research-aggregator/library/log"
	"github.com/Laisky/research-aggregator/library/search"
)

// Clock provides the current time in UTC.
type Clock func() time.Time

// DB defines the database capabilities required by the record store.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// Transaction is one unit of upsert work against the durable store.
type Transaction interface {
	Exists(ctx context.Context, provider, externalID string) (bool, error)
	Insert(ctx context.Context, record search.CanonicalRecord) (bool, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ErrNotFound is returned when a record key is unknown.
var ErrNotFound = errors.New("record not found")

// Store persists canonical records in PostgreSQL.
type Store struct {
	db     DB
	logger logSDK.Logger
	clock  Clock
	psql   sq.StatementBuilderType
}

// NewStore constructs a Store and ensures its schema exists.
func NewStore(ctx context.Context, db DB, logger logSDK.Logger, clock Clock) (*Store, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if logger == nil {
		logger = log.Logger.Named("record_store")
	}
	if clock == nil {
		clock = func() time.Time {
			return time.Now().UTC()
		}
	}

	if err := runMigrations(ctx, db); err != nil {
		return nil, errors.Wrap(err, "migrate aggregated records")
	}

	return &Store{
		db:     db,
		logger: logger,
		clock:  clock,
		psql:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

// Begin opens a transaction.
func (s *Store) Begin(ctx context.Context) (Transaction, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin record transaction")
	}
	return &storeTx{tx: tx, clock: s.clock}, nil
}

type storeTx struct {
	tx    pgx.Tx
	clock Clock
}

// Exists reports whether a row for (provider, externalID) is already stored.
func (t *storeTx) Exists(ctx context.Context, provider, externalID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM aggregated_records WHERE provider = $1 AND external_id = $2)`,
		provider, externalID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "check record existence")
	}
	return exists, nil
}

// Insert writes record and reports whether a row was created.
// A conflicting identity key is a no-op.
func (t *storeTx) Insert(ctx context.Context, record search.CanonicalRecord) (bool, error) {
	row, err := newRow(record, gutils.UUID7Bytes(), t.clock())
	if err != nil {
		return false, err
	}

	tag, err := t.tx.Exec(ctx, `
		INSERT INTO aggregated_records (
			id, identity_key, provider, kind, external_id, title, body, authors,
			url, popularity, comments, sentiment, published_at, trend_value,
			related_queries, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8::jsonb,
			$9, $10, $11, $12, $13, $14,
			$15::jsonb, $16, $17
		)
		ON CONFLICT DO NOTHING
	`,
		row.ID,
		row.IdentityKey,
		row.Provider,
		row.Kind,
		row.ExternalID,
		row.Title,
		row.Body,
		string(row.Authors),
		row.URL,
		row.Popularity,
		row.Comments,
		row.Sentiment,
		row.PublishedAt,
		row.TrendValue,
		nullableJSON(row.RelatedQueries),
		row.CreatedAt,
		row.UpdatedAt,
	)
	if err != nil {
		return false, errors.Wrapf(err, "insert record %s", record.Key)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *storeTx) Commit(ctx context.Context) error {
	return errors.Wrap(t.tx.Commit(ctx), "commit record transaction")
}

func (t *storeTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return errors.Wrap(err, "rollback record transaction")
}

// RefreshPopularity raises the stored popularity of key to at least popularity.
func (s *Store) RefreshPopularity(ctx context.Context, key string, popularity int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE aggregated_records SET popularity = GREATEST(popularity, $2), updated_at = $3 WHERE identity_key = $1`,
		key, popularity, s.clock(),
	)
	return errors.Wrapf(err, "refresh popularity of %s", key)
}

// RefreshTrendValue overwrites the stored value of a trend point with the latest fetch.
func (s *Store) RefreshTrendValue(ctx context.Context, key string, value float64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE aggregated_records SET trend_value = $2, updated_at = $3 WHERE identity_key = $1 AND kind = 'trend'`,
		key, value, s.clock(),
	)
	return errors.Wrapf(err, "refresh trend value of %s", key)
}

// Get loads a record by identity key.
func (s *Store) Get(ctx context.Context, key string) (*search.CanonicalRecord, error) {
	sqlStr, args, err := s.psql.Select(recordColumns...).
		From(recordsTable).
		Where(sq.Eq{"identity_key": key}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build record query")
	}

	row := new(Row)
	if err = s.db.QueryRow(ctx, sqlStr, args...).Scan(row.scanTargets()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "load record %s", key)
	}

	record, err := row.Canonical()
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// TrendHistory returns persisted trend points of keyword in [from, to), oldest first.
func (s *Store) TrendHistory(ctx context.Context, keyword string, from, to time.Time) ([]search.CanonicalRecord, error) {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return nil, errors.New("keyword is required")
	}

	sqlStr, args, err := s.psql.Select(recordColumns...).
		From(recordsTable).
		Where(sq.Eq{"kind": string(search.KindTrend)}).
		Where("lower(title) = ?", keyword).
		Where(sq.GtOrEq{"published_at": from}).
		Where(sq.Lt{"published_at": to}).
		OrderBy("published_at ASC").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build trend history query")
	}

	rows, err := s.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query trend history")
	}
	defer rows.Close()

	var points []search.CanonicalRecord
	for rows.Next() {
		row := new(Row)
		if err = rows.Scan(row.scanTargets()...); err != nil {
			return nil, errors.Wrap(err, "scan trend point")
		}
		record, err := row.Canonical()
		if err != nil {
			return nil, err
		}
		points = append(points, record)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate trend history")
	}

	return points, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// runMigrations creates the records table and indexes when absent.
func runMigrations(ctx context.Context, db DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS aggregated_records (
			id UUID PRIMARY KEY,
			identity_key TEXT NOT NULL,
			provider VARCHAR(32) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			external_id TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT,
			authors JSONB NOT NULL DEFAULT '[]'::jsonb,
			url TEXT NOT NULL DEFAULT '',
			popularity BIGINT NOT NULL DEFAULT 0,
			comments BIGINT NOT NULL DEFAULT 0,
			sentiment DOUBLE PRECISION,
			published_at TIMESTAMPTZ,
			trend_value DOUBLE PRECISION,
			related_queries JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_aggregated_records_identity_key ON aggregated_records (identity_key)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_aggregated_records_provider_external ON aggregated_records (provider, external_id)`,
		`CREATE INDEX IF NOT EXISTS idx_aggregated_records_trend ON aggregated_records (kind, lower(title), published_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "execute aggregated records migration")
		}
	}

	return nil
}

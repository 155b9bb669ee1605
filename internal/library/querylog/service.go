// Package querylog records the searches served by the aggregator.
package querylog

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/google/uuid"

	"github.com/Laisky/research-aggregator/library/log"
)

// Modes of a logged query.
const (
	ModePapers      = "papers"
	ModeDiscussions = "discussions"
	ModeTrends      = "trends"
	ModeSummary     = "summary"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxQueryLength   = 1000
)

// Clock provides the current time in UTC.
type Clock func() time.Time

// DB defines the database/sql capabilities required by the query log.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

var _ DB = (*sql.DB)(nil)

// RecordInput describes one served query.
type RecordInput struct {
	Query        string
	Mode         string
	Providers    []string
	ResultsCount int
	Succeeded    int
	Duration     time.Duration
	FromCache    bool
}

// Entry is one logged query.
type Entry struct {
	ID             uuid.UUID `json:"id"`
	Query          string    `json:"query"`
	Mode           string    `json:"mode"`
	Providers      []string  `json:"providers"`
	ResultsCount   int       `json:"results_count"`
	Succeeded      int       `json:"succeeded"`
	DurationMillis int64     `json:"duration_ms"`
	FromCache      bool      `json:"from_cache"`
	CreatedAt      time.Time `json:"created_at"`
}

// Service persists and lists logged queries.
type Service struct {
	db     DB
	logger logSDK.Logger
	clock  Clock
}

// NewService constructs a Service and ensures its table exists.
func NewService(ctx context.Context, db DB, logger logSDK.Logger, clock Clock) (*Service, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if logger == nil {
		logger = log.Logger.Named("query_log")
	}
	if clock == nil {
		clock = func() time.Time {
			return time.Now().UTC()
		}
	}

	if err := runMigrations(ctx, db); err != nil {
		return nil, errors.Wrap(err, "migrate query log")
	}

	return &Service{db: db, logger: logger, clock: clock}, nil
}

// Record stores one served query. It outlives cancellation of ctx so a
// disconnecting client does not lose its log entry.
func (s *Service) Record(ctx context.Context, input RecordInput) error {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return errors.New("query is required")
	}
	if len([]rune(query)) > maxQueryLength {
		query = string([]rune(query)[:maxQueryLength])
	}
	mode := strings.TrimSpace(input.Mode)
	if mode == "" {
		mode = ModePapers
	}
	providers := input.Providers
	if providers == nil {
		providers = []string{}
	}
	payload, err := json.Marshal(providers)
	if err != nil {
		return errors.Wrap(err, "marshal providers")
	}

	ctx = context.WithoutCancel(ctx)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO search_query_logs (
			id, query_text, mode, providers, results_count, succeeded,
			duration_millis, from_cache, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		gutils.UUID7Bytes(),
		query,
		mode,
		string(payload),
		input.ResultsCount,
		input.Succeeded,
		input.Duration.Milliseconds(),
		input.FromCache,
		s.clock(),
	)
	if err != nil {
		return errors.Wrap(err, "insert query log")
	}

	s.logger.Debug("recorded query", zap.String("mode", mode), zap.Int("results", input.ResultsCount))
	return nil
}

// Recent returns the newest logged queries, optionally restricted to mode.
func (s *Service) Recent(ctx context.Context, mode string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	var (
		rows *sql.Rows
		err  error
	)
	const columns = `id, query_text, mode, providers, results_count, succeeded, duration_millis, from_cache, created_at`
	if mode = strings.TrimSpace(mode); mode != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+columns+` FROM search_query_logs WHERE mode = $1 ORDER BY created_at DESC LIMIT $2`,
			mode, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+columns+` FROM search_query_logs ORDER BY created_at DESC LIMIT $1`,
			limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query query logs")
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			entry     Entry
			providers []byte
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.Query,
			&entry.Mode,
			&providers,
			&entry.ResultsCount,
			&entry.Succeeded,
			&entry.DurationMillis,
			&entry.FromCache,
			&entry.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan query log")
		}
		if err := json.Unmarshal(providers, &entry.Providers); err != nil {
			s.logger.Warn("decode logged providers", zap.Error(err), zap.String("id", entry.ID.String()))
			entry.Providers = []string{}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate query logs")
	}

	return entries, nil
}

// runMigrations creates the query log table and indexes when absent.
func runMigrations(ctx context.Context, db DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS search_query_logs (
			id UUID PRIMARY KEY,
			query_text TEXT NOT NULL,
			mode VARCHAR(16) NOT NULL,
			providers JSONB NOT NULL,
			results_count INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			duration_millis BIGINT NOT NULL,
			from_cache BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_search_query_logs_created_at ON search_query_logs (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_search_query_logs_mode ON search_query_logs (mode)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "execute query log migration")
		}
	}

	return nil
}

// Package semindex stores record embeddings in pgvector and retrieves
// records semantically close to a query.
package semindex

import (
	"context"
	"sort"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/Laisky/research-aggregator/library/log"
	"github.com/Laisky/research-aggregator/library/search"
)

// candidatePoolFactor widens the vector search before lexical re-ranking.
const candidatePoolFactor = 3

// maxEmbeddedBodyChars bounds how much of a body is embedded per record.
const maxEmbeddedBodyChars = 2000

// DB defines the database capabilities required by the index.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// Index is a pgvector backed semantic index over canonical records.
type Index struct {
	db       DB
	embedder Embedder
	settings Settings
	logger   logSDK.Logger
	clock    func() time.Time
}

// NewIndex constructs an Index and ensures the extension and table exist.
func NewIndex(ctx context.Context, db DB, embedder Embedder, settings Settings, logger logSDK.Logger) (*Index, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		logger = log.Logger.Named("semindex")
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		return nil, errors.Wrap(err, "migrate semantic index")
	}

	return &Index{
		db:       db,
		embedder: embedder,
		settings: settings.sanitize(),
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Add embeds records and stores them. Records already indexed are left untouched.
func (idx *Index) Add(ctx context.Context, records []search.CanonicalRecord) error {
	if len(records) == 0 {
		return nil
	}
	logger := idx.loggerFromContext(ctx)

	inputs := make([]string, 0, len(records))
	for _, record := range records {
		inputs = append(inputs, embeddingText(record))
	}
	vectors, err := idx.embedder.EmbedTexts(ctx, idx.settings.APIKey, inputs)
	if err != nil {
		return errors.Wrap(err, "embed records")
	}
	if len(vectors) != len(records) {
		return errors.Errorf("got %d vectors for %d records", len(vectors), len(records))
	}

	now := idx.clock()
	for i, record := range records {
		_, err := idx.db.Exec(ctx, `
			INSERT INTO aggregated_record_embeddings (
				identity_key, provider, kind, title, body, url, popularity, vector, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (identity_key) DO NOTHING
		`,
			record.Key,
			record.Provider,
			string(record.Kind),
			record.Title,
			record.Body,
			record.URL,
			record.Popularity,
			vectors[i],
			now,
		)
		if err != nil {
			return errors.Wrapf(err, "insert embedding of %s", record.Key)
		}
	}

	logger.Debug("indexed records", zap.Int("count", len(records)))
	return nil
}

// Retrieve returns up to topK indexed records most relevant to query,
// ranked by a weighted blend of vector similarity and token overlap.
// topK <= 0 uses the configured default.
func (idx *Index) Retrieve(ctx context.Context, query string, topK int) ([]search.CanonicalRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query is required")
	}
	if topK <= 0 {
		topK = idx.settings.TopK
	}
	topK = min(topK, idx.settings.TopKLimit)
	logger := idx.loggerFromContext(ctx)

	vectors, err := idx.embedder.EmbedTexts(ctx, idx.settings.APIKey, []string{query})
	if err != nil {
		return nil, errors.Wrap(err, "embed query")
	}
	if len(vectors) != 1 {
		return nil, errors.Errorf("got %d vectors for query", len(vectors))
	}

	candidates, err := idx.fetchCandidates(ctx, vectors[0], topK*candidatePoolFactor)
	if err != nil {
		return nil, err
	}
	logger.Debug("semantic candidates fetched", zap.Int("count", len(candidates)))

	return idx.rank(candidates, search.Tokenize(query), topK), nil
}

type candidate struct {
	record     search.CanonicalRecord
	similarity float64
}

func (idx *Index) fetchCandidates(ctx context.Context, queryVec pgvector.Vector, limit int) ([]candidate, error) {
	rows, err := idx.db.Query(ctx, `
		SELECT identity_key, provider, kind, title, body, url, popularity,
			1 - (vector <=> $1) AS similarity
		FROM aggregated_record_embeddings
		ORDER BY vector <=> $1 ASC
		LIMIT $2
	`, queryVec, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query semantic candidates")
	}
	defer rows.Close()

	var candidates []candidate
	for rows.Next() {
		var (
			c    candidate
			kind string
		)
		if err = rows.Scan(
			&c.record.Key,
			&c.record.Provider,
			&kind,
			&c.record.Title,
			&c.record.Body,
			&c.record.URL,
			&c.record.Popularity,
			&c.similarity,
		); err != nil {
			return nil, errors.Wrap(err, "scan semantic candidate")
		}
		c.record.Kind = search.RecordKind(kind)
		c.record.Authors = []string{}
		candidates = append(candidates, c)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate semantic candidates")
	}

	return candidates, nil
}

func (idx *Index) rank(candidates []candidate, queryTokens []string, topK int) []search.CanonicalRecord {
	if len(candidates) == 0 {
		return nil
	}

	tokenSet := make(map[string]struct{}, len(queryTokens))
	for _, t := range queryTokens {
		tokenSet[t] = struct{}{}
	}

	type scored struct {
		record search.CanonicalRecord
		score  float64
	}
	scoredRecords := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		lexical := lexicalScore(search.Tokenize(embeddingText(c.record)), tokenSet)
		score := idx.settings.SemanticWeight*c.similarity + idx.settings.LexicalWeight*lexical
		scoredRecords = append(scoredRecords, scored{record: c.record, score: score})
	}

	sort.SliceStable(scoredRecords, func(i, j int) bool {
		return scoredRecords[i].score > scoredRecords[j].score
	})

	topK = min(topK, len(scoredRecords))
	out := make([]search.CanonicalRecord, 0, topK)
	for i := 0; i < topK; i++ {
		out = append(out, scoredRecords[i].record)
	}
	return out
}

// lexicalScore is the fraction of query tokens present in tokens.
func lexicalScore(tokens []string, query map[string]struct{}) float64 {
	if len(tokens) == 0 || len(query) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(query))
	for _, token := range tokens {
		if _, ok := query[token]; ok {
			seen[token] = struct{}{}
		}
	}
	return float64(len(seen)) / float64(len(query))
}

func embeddingText(record search.CanonicalRecord) string {
	text := record.Title
	if record.Body != nil {
		body := *record.Body
		if len(body) > maxEmbeddedBodyChars {
			body = body[:maxEmbeddedBodyChars]
		}
		text += "\n" + body
	}
	return text
}

func (idx *Index) loggerFromContext(ctx context.Context) logSDK.Logger {
	if ctx != nil {
		if ctxLogger := gmw.GetLogger(ctx); ctxLogger != nil {
			return ctxLogger
		}
	}
	return idx.logger
}

func runMigrations(ctx context.Context, db DB, logger logSDK.Logger) error {
	if err := ensureVectorExtension(ctx, db, logger); err != nil {
		return errors.Wrap(err, "ensure pgvector extension")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS aggregated_record_embeddings (
			identity_key TEXT PRIMARY KEY,
			provider VARCHAR(32) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			title TEXT NOT NULL,
			body TEXT,
			url TEXT NOT NULL DEFAULT '',
			popularity BIGINT NOT NULL DEFAULT 0,
			vector vector NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "execute semantic index migration")
		}
	}
	return nil
}

func ensureVectorExtension(ctx context.Context, db DB, logger logSDK.Logger) error {
	if _, err := db.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		if !shouldFallbackToPgvector(err) {
			return errors.Wrap(err, "create vector extension")
		}
		logger.Debug("pgvector extension unavailable under name 'vector', retrying with legacy name")
		if _, err = db.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS pgvector"); err != nil {
			return errors.Wrap(err, "create pgvector extension")
		}
	}
	return nil
}

func shouldFallbackToPgvector(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "58P01", "42704":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "extension \"vector\"") && strings.Contains(msg, "not") && strings.Contains(msg, "available")
}

package records

import (
	"context"

	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/research-aggregator/library/log"
	"github.com/Laisky/research-aggregator/library/search"
)

// Beginner opens store transactions. *Store satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (Transaction, error)
}

// Indexer receives newly inserted records for semantic retrieval.
type Indexer interface {
	Add(ctx context.Context, records []search.CanonicalRecord) error
}

type popularityRefresher interface {
	RefreshPopularity(ctx context.Context, key string, popularity int64) error
}

type trendRefresher interface {
	RefreshTrendValue(ctx context.Context, key string, value float64) error
}

// SinkOption customizes a Sink.
type SinkOption func(*Sink)

// WithIndexer attaches a semantic index fed with newly inserted records.
func WithIndexer(indexer Indexer) SinkOption {
	return func(s *Sink) {
		s.indexer = indexer
	}
}

// WithSinkLogger overrides the sink logger.
func WithSinkLogger(logger logSDK.Logger) SinkOption {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Sink upserts canonical records, skipping rows that are already stored.
type Sink struct {
	store     Beginner
	refresher popularityRefresher
	trends    trendRefresher
	indexer   Indexer
	logger    logSDK.Logger
}

// NewSink builds a sink over store.
func NewSink(store Beginner, opts ...SinkOption) *Sink {
	s := &Sink{
		store:  store,
		logger: log.Logger.Named("record_sink"),
	}
	if refresher, ok := store.(popularityRefresher); ok {
		s.refresher = refresher
	}
	if trends, ok := store.(trendRefresher); ok {
		s.trends = trends
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert writes records that are not yet stored and returns how many rows
// were inserted. Running it twice with the same input inserts nothing the
// second time.
func (s *Sink) Upsert(ctx context.Context, batch []search.CanonicalRecord) (inserted int, err error) {
	if len(batch) == 0 {
		return 0, nil
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, search.NewPersistenceError(err, "begin upsert")
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			s.logger.Warn("rollback upsert", zap.Error(rbErr))
		}
	}()

	var (
		fresh []search.CanonicalRecord
		known []search.CanonicalRecord
	)
	for _, record := range batch {
		exists, err := tx.Exists(ctx, record.Provider, storedExternalID(record))
		if err != nil {
			return 0, search.NewPersistenceError(err, "check existing record")
		}
		if exists {
			known = append(known, record)
			continue
		}

		created, err := tx.Insert(ctx, record)
		if err != nil {
			return 0, search.NewPersistenceError(err, "insert record")
		}
		if created {
			fresh = append(fresh, record)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, search.NewPersistenceError(err, "commit upsert")
	}
	committed = true

	s.refreshKnown(ctx, known)
	s.index(ctx, fresh)

	s.logger.Debug("upserted records",
		zap.Int("submitted", len(batch)),
		zap.Int("inserted", len(fresh)),
		zap.Int("known", len(known)))
	return len(fresh), nil
}

// refreshKnown updates mutable columns of rows that were already stored.
// Trend values are relative to the fetched window, so the latest fetch wins.
func (s *Sink) refreshKnown(ctx context.Context, known []search.CanonicalRecord) {
	for _, record := range known {
		if record.Kind == search.KindTrend && record.TrendValue != nil && s.trends != nil {
			if err := s.trends.RefreshTrendValue(ctx, record.Key, *record.TrendValue); err != nil {
				s.logger.Warn("refresh trend value", zap.String("key", record.Key), zap.Error(err))
			}
			continue
		}
		if s.refresher == nil || record.Popularity <= 0 {
			continue
		}
		if err := s.refresher.RefreshPopularity(ctx, record.Key, record.Popularity); err != nil {
			s.logger.Warn("refresh popularity", zap.String("key", record.Key), zap.Error(err))
		}
	}
}

func (s *Sink) index(ctx context.Context, fresh []search.CanonicalRecord) {
	if s.indexer == nil || len(fresh) == 0 {
		return
	}
	if err := s.indexer.Add(ctx, fresh); err != nil {
		s.logger.Warn("index inserted records", zap.Int("count", len(fresh)), zap.Error(err))
	}
}

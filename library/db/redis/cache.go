package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Laisky/research-aggregator/library/search"
)

// DefaultResultTTL is how long an aggregate result stays usable as a fallback.
const DefaultResultTTL = 6 * time.Hour

// ResultCache keeps the last successful aggregate result per query.
type ResultCache struct {
	db  *DB
	ttl time.Duration
}

// NewResultCache returns a cache backed by db. ttl <= 0 uses DefaultResultTTL.
func NewResultCache(db *DB, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &ResultCache{db: db, ttl: ttl}
}

// Load returns the cached result, or nil when key is unknown.
func (c *ResultCache) Load(ctx context.Context, key string) (*search.AggregatedResult, error) {
	raw, err := c.db.rdb.Get(ctx, KeyPrefixResultCache+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get cached result %s", key)
	}

	result := new(search.AggregatedResult)
	if err = json.Unmarshal(raw, result); err != nil {
		return nil, errors.Wrap(err, "unmarshal cached result")
	}
	return result, nil
}

// Store saves result under key.
func (c *ResultCache) Store(ctx context.Context, key string, result *search.AggregatedResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "marshal result")
	}
	if err = c.db.rdb.Set(ctx, KeyPrefixResultCache+key, payload, c.ttl).Err(); err != nil {
		return errors.Wrapf(err, "set cached result %s", key)
	}
	return nil
}

package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Laisky/research-aggregator/library/search"
)

// DeadLetter is a persistence job that exhausted its retries.
type DeadLetter struct {
	JobID     string                   `json:"job_id"`
	Records   []search.CanonicalRecord `json:"records"`
	Attempts  int                      `json:"attempts"`
	LastError string                   `json:"last_error"`
	FailedAt  time.Time                `json:"failed_at"`
}

// AddDeadLetter appends job to the dead-letter list
func (db *DB) AddDeadLetter(ctx context.Context, job *DeadLetter) error {
	if err := db.db.RPush(ctx, KeyDeadLetter, []interface{}{job}); err != nil {
		return errors.Wrap(err, "rpush")
	}
	return nil
}

// PopDeadLetters removes and returns up to n jobs from the head of the list.
// Entries that cannot be decoded are dropped.
func (db *DB) PopDeadLetters(ctx context.Context, n int) ([]*DeadLetter, error) {
	if n <= 0 {
		return nil, nil
	}

	raws, err := db.rdb.LPopCount(ctx, KeyDeadLetter, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "lpop dead letters")
	}

	return decodeDeadLetters(raws), nil
}

func decodeDeadLetters(raws []string) []*DeadLetter {
	jobs := make([]*DeadLetter, 0, len(raws))
	for _, raw := range raws {
		job := new(DeadLetter)
		if err := json.Unmarshal([]byte(raw), job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Laisky/research-aggregator/library/search"
)

func TestDecodeDeadLetters(t *testing.T) {
	job := &DeadLetter{
		JobID:     "job-1",
		Records:   []search.CanonicalRecord{{Key: "arxiv:2101.00001", Provider: "arxiv", Title: "Attention"}},
		Attempts:  4,
		LastError: "connection refused",
		FailedAt:  time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
	}
	payload, err := json.Marshal(job)
	require.NoError(t, err)

	jobs := decodeDeadLetters([]string{string(payload), "{not json"})
	require.Len(t, jobs, 1)
	require.Equal(t, "job-1", jobs[0].JobID)
	require.Equal(t, 4, jobs[0].Attempts)
	require.Equal(t, "arxiv:2101.00001", jobs[0].Records[0].Key)
	require.True(t, job.FailedAt.Equal(jobs[0].FailedAt))
}

func TestNewResultCacheDefaultTTL(t *testing.T) {
	cache := NewResultCache(nil, 0)
	require.Equal(t, DefaultResultTTL, cache.ttl)

	cache = NewResultCache(nil, time.Minute)
	require.Equal(t, time.Minute, cache.ttl)
}

package cmd

import (
	"context"
	"testing"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/require"

	rlibs "github.com/Laisky/research-aggregator/library/db/redis"
	"github.com/Laisky/research-aggregator/library/search"
)

type listDeadLetters struct {
	jobs   []*rlibs.DeadLetter
	parked []*rlibs.DeadLetter
	popErr error
}

func (l *listDeadLetters) AddDeadLetter(_ context.Context, job *rlibs.DeadLetter) error {
	l.parked = append(l.parked, job)
	return nil
}

func (l *listDeadLetters) PopDeadLetters(_ context.Context, n int) ([]*rlibs.DeadLetter, error) {
	if l.popErr != nil {
		return nil, l.popErr
	}
	n = min(n, len(l.jobs))
	out := l.jobs[:n]
	l.jobs = l.jobs[n:]
	return out, nil
}

type keyedUpserter struct {
	failKey string
	seen    []string
}

func (u *keyedUpserter) Upsert(_ context.Context, batch []search.CanonicalRecord) (int, error) {
	for _, record := range batch {
		u.seen = append(u.seen, record.Key)
		if record.Key == u.failKey {
			return 0, errors.New("constraint violation")
		}
	}
	return len(batch), nil
}

func deadLetter(id, key string) *rlibs.DeadLetter {
	return &rlibs.DeadLetter{
		JobID:    id,
		Records:  []search.CanonicalRecord{{Key: key, Provider: search.ProviderArxiv, Kind: search.KindPaper, Title: key}},
		Attempts: 4,
	}
}

func TestReplayDeadLetters(t *testing.T) {
	store := &listDeadLetters{jobs: []*rlibs.DeadLetter{
		deadLetter("j1", "arxiv:1"),
		deadLetter("j2", "arxiv:2"),
		deadLetter("j3", "arxiv:3"),
	}}
	upserter := &keyedUpserter{failKey: "arxiv:2"}

	replayed, parked, err := replayDeadLetters(context.Background(), store, upserter, 2)
	require.NoError(t, err)
	require.Equal(t, 2, replayed)
	require.Equal(t, 1, parked)
	require.Equal(t, []string{"arxiv:1", "arxiv:2", "arxiv:3"}, upserter.seen)

	require.Len(t, store.parked, 1)
	require.Equal(t, "j2", store.parked[0].JobID)
	require.Equal(t, 5, store.parked[0].Attempts)
	require.Contains(t, store.parked[0].LastError, "constraint violation")
	require.Empty(t, store.jobs)
}

func TestReplayDeadLettersPopError(t *testing.T) {
	store := &listDeadLetters{popErr: errors.New("redis down")}
	_, _, err := replayDeadLetters(context.Background(), store, &keyedUpserter{}, 0)
	require.ErrorContains(t, err, "redis down")
}

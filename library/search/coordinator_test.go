package search

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/require"
)

type testProvider struct {
	name    string
	kind    RecordKind
	records []RawRecord
	err     error
	delay   time.Duration
	panics  bool
	calls   atomic.Int32
}

func (p *testProvider) Name() string {
	return p.name
}

func (p *testProvider) Kind() RecordKind {
	if p.kind == "" {
		return KindPaper
	}
	return p.kind
}

func (p *testProvider) Fetch(ctx context.Context, _ Query, limit int) ([]RawRecord, error) {
	p.calls.Add(1)
	if p.panics {
		panic("boom")
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	if len(p.records) > limit {
		return p.records[:limit], nil
	}
	return p.records, nil
}

type captureSink struct {
	mu      sync.Mutex
	batches [][]CanonicalRecord
	err     error
}

func (s *captureSink) Submit(_ context.Context, records []CanonicalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, records)
	return s.err
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*AggregatedResult
}

func (c *memoryCache) Load(_ context.Context, key string) (*AggregatedResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key], nil
}

func (c *memoryCache) Store(_ context.Context, key string, result *AggregatedResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[string]*AggregatedResult{}
	}
	c.entries[key] = result
	return nil
}

func paper(id, title string, citations int64) Paper {
	return Paper{ID: id, Title: title, Authors: []string{"Ada Lovelace"}, Citations: citations}
}

func TestAggregateTimeoutScenario(t *testing.T) {
	academicA := &testProvider{name: "academic-a", records: []RawRecord{
		paper("1", "Attention Is All You Need", 100),
		paper("2", "Transformers in Vision", 10),
	}}
	academicB := &testProvider{name: "academic-b", delay: time.Minute}

	coordinator, err := NewCoordinator([]Provider{academicA, academicB},
		WithProviderTimeout(50*time.Millisecond))
	require.NoError(t, err)

	startAt := time.Now()
	result, err := coordinator.Aggregate(context.Background(), Query{
		Text:      "transformer models",
		Providers: []string{"academic-a", "academic-b"},
		Limit:     10,
	})
	require.NoError(t, err)
	require.Less(t, time.Since(startAt), 2*time.Second)

	require.Len(t, result.Records, 2)
	require.Equal(t, ProviderStatus{OK: true, Count: 2, ElapsedMS: result.Statuses["academic-a"].ElapsedMS}, result.Statuses["academic-a"])
	require.False(t, result.Statuses["academic-b"].OK)
	require.Equal(t, ErrKindTimeout, result.Statuses["academic-b"].Kind)
	require.Equal(t, 1, result.Succeeded())
	require.Equal(t, 2, result.Requested())
}

func TestAggregateOverallDeadlineAbandonsSlowProvider(t *testing.T) {
	fast := &testProvider{name: "fast", records: []RawRecord{paper("1", "Fast", 1)}}
	slow := &testProvider{name: "slow", delay: time.Minute}

	coordinator, err := NewCoordinator([]Provider{slow, fast},
		WithProviderTimeout(time.Minute),
		WithOverallDeadline(80*time.Millisecond))
	require.NoError(t, err)

	startAt := time.Now()
	result, err := coordinator.Aggregate(context.Background(), Query{
		Text: "deadline", Providers: []string{"slow", "fast"}, Limit: 5,
	})
	require.NoError(t, err)
	require.Less(t, time.Since(startAt), time.Second)
	require.Len(t, result.Records, 1)
	require.Equal(t, ErrKindTimeout, result.Statuses["slow"].Kind)
	require.True(t, result.Statuses["fast"].OK)
}

func TestAggregateFailureIsolation(t *testing.T) {
	good := &testProvider{name: "good", records: []RawRecord{paper("1", "Kept", 3), paper("2", "Also kept", 4)}}
	broken := &testProvider{name: "broken", err: NewTransportError(502, "bad gateway")}
	panicky := &testProvider{name: "panicky", panics: true}

	coordinator, err := NewCoordinator([]Provider{broken, good, panicky})
	require.NoError(t, err)

	result, err := coordinator.Aggregate(context.Background(), Query{
		Text: "isolation", Providers: []string{"panicky", "good", "broken"}, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	require.Equal(t, "Kept", result.Records[0].Title)
	require.Equal(t, ErrKindTransport, result.Statuses["broken"].Kind)
	require.Equal(t, 502, result.Statuses["broken"].StatusCode)
	require.Equal(t, ErrKindInternal, result.Statuses["panicky"].Kind)
	require.Equal(t, []string{"broken", "good", "panicky"}, result.Order)
}

func TestAggregateMergesInRegistrationOrder(t *testing.T) {
	first := &testProvider{name: "first", delay: 30 * time.Millisecond, records: []RawRecord{paper("a", "From first", 1)}}
	second := &testProvider{name: "second", records: []RawRecord{paper("b", "From second", 1)}}

	coordinator, err := NewCoordinator([]Provider{first, second})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		result, err := coordinator.Aggregate(context.Background(), Query{
			Text: "order", Providers: []string{"second", "first"}, Limit: 10,
		})
		require.NoError(t, err)
		require.Len(t, result.Records, 2)
		require.Equal(t, "first", result.Records[0].Provider)
		require.Equal(t, "second", result.Records[1].Provider)
	}
}

func TestAggregateCapsToLimitWithUniqueKeys(t *testing.T) {
	var records []RawRecord
	for _, id := range []string{"1", "2", "2", "3", "4", "5"} {
		records = append(records, paper(id, "Paper "+id, 1))
	}
	a := &testProvider{name: "a", records: records}
	b := &testProvider{name: "b", records: records}

	coordinator, err := NewCoordinator([]Provider{a, b})
	require.NoError(t, err)

	result, err := coordinator.Aggregate(context.Background(), Query{
		Text: "cap", Providers: []string{"a", "b"}, Limit: 7,
	})
	require.NoError(t, err)
	require.LessOrEqual(t, len(result.Records), 7)

	keys := map[string]struct{}{}
	for _, record := range result.Records {
		_, dup := keys[record.Key]
		require.False(t, dup, record.Key)
		keys[record.Key] = struct{}{}
	}
}

func TestAggregateDedupTakesMaxPopularity(t *testing.T) {
	low := &testProvider{name: "shared", records: []RawRecord{paper("same", "Same paper", 5), paper("same", "Same paper", 9)}}

	coordinator, err := NewCoordinator([]Provider{low})
	require.NoError(t, err)

	result, err := coordinator.Aggregate(context.Background(), Query{
		Text: "dedup", Providers: []string{"shared"}, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	require.Equal(t, int64(9), result.Records[0].Popularity)
}

func TestAggregateRejectsInvalidQueriesBeforeIO(t *testing.T) {
	provider := &testProvider{name: "only"}
	coordinator, err := NewCoordinator([]Provider{provider})
	require.NoError(t, err)

	cases := []Query{
		{Text: "  ", Providers: []string{"only"}, Limit: 1},
		{Text: "q", Providers: []string{"only"}, Limit: 0},
		{Text: "q", Providers: nil, Limit: 1},
		{Text: "q", Providers: []string{"only", "missing"}, Limit: 1},
	}
	for _, query := range cases {
		_, err := coordinator.Aggregate(context.Background(), query)
		require.Error(t, err)
		require.True(t, IsKind(err, ErrKindConfiguration), err.Error())
	}
	require.Equal(t, int32(0), provider.calls.Load())
}

func TestAggregateAllFailedIsNotAnError(t *testing.T) {
	a := &testProvider{name: "a", err: errors.New("down")}
	b := &testProvider{name: "b", err: NewParseError(errors.New("eof"), "decode")}
	sink := &captureSink{}

	coordinator, err := NewCoordinator([]Provider{a, b}, WithSink(sink))
	require.NoError(t, err)

	result, err := coordinator.Aggregate(context.Background(), Query{Text: "x", Providers: []string{"a", "b"}, Limit: 3})
	require.NoError(t, err)
	require.Empty(t, result.Records)
	require.Equal(t, 0, result.Succeeded())
	require.Equal(t, ErrKindTransport, result.Statuses["a"].Kind)
	require.Equal(t, ErrKindParse, result.Statuses["b"].Kind)
	require.Empty(t, sink.batches)
}

func TestAggregateFallsBackToCache(t *testing.T) {
	provider := &testProvider{name: "flaky", records: []RawRecord{paper("1", "Cached", 2)}}
	cache := &memoryCache{}

	coordinator, err := NewCoordinator([]Provider{provider}, WithCache(cache))
	require.NoError(t, err)

	query := Query{Text: "cache me", Providers: []string{"flaky"}, Limit: 5}
	first, err := coordinator.Aggregate(context.Background(), query)
	require.NoError(t, err)
	require.False(t, first.FromCache)

	provider.err = errors.New("outage")
	second, err := coordinator.Aggregate(context.Background(), query)
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Len(t, second.Records, 1)
	require.False(t, second.Statuses["flaky"].OK)
}

func TestAggregateSubmitsToSink(t *testing.T) {
	provider := &testProvider{name: "p", records: []RawRecord{paper("1", "Stored", 1)}}
	sink := &captureSink{err: NewPersistenceError(errors.New("queue full"), "submit")}

	coordinator, err := NewCoordinator([]Provider{provider}, WithSink(sink))
	require.NoError(t, err)

	result, err := coordinator.Aggregate(context.Background(), Query{Text: "sink", Providers: []string{"p"}, Limit: 5})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	require.Len(t, sink.batches, 1)
	require.Equal(t, result.Records, sink.batches[0])
}

func TestNewCoordinatorRejectsDuplicates(t *testing.T) {
	_, err := NewCoordinator([]Provider{&testProvider{name: "x"}, &testProvider{name: "x"}})
	require.Error(t, err)

	_, err = NewCoordinator(nil)
	require.Error(t, err)
}

func TestProvidersOfKind(t *testing.T) {
	coordinator, err := NewCoordinator([]Provider{
		&testProvider{name: "papers"},
		&testProvider{name: "threads", kind: KindDiscussion},
		&testProvider{name: "more-papers"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"papers", "more-papers"}, coordinator.ProvidersOfKind(KindPaper))
	require.Equal(t, []string{"papers", "threads", "more-papers"}, coordinator.Providers())
}

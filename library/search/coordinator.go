package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"

	appLog "github.com/Laisky/research-aggregator/library/log"
	"github.com/Laisky/research-aggregator/library/metrics"
)

const (
	defaultProviderTimeout = 10 * time.Second
	defaultOverallDeadline = 30 * time.Second
	defaultMaxConcurrency  = 8
	defaultMaxLimit        = 100
)

// Provider is one external data source the coordinator can fan out to.
type Provider interface {
	// Name returns the unique registry identifier of the provider.
	Name() string
	// Kind reports which record shape the provider emits.
	Kind() RecordKind
	// Fetch executes the query and returns at most limit raw records, or an error.
	// A returned error discards any records; outcomes are never partial.
	Fetch(ctx context.Context, query Query, limit int) ([]RawRecord, error)
}

// Sink receives the deduplicated records of every aggregate call.
type Sink interface {
	// Submit hands records over for persistence. It must not block on store I/O.
	Submit(ctx context.Context, records []CanonicalRecord) error
}

// Cache keeps the last successful result of a query for use when every provider fails.
type Cache interface {
	// Load returns nil without error on a miss.
	Load(ctx context.Context, key string) (*AggregatedResult, error)
	Store(ctx context.Context, key string, result *AggregatedResult) error
}

// CoordinatorOption customises a Coordinator during construction.
type CoordinatorOption func(*Coordinator)

// WithLogger overrides the fallback logger used when no contextual logger is available.
func WithLogger(logger logSDK.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProviderTimeout bounds each provider invocation.
func WithProviderTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.providerTimeout = timeout
		}
	}
}

// WithOverallDeadline bounds the whole aggregate call. Providers still pending when it
// expires are recorded as timeouts.
func WithOverallDeadline(deadline time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if deadline > 0 {
			c.overallDeadline = deadline
		}
	}
}

// WithMaxConcurrency limits how many providers run at the same time.
func WithMaxConcurrency(limit int) CoordinatorOption {
	return func(c *Coordinator) {
		if limit > 0 {
			c.maxConcurrency = limit
		}
	}
}

// WithMaxLimit caps the result count a query may ask for.
func WithMaxLimit(limit int) CoordinatorOption {
	return func(c *Coordinator) {
		if limit > 0 {
			c.maxLimit = limit
		}
	}
}

// WithSink sets where deduplicated records are handed for persistence.
func WithSink(sink Sink) CoordinatorOption {
	return func(c *Coordinator) {
		c.sink = sink
	}
}

// WithCache enables the last-known-good fallback.
func WithCache(cache Cache) CoordinatorOption {
	return func(c *Coordinator) {
		c.cache = cache
	}
}

// Coordinator fans a query out to the selected providers concurrently and
// merges their outcomes under a partial failure model.
type Coordinator struct {
	providers       []Provider
	index           map[string]int
	providerTimeout time.Duration
	overallDeadline time.Duration
	maxConcurrency  int
	maxLimit        int
	sink            Sink
	cache           Cache
	logger          logSDK.Logger
}

// NewCoordinator registers providers in the given order.
// Registration order is the merge order of every aggregate call.
func NewCoordinator(providers []Provider, opts ...CoordinatorOption) (*Coordinator, error) {
	c := &Coordinator{
		index:           make(map[string]int, len(providers)),
		providerTimeout: defaultProviderTimeout,
		overallDeadline: defaultOverallDeadline,
		maxConcurrency:  defaultMaxConcurrency,
		maxLimit:        defaultMaxLimit,
		logger:          appLog.Logger.Named("coordinator"),
	}

	for _, provider := range providers {
		if provider == nil {
			continue
		}
		name := strings.TrimSpace(provider.Name())
		if name == "" {
			return nil, errors.New("provider name cannot be empty")
		}
		if _, exists := c.index[name]; exists {
			return nil, errors.Errorf("provider %q registered twice", name)
		}
		c.index[name] = len(c.providers)
		c.providers = append(c.providers, provider)
	}

	if len(c.providers) == 0 {
		return nil, errors.New("coordinator requires at least one provider")
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// Providers lists registered provider names in registration order.
func (c *Coordinator) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for _, provider := range c.providers {
		names = append(names, provider.Name())
	}
	return names
}

// ProvidersOfKind lists registered providers emitting kind, in registration order.
func (c *Coordinator) ProvidersOfKind(kind RecordKind) []string {
	var names []string
	for _, provider := range c.providers {
		if provider.Kind() == kind {
			names = append(names, provider.Name())
		}
	}
	return names
}

// Validate checks the query before any I/O and returns its normalized copy:
// trimmed text, de-duplicated providers and a limit capped to the configured maximum.
func (c *Coordinator) Validate(query Query) (Query, error) {
	normalized := query
	normalized.Text = strings.TrimSpace(query.Text)
	if normalized.Text == "" {
		return Query{}, NewConfigurationError("query text cannot be empty")
	}
	if query.Limit <= 0 {
		return Query{}, NewConfigurationError("limit must be positive, got %d", query.Limit)
	}
	if c.maxLimit > 0 && normalized.Limit > c.maxLimit {
		normalized.Limit = c.maxLimit
	}

	seen := make(map[string]struct{}, len(query.Providers))
	normalized.Providers = make([]string, 0, len(query.Providers))
	var unknown []string
	for _, raw := range query.Providers {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if _, ok := c.index[name]; !ok {
			unknown = append(unknown, name)
			continue
		}
		normalized.Providers = append(normalized.Providers, name)
	}

	if len(unknown) > 0 {
		return Query{}, NewConfigurationError("unknown providers: %s", strings.Join(unknown, ", "))
	}
	if len(normalized.Providers) == 0 {
		return Query{}, NewConfigurationError("at least one provider must be selected")
	}

	sort.SliceStable(normalized.Providers, func(i, j int) bool {
		return c.index[normalized.Providers[i]] < c.index[normalized.Providers[j]]
	})

	return normalized, nil
}

// Aggregate fans the query out, waits for every provider to settle or for the overall
// deadline, merges successful outcomes in registration order, deduplicates, caps the
// result to the query limit and hands it to the sink.
// Only configuration errors are returned; provider failures land in the status map.
func (c *Coordinator) Aggregate(ctx context.Context, query Query) (*AggregatedResult, error) {
	query, err := c.Validate(query)
	if err != nil {
		return nil, err
	}

	logger := c.loggerFromContext(ctx).With(zap.String("query", query.Text))
	selected := make([]Provider, 0, len(query.Providers))
	for _, name := range query.Providers {
		selected = append(selected, c.providers[c.index[name]])
	}

	outcomes := c.fanOut(ctx, query, selected, logger)

	result := &AggregatedResult{
		Query:    query,
		Statuses: make(map[string]ProviderStatus, len(outcomes)),
		Order:    append([]string(nil), query.Providers...),
	}
	groups := make([]ProviderRecords, 0, len(outcomes))
	for _, outcome := range outcomes {
		status := ProviderStatus{ElapsedMS: outcome.Elapsed.Milliseconds()}
		if outcome.OK() {
			status.OK = true
			status.Count = len(outcome.Records)
			groups = append(groups, ProviderRecords{Provider: outcome.Provider, Records: outcome.Records})
		} else {
			status.Kind = outcome.Err.Kind
			status.Message = outcome.Err.Message()
			status.StatusCode = outcome.Err.StatusCode
		}
		result.Statuses[outcome.Provider] = status
	}

	result.Records = Normalize(groups)
	if len(result.Records) > query.Limit {
		result.Records = result.Records[:query.Limit]
	}

	succeeded := len(groups)
	if succeeded == 0 {
		c.fallbackToCache(ctx, result, logger)
	} else {
		c.storeInCache(ctx, result, logger)
	}

	if !result.FromCache && len(result.Records) > 0 && c.sink != nil {
		if err := c.sink.Submit(ctx, result.Records); err != nil {
			logger.Warn("hand records to persistence sink",
				zap.Int("records", len(result.Records)),
				zap.Error(err))
		}
	}

	metrics.AggregateRecords.Observe(float64(len(result.Records)))
	logger.Info("aggregate finished",
		zap.Int("providers", len(selected)),
		zap.Int("succeeded", succeeded),
		zap.Int("records", len(result.Records)),
		zap.Bool("from_cache", result.FromCache))

	return result, nil
}

// fanOut runs every selected provider and returns one outcome per provider, in the
// order of selected. Providers that have not settled when the overall deadline
// expires are reported as timeouts and abandoned.
func (c *Coordinator) fanOut(ctx context.Context, query Query, selected []Provider, logger logSDK.Logger) []Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.overallDeadline)
	defer cancel()

	slots := make([]chan Outcome, len(selected))
	for i := range slots {
		slots[i] = make(chan Outcome, 1)
	}

	allSettled := make(chan struct{})
	go func() {
		defer close(allSettled)

		var group errgroup.Group
		if c.maxConcurrency > 0 {
			group.SetLimit(c.maxConcurrency)
		}
		for i, provider := range selected {
			group.Go(func() error {
				slots[i] <- c.invoke(ctx, provider, query, logger)
				return nil
			})
		}
		_ = group.Wait()
	}()

	select {
	case <-allSettled:
	case <-ctx.Done():
		logger.Warn("overall deadline reached before every provider settled",
			zap.Duration("deadline", c.overallDeadline))
	}

	outcomes := make([]Outcome, len(selected))
	for i, provider := range selected {
		select {
		case outcome := <-slots[i]:
			outcomes[i] = outcome
		default:
			outcomes[i] = Failure(provider.Name(), &Error{
				Kind:     ErrKindTimeout,
				Provider: provider.Name(),
				Err:      errors.Errorf("abandoned after overall deadline %s", c.overallDeadline),
			})
			metrics.ProviderRequests.WithLabelValues(provider.Name(), string(ErrKindTimeout)).Inc()
		}
	}

	return outcomes
}

// invoke runs a single provider under its own timeout and converts any error or
// panic into a Failure outcome.
func (c *Coordinator) invoke(ctx context.Context, provider Provider, query Query, logger logSDK.Logger) (outcome Outcome) {
	name := provider.Name()
	startAt := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome = Failure(name, &Error{
				Kind:     ErrKindInternal,
				Provider: name,
				Err:      errors.Errorf("provider panicked: %v", recovered),
			})
		}

		outcome.Elapsed = time.Since(startAt)
		label := "success"
		if !outcome.OK() {
			label = string(outcome.Err.Kind)
			logger.Warn("provider failed",
				zap.String("provider", name),
				zap.String("kind", label),
				zap.Duration("cost", outcome.Elapsed),
				zap.Error(outcome.Err))
		} else {
			logger.Debug("provider succeeded",
				zap.String("provider", name),
				zap.Int("records", len(outcome.Records)),
				zap.Duration("cost", outcome.Elapsed))
		}
		metrics.ProviderRequests.WithLabelValues(name, label).Inc()
		metrics.ProviderDuration.WithLabelValues(name).Observe(outcome.Elapsed.Seconds())
	}()

	providerCtx, cancel := context.WithTimeout(ctx, c.providerTimeout)
	defer cancel()

	records, err := provider.Fetch(providerCtx, query, query.Limit)
	if err != nil {
		classified := Classify(name, err)
		if providerCtx.Err() != nil && errors.Is(providerCtx.Err(), context.DeadlineExceeded) {
			classified.Kind = ErrKindTimeout
		}
		return Failure(name, classified)
	}

	return Success(name, records)
}

func (c *Coordinator) fallbackToCache(ctx context.Context, result *AggregatedResult, logger logSDK.Logger) {
	if c.cache == nil {
		return
	}

	cached, err := c.cache.Load(ctx, CacheKey(result.Query))
	if err != nil {
		logger.Warn("load cached result", zap.Error(err))
		return
	}
	if cached == nil {
		return
	}

	records := cached.Records
	if len(records) > result.Query.Limit {
		records = records[:result.Query.Limit]
	}
	result.Records = records
	result.FromCache = true
	metrics.CacheFallbacks.Inc()
}

func (c *Coordinator) storeInCache(ctx context.Context, result *AggregatedResult, logger logSDK.Logger) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Store(ctx, CacheKey(result.Query), result); err != nil {
		logger.Warn("store result in cache", zap.Error(err))
	}
}

func (c *Coordinator) loggerFromContext(ctx context.Context) logSDK.Logger {
	if ctx != nil {
		if ctxLogger := gmw.GetLogger(ctx); ctxLogger != nil {
			return ctxLogger.Named("coordinator")
		}
	}
	return c.logger
}

// CacheKey derives a stable cache key from the normalized query.
func CacheKey(query Query) string {
	providers := append([]string(nil), query.Providers...)
	sort.Strings(providers)
	raw := fmt.Sprintf("%s|%s|%s|%s|%s",
		strings.ToLower(strings.TrimSpace(query.Text)),
		strings.Join(providers, ","),
		query.Modifiers.SortBy,
		query.Modifiers.Timeframe,
		query.Modifiers.Geo,
	)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

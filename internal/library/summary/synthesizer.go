// Package summary turns an aggregated corpus into a generated summary,
// either in one piece or as a stream of fragments.
package summary

import (
	"context"
	"time"

	errors "github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/research-aggregator/library/log"
	"github.com/Laisky/research-aggregator/library/metrics"
	"github.com/Laisky/research-aggregator/library/search"
)

const (
	defaultMaxContextRecords = 20
	defaultExcerptChars      = 600
)

// Generator is the text generation backend.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateStream(ctx context.Context, prompt string) (<-chan string, <-chan error)
}

// Retriever returns previously indexed records related to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]search.CanonicalRecord, error)
}

// Artifact is the result of a batch summary.
type Artifact struct {
	Query       string    `json:"query"`
	Sources     []string  `json:"sources"`
	Summary     string    `json:"summary"`
	Confidence  float64   `json:"confidence_score"`
	Simplified  *string   `json:"eli5_version"`
	Type        string    `json:"summary_type"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Event is one element of a summary stream. A stream carries zero or more
// fragments followed by exactly one Done event, or by one Err event when
// generation fails.
type Event struct {
	Fragment string
	Done     bool
	Err      error
}

// Option customizes a Synthesizer.
type Option func(*Synthesizer)

// WithRetriever merges up to topK indexed records into the context.
func WithRetriever(retriever Retriever, topK int) Option {
	return func(s *Synthesizer) {
		s.retriever = retriever
		s.retrieveTopK = topK
	}
}

// WithLogger overrides the synthesizer logger.
func WithLogger(logger logSDK.Logger) Option {
	return func(s *Synthesizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxContextRecords bounds how many records are rendered into a prompt.
func WithMaxContextRecords(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxContext = n
		}
	}
}

// WithExcerptChars bounds the body excerpt of each context record.
func WithExcerptChars(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.excerptChars = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Synthesizer) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Synthesizer builds summaries from aggregated results.
type Synthesizer struct {
	generator    Generator
	retriever    Retriever
	retrieveTopK int
	logger       logSDK.Logger
	maxContext   int
	excerptChars int
	clock        func() time.Time
}

// New builds a Synthesizer over generator.
func New(generator Generator, opts ...Option) (*Synthesizer, error) {
	if generator == nil {
		return nil, errors.New("generator is required")
	}
	s := &Synthesizer{
		generator:    generator,
		logger:       log.Logger.Named("summary"),
		maxContext:   defaultMaxContextRecords,
		excerptChars: defaultExcerptChars,
		clock:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Summarize generates a summary of result. When the query asks for it, a
// simplified summary is generated by a second, independent call over the
// same context. Any backend failure fails the whole call.
func (s *Synthesizer) Summarize(ctx context.Context, result *search.AggregatedResult) (*Artifact, error) {
	summaryType, corpus, err := s.prepare(ctx, result)
	if err != nil {
		metrics.SummaryRequests.WithLabelValues("batch", "rejected").Inc()
		return nil, err
	}
	logger := s.loggerFromContext(ctx)
	query := result.Query

	text, err := s.generator.Generate(ctx, buildPrompt(typeInstructions[summaryType], query.Text, corpus, s.excerptChars))
	if err != nil {
		metrics.SummaryRequests.WithLabelValues("batch", "error").Inc()
		return nil, search.NewGenerationError(err, "generate summary")
	}

	artifact := &Artifact{
		Query:       query.Text,
		Sources:     providersOf(corpus),
		Summary:     text,
		Confidence:  Confidence(result),
		Type:        summaryType,
		GeneratedAt: s.clock(),
	}

	if query.Modifiers.Simplify {
		simple, err := s.generator.Generate(ctx, buildPrompt(simplifyInstruction, query.Text, corpus, s.excerptChars))
		if err != nil {
			metrics.SummaryRequests.WithLabelValues("batch", "error").Inc()
			return nil, search.NewGenerationError(err, "generate simplified summary")
		}
		artifact.Simplified = &simple
	}

	metrics.SummaryRequests.WithLabelValues("batch", "ok").Inc()
	logger.Info("summary generated",
		zap.String("type", summaryType),
		zap.Int("context_records", len(corpus)),
		zap.Float64("confidence", artifact.Confidence))
	return artifact, nil
}

// Stream generates a summary of result as a sequence of events. The
// returned channel is closed after the terminal event, or as soon as ctx
// is cancelled; cancellation also aborts the backend request.
func (s *Synthesizer) Stream(ctx context.Context, result *search.AggregatedResult) (<-chan Event, error) {
	summaryType, corpus, err := s.prepare(ctx, result)
	if err != nil {
		metrics.SummaryRequests.WithLabelValues("stream", "rejected").Inc()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	prompt := buildPrompt(typeInstructions[summaryType], result.Query.Text, corpus, s.excerptChars)
	fragments, errCh := s.generator.GenerateStream(ctx, prompt)
	events := make(chan Event)

	go func() {
		defer close(events)
		defer cancel()
		s.forward(ctx, fragments, errCh, events)
	}()

	return events, nil
}

func (s *Synthesizer) forward(ctx context.Context, fragments <-chan string, errCh <-chan error, events chan<- Event) {
	logger := s.loggerFromContext(ctx)
	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	count := 0
	for {
		select {
		case <-ctx.Done():
			metrics.SummaryRequests.WithLabelValues("stream", "cancelled").Inc()
			logger.Debug("summary stream cancelled", zap.Int("fragments", count))
			return
		case fragment, ok := <-fragments:
			if ok {
				count++
				if !emit(Event{Fragment: fragment}) {
					metrics.SummaryRequests.WithLabelValues("stream", "cancelled").Inc()
					return
				}
				continue
			}

			if err := <-errCh; err != nil {
				if ctx.Err() != nil {
					metrics.SummaryRequests.WithLabelValues("stream", "cancelled").Inc()
					return
				}
				metrics.SummaryRequests.WithLabelValues("stream", "error").Inc()
				logger.Warn("summary stream failed", zap.Int("fragments", count), zap.Error(err))
				emit(Event{Err: search.NewGenerationError(err, "stream summary")})
				return
			}

			metrics.SummaryRequests.WithLabelValues("stream", "ok").Inc()
			emit(Event{Done: true})
			return
		}
	}
}

// prepare validates the request and assembles the prompt context: the live
// corpus first, then retrieved records not already present.
func (s *Synthesizer) prepare(ctx context.Context, result *search.AggregatedResult) (string, []search.CanonicalRecord, error) {
	if result == nil {
		return "", nil, search.NewConfigurationError("aggregated result is required")
	}
	summaryType, err := NormalizeType(result.Query.Modifiers.SummaryType)
	if err != nil {
		return "", nil, err
	}

	corpus := make([]search.CanonicalRecord, 0, s.maxContext)
	seen := make(map[string]struct{}, s.maxContext)
	add := func(records []search.CanonicalRecord) {
		for _, record := range records {
			if len(corpus) >= s.maxContext {
				return
			}
			if _, dup := seen[record.Key]; dup {
				continue
			}
			seen[record.Key] = struct{}{}
			corpus = append(corpus, record)
		}
	}
	add(result.Records)

	if s.retriever != nil {
		retrieved, err := s.retriever.Retrieve(ctx, result.Query.Text, s.retrieveTopK)
		if err != nil {
			s.loggerFromContext(ctx).Warn("retrieve indexed records", zap.Error(err))
		} else {
			add(retrieved)
		}
	}

	if len(corpus) == 0 {
		return "", nil, search.NewGenerationError(errors.New("no source material"), "build summary context")
	}
	return summaryType, corpus, nil
}

// Confidence is the fraction of requested providers that succeeded, in [0, 1].
func Confidence(result *search.AggregatedResult) float64 {
	if result == nil || result.Requested() == 0 {
		return 0
	}
	c := float64(result.Succeeded()) / float64(result.Requested())
	return min(max(c, 0), 1)
}

func providersOf(corpus []search.CanonicalRecord) []string {
	var providers []string
	seen := map[string]struct{}{}
	for _, record := range corpus {
		if _, ok := seen[record.Provider]; ok {
			continue
		}
		seen[record.Provider] = struct{}{}
		providers = append(providers, record.Provider)
	}
	return providers
}

func (s *Synthesizer) loggerFromContext(ctx context.Context) logSDK.Logger {
	if ctx != nil {
		if ctxLogger := gmw.GetLogger(ctx); ctxLogger != nil {
			return ctxLogger
		}
	}
	return s.logger
}

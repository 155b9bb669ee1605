// Package web gin server
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Laisky/research-aggregator/internal/library/querylog"
	"github.com/Laisky/research-aggregator/internal/library/summary"
	"github.com/Laisky/research-aggregator/library/search"
	"github.com/Laisky/research-aggregator/library/throttle"
)

const shutdownTimeout = 10 * time.Second

// Aggregator runs multi-provider searches.
type Aggregator interface {
	Aggregate(ctx context.Context, query search.Query) (*search.AggregatedResult, error)
	ProvidersOfKind(kind search.RecordKind) []string
}

// Summarizer turns aggregated results into summaries.
type Summarizer interface {
	Summarize(ctx context.Context, result *search.AggregatedResult) (*summary.Artifact, error)
	Stream(ctx context.Context, result *search.AggregatedResult) (<-chan summary.Event, error)
}

// RecordReader reads persisted records.
type RecordReader interface {
	Get(ctx context.Context, key string) (*search.CanonicalRecord, error)
	TrendHistory(ctx context.Context, keyword string, from, to time.Time) ([]search.CanonicalRecord, error)
}

// QueryLogger records served queries without blocking the request and lists recent ones.
type QueryLogger interface {
	Submit(input querylog.RecordInput) error
	Recent(ctx context.Context, mode string, limit int) ([]querylog.Entry, error)
}

// Option customizes a Server.
type Option func(*Server)

// WithSummarizer enables the summary endpoints.
func WithSummarizer(summarizer Summarizer) Option {
	return func(s *Server) {
		s.summarizer = summarizer
	}
}

// WithRecordReader enables the endpoints backed by the record store.
func WithRecordReader(reader RecordReader) Option {
	return func(s *Server) {
		s.records = reader
	}
}

// WithQueryLogger enables query logging and the history endpoint.
func WithQueryLogger(queryLogger QueryLogger) Option {
	return func(s *Server) {
		s.queryLog = queryLogger
	}
}

// WithLogger sets the server logger.
func WithLogger(logger logSDK.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAllowedOrigins sets the hosts allowed to issue cross-origin requests.
func WithAllowedOrigins(hosts []string) Option {
	return func(s *Server) {
		s.allowedHosts = append([]string(nil), hosts...)
	}
}

// WithThrottle rate limits the api routes per client address.
func WithThrottle(t *throttle.Throttle) Option {
	return func(s *Server) {
		s.throttle = t
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Server exposes the aggregation engine over HTTP.
type Server struct {
	aggregator   Aggregator
	summarizer   Summarizer
	records      RecordReader
	queryLog     QueryLogger
	logger       logSDK.Logger
	allowedHosts []string
	throttle     *throttle.Throttle
	clock        func() time.Time
	engine       *gin.Engine
}

// NewServer builds the gin engine and registers every route.
func NewServer(aggregator Aggregator, opts ...Option) (*Server, error) {
	if aggregator == nil {
		return nil, errors.New("aggregator is required")
	}

	s := &Server{
		aggregator: aggregator,
		logger:     logSDK.Shared.Named("web"),
		clock:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.engine = gin.New()
	s.engine.ContextWithFallback = true
	s.engine.Use(
		gin.Recovery(),
		gmw.NewLoggerMiddleware(
			gmw.WithLogger(s.logger.Named("gin")),
		),
		newCORSMiddleware(s.allowedHosts),
	)
	s.registerRoutes()

	return s, nil
}

// Handler returns the http handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.Any("/health", func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "hello, world")
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api/v1")
	if s.throttle != nil {
		api.Use(s.throttleMiddleware)
	}
	api.POST("/search/papers", s.searchPapers)
	api.GET("/search/history", s.searchHistory)
	api.POST("/discussions/search", s.searchDiscussions)
	api.GET("/discussions/sentiment/:id", s.discussionSentiment)
	api.POST("/trends/analyze", s.analyzeTrends)
	api.GET("/trends/historical/:keyword", s.historicalTrends)
	api.POST("/summary/generate", s.generateSummary)
	api.POST("/summary/stream", s.streamSummary)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on http", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server exit")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) throttleMiddleware(ctx *gin.Context) {
	if !s.throttle.Allow(ctx.ClientIP()) {
		ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
		return
	}
	ctx.Next()
}

// loggerFromContext prefers the request scoped logger installed by the middleware.
func (s *Server) loggerFromContext(ctx *gin.Context) logSDK.Logger {
	if logger := gmw.GetLogger(ctx); logger != nil {
		return logger
	}
	return s.logger
}

// abortWithError maps typed engine errors onto HTTP statuses.
func (s *Server) abortWithError(ctx *gin.Context, err error) {
	kind := search.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case search.ErrKindConfiguration:
		status = http.StatusBadRequest
	case search.ErrKindGeneration:
		status = http.StatusBadGateway
	case search.ErrKindUnavailable:
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.loggerFromContext(ctx).Error("request failed", zap.Error(err))
	}
	ctx.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Kind: string(kind)})
}

func badRequest(ctx *gin.Context, format string, args ...any) {
	err := search.NewConfigurationError(format, args...)
	ctx.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
		Error: err.Error(),
		Kind:  string(search.ErrKindConfiguration),
	})
}

// logQuery hands a served query to the query log. A full buffer drops the entry.
func (s *Server) logQuery(ctx *gin.Context, mode string, result *search.AggregatedResult, started time.Time) {
	if s.queryLog == nil || result == nil {
		return
	}

	input := querylog.RecordInput{
		Query:        result.Query.Text,
		Mode:         mode,
		Providers:    result.Order,
		ResultsCount: len(result.Records),
		Succeeded:    result.Succeeded(),
		Duration:     s.clock().Sub(started),
		FromCache:    result.FromCache,
	}
	if err := s.queryLog.Submit(input); err != nil {
		s.loggerFromContext(ctx).Warn("drop query log entry", zap.Error(err), zap.String("mode", mode))
	}
}

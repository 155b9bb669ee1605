// Package httpx is the outbound HTTP plumbing shared by every provider adapter:
// request logging, rate limiting, circuit breaking and status classification.
package httpx

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/Laisky/research-aggregator/library/log"
	"github.com/Laisky/research-aggregator/library/metrics"
	"github.com/Laisky/research-aggregator/library/search"
)

const (
	defaultTimeout = 10 * time.Second
	// logBodyLimit caps the number of response bytes logged for debugging.
	logBodyLimit = 4096
	// maxBodyBytes caps how much of a response body is read into memory.
	maxBodyBytes = 8 << 20

	defaultBreakerMaxRequests = 3
	defaultBreakerInterval    = time.Minute
	defaultBreakerTimeout     = 30 * time.Second
	defaultBreakerFailures    = 5
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithLogger overrides the logger used when no contextual logger is present.
func WithLogger(logger logSDK.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRateLimit throttles outgoing requests to rps with the given burst.
// A non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBreaker tunes the circuit breaker: it opens after failures consecutive
// failures and probes again after timeout.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(c *Client) {
		if failures > 0 {
			c.breakerFailures = failures
		}
		if timeout > 0 {
			c.breakerTimeout = timeout
		}
	}
}

// WithUserAgent sets the User-Agent header of every request.
func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(userAgent); trimmed != "" {
			c.userAgent = trimmed
		}
	}
}

// Client performs provider requests. One Client belongs to exactly one provider.
type Client struct {
	name            string
	http            *http.Client
	limiter         *rate.Limiter
	breaker         *gobreaker.CircuitBreaker[[]byte]
	breakerFailures uint32
	breakerTimeout  time.Duration
	userAgent       string
	logger          logSDK.Logger
}

// New constructs a Client for the named provider.
func New(name string, opts ...Option) *Client {
	c := &Client{
		name:            name,
		http:            &http.Client{Timeout: defaultTimeout},
		breakerFailures: defaultBreakerFailures,
		breakerTimeout:  defaultBreakerTimeout,
		userAgent:       "research-aggregator/1.0",
		logger:          log.Logger.Named(name),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	breakerName := "provider-" + name
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	failures := c.breakerFailures
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: defaultBreakerMaxRequests,
		Interval:    defaultBreakerInterval,
		Timeout:     c.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("circuit breaker state transition",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return c
}

// Name returns the provider the client belongs to.
func (c *Client) Name() string {
	return c.name
}

// Get issues a GET to endpoint with params merged into its query string.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values, headers map[string]string) ([]byte, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, search.NewConfigurationError("invalid %s endpoint %q", c.name, endpoint)
	}

	query := parsed.Query()
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	parsed.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s request", c.name)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return c.Do(ctx, req)
}

// Do sends req through the rate limiter and circuit breaker and returns the body of a
// 2xx response. Non-2xx responses become transport errors carrying the status code.
// The response body is always closed before Do returns.
func (c *Client) Do(ctx context.Context, req *http.Request) ([]byte, error) {
	if c.limiter != nil {
		// Wait fails early when the next token would arrive after the ctx deadline.
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, search.NewTimeoutError(err, "wait "+c.name+" rate limiter")
		}
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.send(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, search.NewUnavailableError(errors.Wrapf(err, "%s circuit breaker", c.name))
		}
		return nil, err
	}

	return body, nil
}

func (c *Client) send(ctx context.Context, req *http.Request) ([]byte, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	logger := c.loggerFromContext(ctx)
	logger.Debug("outgoing http request",
		zap.String("method", req.Method),
		zap.String("url", redactURL(req.URL)))

	startAt := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "send %s request", c.name)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s response body", c.name)
	}

	truncatedBody, truncated := truncateForLog(body, logBodyLimit)
	logger.Debug("incoming http response",
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncatedBody),
		zap.Bool("body_truncated", truncated),
		zap.Duration("cost", time.Since(startAt)))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, search.NewTransportError(resp.StatusCode, truncatedBody)
	}

	return body, nil
}

func (c *Client) loggerFromContext(ctx context.Context) logSDK.Logger {
	if ctx != nil {
		if ctxLogger := gmw.GetLogger(ctx); ctxLogger != nil {
			return ctxLogger.Named(c.name)
		}
	}
	return c.logger
}

// isBreakerSuccess decides which errors count against the provider's health.
// Client errors other than 429 and caller cancellation are not the provider's fault.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}

	var typed *search.Error
	if errors.As(err, &typed) && typed.Kind == search.ErrKindTransport && typed.StatusCode != 0 {
		return typed.StatusCode < http.StatusInternalServerError && typed.StatusCode != http.StatusTooManyRequests
	}
	return false
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// redactURL hides credentials passed as query parameters.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clone := *u
	query := clone.Query()
	for _, key := range []string{"api_key", "apikey", "key", "token"} {
		if query.Has(key) {
			query.Set(key, "***")
		}
	}
	clone.RawQuery = query.Encode()
	return clone.String()
}

// truncateForLog limits the payload logged for debugging and reports whether truncation occurred.
func truncateForLog(body []byte, limit int) (string, bool) {
	if len(body) <= limit {
		return string(body), false
	}
	return string(body[:limit]), true
}

// Package serptrends reads Google Trends interest over time through SerpApi.
package serptrends

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/research-aggregator/library/log"
	"github.com/Laisky/research-aggregator/library/search"
	"github.com/Laisky/research-aggregator/library/search/httpx"
)

const (
	defaultEndpoint  = "https://serpapi.com/search.json"
	defaultTimeframe = "12m"
	defaultGeo       = "US"
	// maxRelatedQueries caps how many related queries are attached to the latest point.
	maxRelatedQueries = 10
)

// timeframes maps short timeframe names onto Google Trends date expressions.
// Unknown timeframes are passed through verbatim so callers can use native expressions.
var timeframes = map[string]string{
	"1h":  "now 1-H",
	"4h":  "now 4-H",
	"1d":  "now 1-d",
	"7d":  "now 7-d",
	"1m":  "today 1-m",
	"3m":  "today 3-m",
	"12m": "today 12-m",
	"5y":  "today 5-y",
	"all": "all",
}

// Option configures the Provider.
type Option func(*Provider)

// WithEndpoint overrides the SerpApi endpoint, primarily for testing.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			p.endpoint = trimmed
		}
	}
}

// WithClient overrides the HTTP plumbing.
func WithClient(client *httpx.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithLogger overrides the default logger used when no contextual logger is present.
func WithLogger(logger logSDK.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRelatedQueries issues an extra RELATED_QUERIES request per fetch and attaches
// the top queries to the most recent point.
func WithRelatedQueries(enabled bool) Option {
	return func(p *Provider) {
		p.relatedQueries = enabled
	}
}

// Provider emits the interest-over-time series of a keyword as search.TrendPoint records.
type Provider struct {
	apiKey         string
	endpoint       string
	relatedQueries bool
	client         *httpx.Client
	logger         logSDK.Logger
}

// New constructs a SerpApi backed trend provider. apiKey must be non-empty at fetch time.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: defaultEndpoint,
		logger:   log.Logger.Named("serp_trends"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.client == nil {
		p.client = httpx.New(search.ProviderGoogleTrends)
	}
	return p
}

// Name implements search.Provider.
func (p *Provider) Name() string {
	return search.ProviderGoogleTrends
}

// Kind implements search.Provider.
func (p *Provider) Kind() search.RecordKind {
	return search.KindTrend
}

// Fetch returns the time series of query.Text. The limit keeps the most recent points.
func (p *Provider) Fetch(ctx context.Context, query search.Query, limit int) ([]search.RawRecord, error) {
	if p.apiKey == "" {
		return nil, search.NewConfigurationError("serp trends api key is not configured")
	}
	keyword := strings.TrimSpace(query.Text)

	var payload timeseriesResponse
	if err := p.call(ctx, p.params(keyword, query.Modifiers, "TIMESERIES"), &payload); err != nil {
		return nil, err
	}

	points := make([]search.TrendPoint, 0, len(payload.InterestOverTime.TimelineData))
	for _, raw := range payload.InterestOverTime.TimelineData {
		var sample timelineSample
		if err := json.Unmarshal(raw, &sample); err != nil {
			continue
		}
		point, ok := sample.point(keyword)
		if !ok {
			continue
		}
		points = append(points, point)
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].At.Before(points[j].At)
	})
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}

	if p.relatedQueries && len(points) > 0 {
		points[len(points)-1].RelatedQueries = p.fetchRelated(ctx, keyword, query.Modifiers)
	}

	records := make([]search.RawRecord, 0, len(points))
	for _, point := range points {
		records = append(records, point)
	}
	return records, nil
}

// fetchRelated is best effort: the series stays valid when related queries are unavailable.
func (p *Provider) fetchRelated(ctx context.Context, keyword string, modifiers search.Modifiers) []string {
	var payload relatedResponse
	if err := p.call(ctx, p.params(keyword, modifiers, "RELATED_QUERIES"), &payload); err != nil {
		p.loggerFromContext(ctx).Warn("fetch related queries", zap.String("keyword", keyword), zap.Error(err))
		return nil
	}

	related := make([]string, 0, maxRelatedQueries)
	seen := map[string]struct{}{}
	for _, group := range [][]relatedQuery{payload.RelatedQueries.Top, payload.RelatedQueries.Rising} {
		for _, item := range group {
			q := strings.TrimSpace(item.Query)
			if q == "" {
				continue
			}
			if _, dup := seen[q]; dup {
				continue
			}
			seen[q] = struct{}{}
			related = append(related, q)
			if len(related) == maxRelatedQueries {
				return related
			}
		}
	}
	return related
}

func (p *Provider) params(keyword string, modifiers search.Modifiers, dataType string) url.Values {
	params := url.Values{}
	params.Set("engine", "google_trends")
	params.Set("q", keyword)
	params.Set("data_type", dataType)
	params.Set("date", TimeframeExpression(modifiers.Timeframe))
	geo := strings.ToUpper(strings.TrimSpace(modifiers.Geo))
	if geo == "" {
		geo = defaultGeo
	}
	params.Set("geo", geo)
	params.Set("api_key", p.apiKey)
	return params
}

func (p *Provider) call(ctx context.Context, params url.Values, out any) error {
	body, err := p.client.Get(ctx, p.endpoint, params, map[string]string{"Accept": "application/json"})
	if err != nil {
		return errors.Wrap(err, "query serp google trends")
	}

	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return search.NewParseError(err, "unmarshal serp google trends response")
	}
	if envelope.Error != "" {
		return errors.Errorf("serp google trends reported error: %s", envelope.Error)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return search.NewParseError(err, "unmarshal serp google trends payload")
	}
	return nil
}

func (p *Provider) loggerFromContext(ctx context.Context) logSDK.Logger {
	if ctx != nil {
		if ctxLogger := gmw.GetLogger(ctx); ctxLogger != nil {
			return ctxLogger.Named("serp_trends")
		}
	}
	return p.logger
}

// TimeframeExpression converts a short timeframe into a Google Trends date expression.
func TimeframeExpression(timeframe string) string {
	trimmed := strings.TrimSpace(timeframe)
	if trimmed == "" {
		trimmed = defaultTimeframe
	}
	if expr, ok := timeframes[strings.ToLower(trimmed)]; ok {
		return expr
	}
	return trimmed
}

type timeseriesResponse struct {
	InterestOverTime struct {
		TimelineData []json.RawMessage `json:"timeline_data"`
	} `json:"interest_over_time"`
}

type timelineSample struct {
	Date      string        `json:"date"`
	Timestamp string        `json:"timestamp"`
	Values    []sampleValue `json:"values"`
}

type sampleValue struct {
	Query          string   `json:"query"`
	Value          string   `json:"value"`
	ExtractedValue *float64 `json:"extracted_value"`
}

// point converts a sample into a TrendPoint, skipping samples without a usable
// timestamp or value.
func (s timelineSample) point(keyword string) (search.TrendPoint, bool) {
	seconds, err := strconv.ParseInt(strings.TrimSpace(s.Timestamp), 10, 64)
	if err != nil || seconds <= 0 || len(s.Values) == 0 {
		return search.TrendPoint{}, false
	}

	value := s.Values[0]
	for _, candidate := range s.Values {
		if strings.EqualFold(strings.TrimSpace(candidate.Query), keyword) {
			value = candidate
			break
		}
	}

	var extracted float64
	switch {
	case value.ExtractedValue != nil:
		extracted = *value.ExtractedValue
	default:
		parsed, err := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(value.Value), "<"), 64)
		if err != nil {
			return search.TrendPoint{}, false
		}
		extracted = parsed
	}

	return search.TrendPoint{
		Keyword: keyword,
		At:      time.Unix(seconds, 0).UTC(),
		Value:   extracted,
	}, true
}

type relatedResponse struct {
	RelatedQueries struct {
		Top    []relatedQuery `json:"top"`
		Rising []relatedQuery `json:"rising"`
	} `json:"related_queries"`
}

type relatedQuery struct {
	Query string `json:"query"`
	Value string `json:"value"`
}

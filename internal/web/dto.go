package web

import (
	"time"

	"github.com/Laisky/research-aggregator/internal/library/querylog"
	"github.com/Laisky/research-aggregator/library/search"
)

// SearchRequest is the body of POST /search/papers.
type SearchRequest struct {
	Query   string   `json:"query"`
	Sources []string `json:"sources"`
	Limit   int      `json:"limit"`
}

// SearchResponse is the answer of a paper search.
type SearchResponse struct {
	Query           string                           `json:"query"`
	Results         []search.CanonicalRecord         `json:"results"`
	TotalCount      int                              `json:"total_count"`
	SourcesSearched []string                         `json:"sources_searched"`
	Statuses        map[string]search.ProviderStatus `json:"statuses"`
	FromCache       bool                             `json:"from_cache"`
}

// DiscussionRequest is the body of POST /discussions/search.
type DiscussionRequest struct {
	Query   string   `json:"query"`
	Sources []string `json:"sources"`
	Limit   int      `json:"limit"`
	SortBy  string   `json:"sort_by"`
}

// DiscussionResponse is the answer of a discussion search.
type DiscussionResponse struct {
	Query       string                           `json:"query"`
	Discussions []search.CanonicalRecord         `json:"discussions"`
	TotalCount  int                              `json:"total_count"`
	Sources     []string                         `json:"sources"`
	Statuses    map[string]search.ProviderStatus `json:"statuses"`
	FromCache   bool                             `json:"from_cache"`
}

// SentimentResponse is the answer of GET /discussions/sentiment/:id.
type SentimentResponse struct {
	DiscussionID string   `json:"discussion_id"`
	Sentiment    *float64 `json:"sentiment"`
}

// TrendsRequest is the body of POST /trends/analyze.
type TrendsRequest struct {
	Keywords  []string `json:"keywords"`
	Timeframe string   `json:"timeframe"`
	Geo       string   `json:"geo"`
}

// TrendPoint is one sample of a keyword's interest.
type TrendPoint struct {
	Date           time.Time `json:"date"`
	Value          float64   `json:"value"`
	Provider       string    `json:"provider"`
	RelatedQueries []string  `json:"related_queries,omitempty"`
}

// TrendsResponse is the answer of a trend analysis.
type TrendsResponse struct {
	Keywords    []string                                    `json:"keywords"`
	Timeframe   string                                      `json:"timeframe"`
	Geo         string                                      `json:"geo"`
	Data        map[string][]TrendPoint                     `json:"data"`
	Statuses    map[string]map[string]search.ProviderStatus `json:"statuses"`
	GeneratedAt time.Time                                   `json:"generated_at"`
}

// HistoricalTrendsResponse is the answer of GET /trends/historical/:keyword.
type HistoricalTrendsResponse struct {
	Keyword string       `json:"keyword"`
	Period  string       `json:"period"`
	Data    []TrendPoint `json:"data"`
}

// SummaryRequest is the body of both summary endpoints.
type SummaryRequest struct {
	Query       string   `json:"query"`
	Sources     []string `json:"sources"`
	Limit       int      `json:"limit"`
	SummaryType string   `json:"summary_type"`
	ELI5Mode    bool     `json:"eli5_mode"`
}

// SummaryResponse is the answer of POST /summary/generate.
type SummaryResponse struct {
	Query           string                           `json:"query"`
	Summary         string                           `json:"summary"`
	Sources         []string                         `json:"sources"`
	ConfidenceScore float64                          `json:"confidence_score"`
	ELI5Version     *string                          `json:"eli5_version"`
	SummaryType     string                           `json:"summary_type"`
	Statuses        map[string]search.ProviderStatus `json:"statuses"`
	GeneratedAt     time.Time                        `json:"generated_at"`
}

// HistoryResponse is the answer of GET /search/history.
type HistoryResponse struct {
	Entries []querylog.Entry `json:"entries"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func trendPoints(records []search.CanonicalRecord) []TrendPoint {
	points := make([]TrendPoint, 0, len(records))
	for _, record := range records {
		if record.PublishedAt == nil || record.TrendValue == nil {
			continue
		}
		points = append(points, TrendPoint{
			Date:           *record.PublishedAt,
			Value:          *record.TrendValue,
			Provider:       record.Provider,
			RelatedQueries: record.RelatedQueries,
		})
	}
	return points
}

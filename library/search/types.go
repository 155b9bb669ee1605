package search

import "time"

// RecordKind distinguishes the shape of records a provider emits.
type RecordKind string

const (
	// KindPaper marks academic publications.
	KindPaper RecordKind = "paper"
	// KindDiscussion marks social threads.
	KindDiscussion RecordKind = "discussion"
	// KindTrend marks timestamped interest values.
	KindTrend RecordKind = "trend"
)

// Registered provider identifiers.
const (
	ProviderSemanticScholar = "semantic_scholar"
	ProviderArxiv           = "arxiv"
	ProviderPubMed          = "pubmed"
	ProviderReddit          = "reddit"
	ProviderGoogleTrends    = "google_trends"
)

// Modifiers carries the mode specific knobs of a query.
type Modifiers struct {
	// SortBy orders discussion threads, e.g. relevance, hot, top, new, comments.
	SortBy string `json:"sort_by,omitempty"`
	// Timeframe selects the trend window, e.g. 7d, 1m, 3m, 12m, 5y.
	Timeframe string `json:"timeframe,omitempty"`
	// Geo is the trend region code, e.g. US.
	Geo string `json:"geo,omitempty"`
	// SummaryType selects the synthesis style.
	SummaryType string `json:"summary_type,omitempty"`
	// Simplify requests an additional explain-simply summary.
	Simplify bool `json:"simplify,omitempty"`
}

// Query is one logical aggregation request.
// It is treated as a value and never mutated once validated.
type Query struct {
	Text      string    `json:"text"`
	Providers []string  `json:"providers"`
	Limit     int       `json:"limit"`
	Modifiers Modifiers `json:"modifiers"`
}

// RawRecord is a provider-native item before normalization.
// The set of implementations is closed: Paper, Discussion and TrendPoint.
type RawRecord interface {
	isRawRecord()
}

// Paper is an academic publication as reported by a paper index.
type Paper struct {
	ID          string
	Title       string
	Abstract    string
	Authors     []string
	URL         string
	Citations   int64
	PublishedAt *time.Time
	Venue       string
}

// Discussion is a ranked social thread with engagement counts.
type Discussion struct {
	ID        string
	Title     string
	Body      string
	Author    string
	URL       string
	Score     int64
	Comments  int64
	CreatedAt *time.Time
	Community string
}

// TrendPoint is one sample of a trend time series.
type TrendPoint struct {
	Keyword        string
	At             time.Time
	Value          float64
	RelatedQueries []string
}

func (Paper) isRawRecord()      {}
func (Discussion) isRawRecord() {}
func (TrendPoint) isRawRecord() {}

// ProviderRecords groups the raw records produced by a single provider.
type ProviderRecords struct {
	Provider string
	Records  []RawRecord
}

// CanonicalRecord is the provider agnostic shape every raw record is normalized into.
// Optional fields are nil or empty when the provider did not report them.
type CanonicalRecord struct {
	Key            string     `json:"key"`
	Provider       string     `json:"provider"`
	Kind           RecordKind `json:"kind"`
	ExternalID     string     `json:"external_id,omitempty"`
	Title          string     `json:"title"`
	Body           *string    `json:"body"`
	Authors        []string   `json:"authors"`
	URL            string     `json:"url"`
	Popularity     int64      `json:"popularity"`
	Comments       int64      `json:"comments,omitempty"`
	Sentiment      *float64   `json:"sentiment"`
	PublishedAt    *time.Time `json:"published_at"`
	TrendValue     *float64   `json:"trend_value,omitempty"`
	RelatedQueries []string   `json:"related_queries,omitempty"`
}

// Outcome is the settled result of invoking one provider.
// Exactly one of Records or Err is meaningful.
type Outcome struct {
	Provider string
	Records  []RawRecord
	Err      *Error
	Elapsed  time.Duration
}

// Success builds a successful outcome.
func Success(provider string, records []RawRecord) Outcome {
	return Outcome{Provider: provider, Records: records}
}

// Failure builds a failed outcome.
func Failure(provider string, err *Error) Outcome {
	return Outcome{Provider: provider, Err: err}
}

// OK reports whether the provider succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// ProviderStatus is the per-provider entry of the status map.
type ProviderStatus struct {
	OK         bool      `json:"ok"`
	Count      int       `json:"count"`
	Kind       ErrorKind `json:"error_kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	ElapsedMS  int64     `json:"elapsed_ms"`
}

// AggregatedResult is the merged, deduplicated and capped answer to a query.
type AggregatedResult struct {
	Query     Query                     `json:"query"`
	Records   []CanonicalRecord         `json:"records"`
	Statuses  map[string]ProviderStatus `json:"statuses"`
	Order     []string                  `json:"order"`
	FromCache bool                      `json:"from_cache"`
}

// Requested returns how many providers were asked.
func (r *AggregatedResult) Requested() int {
	return len(r.Order)
}

// Succeeded returns how many providers produced a successful outcome.
func (r *AggregatedResult) Succeeded() int {
	return len(r.SucceededProviders())
}

// SucceededProviders lists successful providers in registration order.
func (r *AggregatedResult) SucceededProviders() []string {
	succeeded := make([]string, 0, len(r.Order))
	for _, name := range r.Order {
		if r.Statuses[name].OK {
			succeeded = append(succeeded, name)
		}
	}
	return succeeded
}

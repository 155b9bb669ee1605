// Package semanticscholar adapts the Semantic Scholar Graph API paper search.
package semanticscholar

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/Laisky/research-aggregator/library/search"
	"github.com/Laisky/research-aggregator/library/search/httpx"
)

const (
	defaultBaseURL = "https://api.semanticscholar.org"
	searchPath     = "/graph/v1/paper/search"
	searchFields   = "paperId,title,abstract,authors,year,citationCount,url,publicationDate,venue"
	// maxLimit is the largest page the search endpoint accepts.
	maxLimit = 100
)

// Option configures the Provider.
type Option func(*Provider)

// WithBaseURL overrides the API host, primarily for testing.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			p.baseURL = trimmed
		}
	}
}

// WithAPIKey sets the optional x-api-key header that raises rate limits.
func WithAPIKey(apiKey string) Option {
	return func(p *Provider) {
		p.apiKey = strings.TrimSpace(apiKey)
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

// Provider searches Semantic Scholar and emits search.Paper records.
type Provider struct {
	baseURL string
	apiKey  string
	client  *httpx.Client
}

// New constructs the provider.
func New(opts ...Option) *Provider {
	p := &Provider{baseURL: defaultBaseURL}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.client == nil {
		p.client = httpx.New(search.ProviderSemanticScholar)
	}
	return p
}

// Name implements search.Provider.
func (p *Provider) Name() string {
	return search.ProviderSemanticScholar
}

// Kind implements search.Provider.
func (p *Provider) Kind() search.RecordKind {
	return search.KindPaper
}

// Fetch implements search.Provider.
func (p *Provider) Fetch(ctx context.Context, query search.Query, limit int) ([]search.RawRecord, error) {
	if limit > maxLimit {
		limit = maxLimit
	}

	params := url.Values{}
	params.Set("query", query.Text)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("fields", searchFields)

	headers := map[string]string{"Accept": "application/json"}
	if p.apiKey != "" {
		headers["x-api-key"] = p.apiKey
	}

	body, err := p.client.Get(ctx, p.baseURL+searchPath, params, headers)
	if err != nil {
		return nil, errors.Wrap(err, "search semantic scholar")
	}

	var payload searchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, search.NewParseError(err, "unmarshal semantic scholar response")
	}

	records := make([]search.RawRecord, 0, len(payload.Data))
	for _, raw := range payload.Data {
		var item paperItem
		if err := json.Unmarshal(raw, &item); err != nil {
			// a malformed entry is skipped, its siblings are kept
			continue
		}
		if strings.TrimSpace(item.PaperID) == "" || strings.TrimSpace(item.Title) == "" {
			continue
		}

		authors := make([]string, 0, len(item.Authors))
		for _, author := range item.Authors {
			authors = append(authors, author.Name)
		}

		link := item.URL
		if link == "" {
			link = "https://www.semanticscholar.org/paper/" + item.PaperID
		}

		records = append(records, search.Paper{
			ID:          item.PaperID,
			Title:       item.Title,
			Abstract:    item.Abstract,
			Authors:     authors,
			URL:         link,
			Citations:   item.CitationCount,
			PublishedAt: publishedAt(item.PublicationDate, item.Year),
			Venue:       item.Venue,
		})
		if len(records) >= limit {
			break
		}
	}

	return records, nil
}

func publishedAt(date string, year int) *time.Time {
	if parsed, err := time.Parse(time.DateOnly, strings.TrimSpace(date)); err == nil {
		return &parsed
	}
	if year > 0 {
		t := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		return &t
	}
	return nil
}

// searchResponse models the subset of fields required from the paper search response.
type searchResponse struct {
	Total int               `json:"total"`
	Data  []json.RawMessage `json:"data"`
}

type paperItem struct {
	PaperID         string        `json:"paperId"`
	Title           string        `json:"title"`
	Abstract        string        `json:"abstract"`
	Authors         []paperAuthor `json:"authors"`
	Year            int           `json:"year"`
	CitationCount   int64         `json:"citationCount"`
	URL             string        `json:"url"`
	PublicationDate string        `json:"publicationDate"`
	Venue           string        `json:"venue"`
}

type paperAuthor struct {
	AuthorID string `json:"authorId"`
	Name     string `json:"name"`
}

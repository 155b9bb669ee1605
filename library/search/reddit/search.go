// Package reddit adapts the public Reddit search listing as a discussion source.
package reddit

import (
	"context"
	"encoding/json"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/Laisky/research-aggregator/library/search"
	"github.com/Laisky/research-aggregator/library/search/httpx"
)

const (
	defaultBaseURL = "https://www.reddit.com"
	searchPath     = "/search.json"
	siteURL        = "https://www.reddit.com"
	defaultSort    = "relevance"
	// maxLimit is the largest listing page Reddit serves.
	maxLimit = 100
)

var allowedSorts = map[string]struct{}{
	"relevance": {}, "hot": {}, "top": {}, "new": {}, "comments": {},
}

// SupportedSort reports whether sort is a listing order the search endpoint accepts.
func SupportedSort(sort string) bool {
	_, ok := allowedSorts[strings.ToLower(strings.TrimSpace(sort))]
	return ok
}

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

// WithClient overrides the HTTP plumbing.
func WithClient(client *httpx.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.client = client
		}
	}
}

// Provider searches Reddit threads and emits search.Discussion records.
type Provider struct {
	baseURL string
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
		p.client = httpx.New(search.ProviderReddit)
	}
	return p
}

// Name implements search.Provider.
func (p *Provider) Name() string {
	return search.ProviderReddit
}

// Kind implements search.Provider.
func (p *Provider) Kind() search.RecordKind {
	return search.KindDiscussion
}

// Fetch implements search.Provider. Unknown sort modifiers fall back to relevance.
func (p *Provider) Fetch(ctx context.Context, query search.Query, limit int) ([]search.RawRecord, error) {
	if limit > maxLimit {
		limit = maxLimit
	}

	sort := strings.ToLower(strings.TrimSpace(query.Modifiers.SortBy))
	if _, ok := allowedSorts[sort]; !ok {
		sort = defaultSort
	}

	params := url.Values{}
	params.Set("q", query.Text)
	params.Set("sort", sort)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("type", "link")
	params.Set("raw_json", "1")

	body, err := p.client.Get(ctx, p.baseURL+searchPath, params, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, errors.Wrap(err, "search reddit")
	}

	var payload listing
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, search.NewParseError(err, "unmarshal reddit listing")
	}
	if payload.Kind != "Listing" {
		return nil, search.NewParseError(errors.Errorf("unexpected kind %q", payload.Kind), "validate reddit listing")
	}

	records := make([]search.RawRecord, 0, len(payload.Data.Children))
	for _, raw := range payload.Data.Children {
		var child listingChild
		if err := json.Unmarshal(raw, &child); err != nil {
			continue
		}
		if child.Kind != "t3" {
			continue
		}
		post := child.Data
		if strings.TrimSpace(post.ID) == "" || strings.TrimSpace(post.Title) == "" {
			continue
		}

		id := post.Name
		if id == "" {
			id = "t3_" + post.ID
		}

		body := post.SelftextHTML
		if body == "" {
			body = post.Selftext
		}

		records = append(records, search.Discussion{
			ID:        id,
			Title:     post.Title,
			Body:      body,
			Author:    post.Author,
			URL:       permalink(post),
			Score:     post.Score,
			Comments:  post.NumComments,
			CreatedAt: createdAt(post.CreatedUTC),
			Community: post.Subreddit,
		})
		if len(records) >= limit {
			break
		}
	}

	return records, nil
}

func permalink(post post) string {
	if strings.HasPrefix(post.Permalink, "/") {
		return siteURL + post.Permalink
	}
	if post.Permalink != "" {
		return post.Permalink
	}
	return post.URL
}

func createdAt(epoch float64) *time.Time {
	if epoch <= 0 {
		return nil
	}
	seconds, fraction := math.Modf(epoch)
	t := time.Unix(int64(seconds), int64(fraction*1e9)).UTC()
	return &t
}

type listing struct {
	Kind string `json:"kind"`
	Data struct {
		Children []json.RawMessage `json:"children"`
		After    string            `json:"after"`
	} `json:"data"`
}

type listingChild struct {
	Kind string `json:"kind"`
	Data post   `json:"data"`
}

type post struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Title        string  `json:"title"`
	Selftext     string  `json:"selftext"`
	SelftextHTML string  `json:"selftext_html"`
	Author       string  `json:"author"`
	Permalink    string  `json:"permalink"`
	URL          string  `json:"url"`
	Score        int64   `json:"score"`
	NumComments  int64   `json:"num_comments"`
	CreatedUTC   float64 `json:"created_utc"`
	Subreddit    string  `json:"subreddit"`
}

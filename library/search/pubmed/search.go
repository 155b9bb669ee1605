// Package pubmed adapts the NCBI E-utilities esearch and esummary endpoints.
package pubmed

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
	defaultBaseURL = "https://eutils.ncbi.nlm.nih.gov"
	esearchPath    = "/entrez/eutils/esearch.fcgi"
	esummaryPath   = "/entrez/eutils/esummary.fcgi"
	articleURL     = "https://pubmed.ncbi.nlm.nih.gov/"
	maxLimit       = 200
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

// WithAPIKey sets the NCBI api_key parameter.
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

// Provider searches PubMed and emits search.Paper records.
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
		p.client = httpx.New(search.ProviderPubMed)
	}
	return p
}

// Name implements search.Provider.
func (p *Provider) Name() string {
	return search.ProviderPubMed
}

// Kind implements search.Provider.
func (p *Provider) Kind() search.RecordKind {
	return search.KindPaper
}

// Fetch resolves matching PubMed ids with esearch, then their metadata with esummary.
func (p *Provider) Fetch(ctx context.Context, query search.Query, limit int) ([]search.RawRecord, error) {
	if limit > maxLimit {
		limit = maxLimit
	}

	ids, err := p.searchIDs(ctx, query.Text, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []search.RawRecord{}, nil
	}

	params := p.baseParams()
	params.Set("id", strings.Join(ids, ","))
	body, err := p.client.Get(ctx, p.baseURL+esummaryPath, params, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, errors.Wrap(err, "pubmed esummary")
	}

	var payload esummaryResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, search.NewParseError(err, "unmarshal pubmed esummary response")
	}

	order := payload.Result.UIDs
	if len(order) == 0 {
		order = ids
	}

	records := make([]search.RawRecord, 0, len(order))
	for _, uid := range order {
		raw, ok := payload.Result.Items[uid]
		if !ok {
			continue
		}

		var item summaryItem
		if err := json.Unmarshal(raw, &item); err != nil {
			// one malformed summary must not discard the rest
			continue
		}
		if strings.TrimSpace(item.Title) == "" {
			continue
		}

		authors := make([]string, 0, len(item.Authors))
		for _, author := range item.Authors {
			authors = append(authors, author.Name)
		}

		records = append(records, search.Paper{
			ID:          uid,
			Title:       item.Title,
			Authors:     authors,
			URL:         articleURL + uid + "/",
			PublishedAt: parsePubDate(item.SortPubDate, item.PubDate),
			Venue:       item.FullJournalName,
		})
	}

	return records, nil
}

func (p *Provider) searchIDs(ctx context.Context, term string, limit int) ([]string, error) {
	params := p.baseParams()
	params.Set("term", term)
	params.Set("retmax", strconv.Itoa(limit))
	params.Set("sort", "relevance")

	body, err := p.client.Get(ctx, p.baseURL+esearchPath, params, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, errors.Wrap(err, "pubmed esearch")
	}

	var payload esearchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, search.NewParseError(err, "unmarshal pubmed esearch response")
	}
	if payload.ESearchResult.ErrorList != nil {
		return nil, search.NewParseError(errors.New("esearch returned an error list"), "pubmed esearch")
	}

	return payload.ESearchResult.IDList, nil
}

func (p *Provider) baseParams() url.Values {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("retmode", "json")
	if p.apiKey != "" {
		params.Set("api_key", p.apiKey)
	}
	return params
}

// parsePubDate prefers the machine readable sortpubdate ("2021/03/04 00:00")
// and falls back to the leading year of pubdate ("2021 Mar 4").
func parsePubDate(sortPubDate, pubDate string) *time.Time {
	if parsed, err := time.Parse("2006/01/02 15:04", strings.TrimSpace(sortPubDate)); err == nil {
		return &parsed
	}

	fields := strings.Fields(pubDate)
	if len(fields) > 0 {
		if year, err := strconv.Atoi(fields[0]); err == nil && year > 0 {
			t := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
			return &t
		}
	}
	return nil
}

type esearchResponse struct {
	ESearchResult struct {
		Count     string          `json:"count"`
		IDList    []string        `json:"idlist"`
		ErrorList json.RawMessage `json:"ERROR,omitempty"`
	} `json:"esearchresult"`
}

// esummaryResponse keeps items raw because the result object mixes the "uids"
// array with one object per uid.
type esummaryResponse struct {
	Result esummaryResult `json:"result"`
}

type esummaryResult struct {
	UIDs  []string
	Items map[string]json.RawMessage
}

func (r *esummaryResult) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "unmarshal esummary result")
	}

	r.Items = make(map[string]json.RawMessage, len(raw))
	for key, value := range raw {
		if key == "uids" {
			if err := json.Unmarshal(value, &r.UIDs); err != nil {
				return errors.Wrap(err, "unmarshal esummary uids")
			}
			continue
		}
		r.Items[key] = value
	}
	return nil
}

type summaryItem struct {
	UID             string          `json:"uid"`
	Title           string          `json:"title"`
	PubDate         string          `json:"pubdate"`
	SortPubDate     string          `json:"sortpubdate"`
	FullJournalName string          `json:"fulljournalname"`
	Authors         []summaryAuthor `json:"authors"`
}

type summaryAuthor struct {
	Name     string `json:"name"`
	AuthType string `json:"authtype"`
}

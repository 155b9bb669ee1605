// Package arxiv adapts the arXiv export API, which answers with an Atom feed.
package arxiv

import (
	"context"
	"encoding/xml"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/Laisky/research-aggregator/library/search"
	"github.com/Laisky/research-aggregator/library/search/httpx"
)

const (
	defaultBaseURL = "https://export.arxiv.org"
	queryPath      = "/api/query"
	atomNamespace  = "http://www.w3.org/2005/Atom"
	// maxLimit keeps a single page well below the API's hard cap of 2000.
	maxLimit = 200
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

// WithClient overrides the HTTP plumbing.
func WithClient(client *httpx.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.client = client
		}
	}
}

// Provider searches arXiv and emits search.Paper records.
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
		p.client = httpx.New(search.ProviderArxiv)
	}
	return p
}

// Name implements search.Provider.
func (p *Provider) Name() string {
	return search.ProviderArxiv
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
	params.Set("search_query", "all:"+query.Text)
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(limit))
	params.Set("sortBy", "relevance")

	body, err := p.client.Get(ctx, p.baseURL+queryPath, params,
		map[string]string{"Accept": "application/atom+xml"})
	if err != nil {
		return nil, errors.Wrap(err, "query arxiv")
	}

	entries, err := ParseFeed(body)
	if err != nil {
		return nil, err
	}

	records := make([]search.RawRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, entry.paper())
		if len(records) >= limit {
			break
		}
	}
	return records, nil
}

// Entry holds the fields extracted from one Atom entry, in extraction order.
type Entry struct {
	ID        string
	Title     string
	Summary   string
	Authors   []string
	Published *time.Time
	Updated   *time.Time
	Link      string
}

// ParseFeed decodes an arXiv Atom feed. Entries missing an id or title are skipped;
// a document that is not a well-formed Atom feed is a parse error.
func ParseFeed(body []byte) ([]Entry, error) {
	var doc feed
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, search.NewParseError(err, "unmarshal arxiv atom feed")
	}
	if doc.XMLName.Space != atomNamespace || doc.XMLName.Local != "feed" {
		return nil, search.NewParseError(
			errors.Errorf("unexpected root element {%s}%s", doc.XMLName.Space, doc.XMLName.Local),
			"validate arxiv atom feed")
	}

	entries := make([]Entry, 0, len(doc.Entries))
	for _, raw := range doc.Entries {
		id := strings.TrimSpace(raw.ID)
		title := strings.TrimSpace(raw.Title)
		if id == "" || title == "" {
			continue
		}

		authors := make([]string, 0, len(raw.Authors))
		for _, author := range raw.Authors {
			if name := strings.TrimSpace(author.Name); name != "" {
				authors = append(authors, name)
			}
		}

		link := id
		for _, candidate := range raw.Links {
			if candidate.Rel == "alternate" && strings.TrimSpace(candidate.Href) != "" {
				link = strings.TrimSpace(candidate.Href)
				break
			}
		}

		entries = append(entries, Entry{
			ID:        id,
			Title:     title,
			Summary:   strings.TrimSpace(raw.Summary),
			Authors:   authors,
			Published: parseTime(raw.Published),
			Updated:   parseTime(raw.Updated),
			Link:      link,
		})
	}

	return entries, nil
}

func (e Entry) paper() search.Paper {
	return search.Paper{
		ID:          ExternalID(e.ID),
		Title:       e.Title,
		Abstract:    e.Summary,
		Authors:     e.Authors,
		URL:         e.Link,
		PublishedAt: e.Published,
	}
}

// ExternalID reduces an entry id such as http://arxiv.org/abs/1706.03762v5 to 1706.03762.
func ExternalID(entryID string) string {
	id := strings.TrimSpace(entryID)
	if idx := strings.Index(id, "/abs/"); idx >= 0 {
		id = id[idx+len("/abs/"):]
	}
	if idx := strings.LastIndex(id, "v"); idx > 0 {
		if _, err := strconv.Atoi(id[idx+1:]); err == nil {
			id = id[:idx]
		}
	}
	return id
}

func parseTime(raw string) *time.Time {
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	return &parsed
}

type feed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []feedEntry `xml:"http://www.w3.org/2005/Atom entry"`
}

type feedEntry struct {
	ID        string       `xml:"http://www.w3.org/2005/Atom id"`
	Title     string       `xml:"http://www.w3.org/2005/Atom title"`
	Summary   string       `xml:"http://www.w3.org/2005/Atom summary"`
	Authors   []feedAuthor `xml:"http://www.w3.org/2005/Atom author"`
	Published string       `xml:"http://www.w3.org/2005/Atom published"`
	Updated   string       `xml:"http://www.w3.org/2005/Atom updated"`
	Links     []feedLink   `xml:"http://www.w3.org/2005/Atom link"`
}

type feedAuthor struct {
	Name string `xml:"http://www.w3.org/2005/Atom name"`
}

type feedLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

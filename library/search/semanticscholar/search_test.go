package semanticscholar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Laisky/research-aggregator/library/search"
)

func TestProviderFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, searchPath, r.URL.Path)
		require.Equal(t, "transformer models", r.URL.Query().Get("query"))
		require.Equal(t, "5", r.URL.Query().Get("limit"))
		require.Equal(t, searchFields, r.URL.Query().Get("fields"))
		require.Equal(t, "key-1", r.Header.Get("x-api-key"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"total": 3,
			"data": [
				{"paperId": "p1", "title": "Attention Is All You Need", "abstract": "We propose...",
				 "authors": [{"authorId": "1", "name": "Ashish Vaswani"}], "year": 2017,
				 "citationCount": 100000, "url": "https://www.semanticscholar.org/paper/p1",
				 "publicationDate": "2017-06-12"},
				{"paperId": "", "title": "missing id"},
				{"paperId": "p3", "title": "No date", "year": 2020, "citationCount": 4}
			]
		}`))
	}))
	defer server.Close()

	provider := New(WithBaseURL(server.URL), WithAPIKey("key-1"))
	require.Equal(t, search.ProviderSemanticScholar, provider.Name())

	records, err := provider.Fetch(context.Background(), search.Query{Text: "transformer models"}, 5)
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0].(search.Paper)
	require.Equal(t, "p1", first.ID)
	require.Equal(t, []string{"Ashish Vaswani"}, first.Authors)
	require.Equal(t, int64(100000), first.Citations)
	require.Equal(t, time.Date(2017, 6, 12, 0, 0, 0, 0, time.UTC), *first.PublishedAt)

	second := records[1].(search.Paper)
	require.Equal(t, "https://www.semanticscholar.org/paper/p3", second.URL)
	require.Equal(t, 2020, second.PublishedAt.Year())
}

func TestProviderFetchErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   search.ErrorKind
	}{
		{name: "unavailable", status: http.StatusServiceUnavailable, body: "unavailable", kind: search.ErrKindTransport},
		{name: "malformed", status: http.StatusOK, body: "{not json", kind: search.ErrKindParse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			provider := New(WithBaseURL(server.URL))
			_, err := provider.Fetch(context.Background(), search.Query{Text: "q"}, 5)
			require.Error(t, err)
			classified := search.Classify(provider.Name(), err)
			require.Equal(t, tc.kind, classified.Kind)
			if tc.kind == search.ErrKindTransport {
				require.Equal(t, tc.status, classified.StatusCode)
			}
		})
	}
}

func TestProviderFetchSkipsMalformedEntry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": [
			{"paperId": "p1", "title": "Good paper", "citationCount": 3},
			{"paperId": "p2", "title": "Bad paper", "citationCount": "many"}
		]}`))
	}))
	defer server.Close()

	records, err := New(WithBaseURL(server.URL)).Fetch(context.Background(), search.Query{Text: "q"}, 5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "p1", records[0].(search.Paper).ID)
}

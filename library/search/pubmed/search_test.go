package pubmed

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
		require.Equal(t, "pubmed", r.URL.Query().Get("db"))
		require.Equal(t, "json", r.URL.Query().Get("retmode"))

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case esearchPath:
			require.Equal(t, "crispr", r.URL.Query().Get("term"))
			require.Equal(t, "3", r.URL.Query().Get("retmax"))
			_, _ = w.Write([]byte(`{"esearchresult": {"count": "3", "idlist": ["111", "222", "333"]}}`))
		case esummaryPath:
			require.Equal(t, "111,222,333", r.URL.Query().Get("id"))
			_, _ = w.Write([]byte(`{"result": {
				"uids": ["111", "222", "333"],
				"111": {"uid": "111", "title": "CRISPR <i>in vivo</i>", "pubdate": "2021 Mar 4",
				        "sortpubdate": "2021/03/04 00:00", "fulljournalname": "Nature",
				        "authors": [{"name": "Doudna JA", "authtype": "Author"}]},
				"222": {"uid": "222", "title": 42},
				"333": {"uid": "333", "title": "Gene editing", "pubdate": "2019"}
			}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	provider := New(WithBaseURL(server.URL))
	records, err := provider.Fetch(context.Background(), search.Query{Text: "crispr"}, 3)
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0].(search.Paper)
	require.Equal(t, "111", first.ID)
	require.Equal(t, "https://pubmed.ncbi.nlm.nih.gov/111/", first.URL)
	require.Equal(t, []string{"Doudna JA"}, first.Authors)
	require.Equal(t, time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC), *first.PublishedAt)
	require.Equal(t, "Nature", first.Venue)

	second := records[1].(search.Paper)
	require.Equal(t, 2019, second.PublishedAt.Year())
}

func TestProviderFetchNoMatches(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, esearchPath, r.URL.Path)
		_, _ = w.Write([]byte(`{"esearchresult": {"count": "0", "idlist": []}}`))
	}))
	defer server.Close()

	records, err := New(WithBaseURL(server.URL)).Fetch(context.Background(), search.Query{Text: "nothing"}, 5)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestProviderFetchMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer server.Close()

	_, err := New(WithBaseURL(server.URL)).Fetch(context.Background(), search.Query{Text: "x"}, 5)
	require.True(t, search.IsKind(err, search.ErrKindParse))
}

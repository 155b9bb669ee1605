package serptrends

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Laisky/research-aggregator/library/search"
)

func TestProviderFetchTimeseries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		require.Equal(t, "google_trends", query.Get("engine"))
		require.Equal(t, "rust", query.Get("q"))
		require.Equal(t, "test-key", query.Get("api_key"))
		require.Equal(t, "today 12-m", query.Get("date"))
		require.Equal(t, "DE", query.Get("geo"))

		w.Header().Set("Content-Type", "application/json")
		switch query.Get("data_type") {
		case "TIMESERIES":
			_, _ = w.Write([]byte(`{"interest_over_time": {"timeline_data": [
				{"date": "Jan 8", "timestamp": "1673136000", "values": [{"query": "rust", "value": "80", "extracted_value": 80}]},
				{"date": "Jan 1", "timestamp": "1672531200", "values": [{"query": "rust", "value": "<1"}]},
				{"date": "bad", "timestamp": "not-a-number", "values": [{"query": "rust", "extracted_value": 5}]},
				{"date": "Jan 15", "timestamp": "1673740800", "values": [{"query": "rust", "extracted_value": 100}]}
			]}}`))
		case "RELATED_QUERIES":
			_, _ = w.Write([]byte(`{"related_queries": {
				"top": [{"query": "rust lang"}, {"query": "rust game"}],
				"rising": [{"query": "rust lang"}, {"query": "rust 2024 edition"}]
			}}`))
		default:
			t.Errorf("unexpected data_type %q", query.Get("data_type"))
		}
	}))
	defer server.Close()

	provider := New("test-key", WithEndpoint(server.URL), WithRelatedQueries(true))
	records, err := provider.Fetch(context.Background(), search.Query{
		Text:      "rust",
		Modifiers: search.Modifiers{Geo: "de"},
	}, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)

	older := records[0].(search.TrendPoint)
	latest := records[1].(search.TrendPoint)
	require.Equal(t, time.Unix(1673136000, 0).UTC(), older.At)
	require.Equal(t, 80.0, older.Value)
	require.Empty(t, older.RelatedQueries)
	require.Equal(t, 100.0, latest.Value)
	require.Equal(t, []string{"rust lang", "rust game", "rust 2024 edition"}, latest.RelatedQueries)
}

func TestProviderReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"quota"}`))
	}))
	defer server.Close()

	records, err := New("key", WithEndpoint(server.URL)).Fetch(context.Background(), search.Query{Text: "x"}, 10)
	require.Error(t, err)
	require.Nil(t, records)
	require.Contains(t, err.Error(), "quota")
}

func TestProviderHandlesHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"server"}`))
	}))
	defer server.Close()

	_, err := New("key", WithEndpoint(server.URL)).Fetch(context.Background(), search.Query{Text: "x"}, 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), "returned status")
}

func TestProviderValidatesAPIKey(t *testing.T) {
	records, err := New("").Fetch(context.Background(), search.Query{Text: "x"}, 10)
	require.Error(t, err)
	require.Nil(t, records)
	require.True(t, search.IsKind(err, search.ErrKindConfiguration))
}

func TestTimeframeExpression(t *testing.T) {
	require.Equal(t, "today 12-m", TimeframeExpression(""))
	require.Equal(t, "now 7-d", TimeframeExpression("7D"))
	require.Equal(t, "2024-01-01 2024-06-30", TimeframeExpression("2024-01-01 2024-06-30"))
}

func TestProviderFetchSkipsMalformedSample(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"interest_over_time": {"timeline_data": [
			{"date": "Jan 1", "timestamp": "1672531200", "values": [{"query": "go", "extracted_value": 40}]},
			{"date": "Jan 8", "timestamp": "1673136000", "values": [{"query": "go", "extracted_value": "?"}]}
		]}}`))
	}))
	defer server.Close()

	records, err := New("test-key", WithEndpoint(server.URL)).Fetch(context.Background(), search.Query{Text: "go"}, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 40.0, records[0].(search.TrendPoint).Value)
}

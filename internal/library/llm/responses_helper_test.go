package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestResponsesHelperCreateText verifies helper parses output_text and sends expected request shape.
func TestResponsesHelperCreateText(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/responses", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "openai/gpt-oss-120b", payload["model"])
		require.Equal(t, "hello", payload["input"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output_text":"ok"}`))
	}))
	defer server.Close()

	helper := NewResponsesHelper(server.URL, 2*time.Second, nil)
	text, err := helper.CreateText(context.Background(), "sk-test", ResponseRequest{
		Model: "openai/gpt-oss-120b",
		Input: "hello",
	})
	require.NoError(t, err)
	require.Equal(t, "ok", text)
}

// TestResponsesCreateResponseAggregatedText verifies fallback aggregation from output content.
func TestResponsesCreateResponseAggregatedText(t *testing.T) {
	t.Parallel()

	resp := responsesCreateResponse{
		Output: []responsesOutputItem{
			{
				Type: "message",
				Content: []responsesOutputContent{
					{Type: "output_text", Text: "line1"},
					{Type: "text", Text: "line2"},
				},
			},
		},
	}

	require.Equal(t, "line1\nline2", resp.AggregatedText())
}

func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload["stream"] != true {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, event := range events {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", event)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func collect(deltas <-chan string, errCh <-chan error) ([]string, error) {
	var parts []string
	for delta := range deltas {
		parts = append(parts, delta)
	}
	return parts, <-errCh
}

// TestResponsesHelperStreamText verifies deltas are forwarded in order until completion.
func TestResponsesHelperStreamText(t *testing.T) {
	t.Parallel()

	server := sseServer(t,
		`{"type":"response.created"}`,
		`{"type":"response.output_text.delta","delta":"Trans"}`,
		`{"type":"response.output_text.delta","delta":"formers"}`,
		`{"type":"response.completed"}`,
	)

	helper := NewResponsesHelper(server.URL, time.Second, nil)
	parts, err := collect(helper.StreamText(context.Background(), "sk-test", ResponseRequest{Model: "m", Input: "hi"}))
	require.NoError(t, err)
	require.Equal(t, []string{"Trans", "formers"}, parts)
}

// TestResponsesHelperStreamTextFailure verifies a failed event surfaces as an error.
func TestResponsesHelperStreamTextFailure(t *testing.T) {
	t.Parallel()

	server := sseServer(t,
		`{"type":"response.output_text.delta","delta":"partial"}`,
		`{"type":"response.failed","response":{"error":{"message":"overloaded"}}}`,
	)

	helper := NewResponsesHelper(server.URL, time.Second, nil)
	parts, err := collect(helper.StreamText(context.Background(), "sk-test", ResponseRequest{Model: "m", Input: "hi"}))
	require.ErrorContains(t, err, "overloaded")
	require.Equal(t, []string{"partial"}, parts)
}

// TestResponsesHelperStreamTextTruncated verifies a stream without completion is an error.
func TestResponsesHelperStreamTextTruncated(t *testing.T) {
	t.Parallel()

	server := sseServer(t, `{"type":"response.output_text.delta","delta":"a"}`)

	helper := NewResponsesHelper(server.URL, time.Second, nil)
	_, err := collect(helper.StreamText(context.Background(), "sk-test", ResponseRequest{Model: "m", Input: "hi"}))
	require.ErrorContains(t, err, "without completion")
}

// TestResponsesHelperStreamTextStatus verifies non-2xx responses fail before streaming.
func TestResponsesHelperStreamTextStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("try later"))
	}))
	defer server.Close()

	helper := NewResponsesHelper(server.URL, time.Second, nil)
	parts, err := collect(helper.StreamText(context.Background(), "sk-test", ResponseRequest{Model: "m", Input: "hi"}))
	require.Empty(t, parts)
	require.ErrorContains(t, err, "status 503")
	require.True(t, strings.Contains(err.Error(), "try later"))
}

// TestResponsesHelperStreamTextCancel verifies cancellation stops forwarding.
func TestResponsesHelperStreamTextCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"first\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	helper := NewResponsesHelper(server.URL, time.Second, nil)
	deltas, errCh := helper.StreamText(ctx, "sk-test", ResponseRequest{Model: "m", Input: "hi"})

	require.Equal(t, "first", <-deltas)
	cancel()

	for range deltas {
	}
	require.Error(t, <-errCh)
}

// TestGeneratorRequiresKey verifies generator construction validates settings.
func TestGeneratorRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewGenerator(NewResponsesHelper("", 0, nil), Settings{Model: "m"}, "")
	require.Error(t, err)

	gen, err := NewGenerator(NewResponsesHelper("", 0, nil), Settings{Model: "m", APIKey: "k", MaxOutputTokens: 10}, "be brief")
	require.NoError(t, err)
	req := gen.request("prompt")
	require.Equal(t, "be brief", req.Instructions)
	require.Equal(t, 10, req.MaxOutputTokens)
}

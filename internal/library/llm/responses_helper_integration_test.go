package llm

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func realAPIHelper(t *testing.T) (*ResponsesHelper, string, string) {
	t.Helper()

	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		t.Skip("skip real API test: LLM_API_KEY is not set")
	}
	model := strings.TrimSpace(os.Getenv("LLM_MODEL"))
	if model == "" {
		model = "gpt-4o-mini"
	}
	return NewResponsesHelper(os.Getenv("LLM_API_BASE"), 20*time.Second, nil), apiKey, model
}

// TestResponsesHelperWithRealAPI optionally verifies batch and streaming generation against a real backend.
func TestResponsesHelperWithRealAPI(t *testing.T) {
	t.Parallel()

	helper, apiKey, model := realAPIHelper(t)
	req := ResponseRequest{
		Model:           model,
		Instructions:    "Return only one short sentence.",
		Input:           "Summarize what a transformer model is.",
		MaxOutputTokens: 64,
		Temperature:     0.1,
	}

	text, err := helper.CreateText(context.Background(), apiKey, req)
	require.NoError(t, err)
	require.NotEmpty(t, strings.TrimSpace(text))

	parts, err := collect(helper.StreamText(context.Background(), apiKey, req))
	require.NoError(t, err)
	require.NotEmpty(t, strings.TrimSpace(strings.Join(parts, "")))
}

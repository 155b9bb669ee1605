package semindex

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	errors "github.com/Laisky/errors/v2"
	pgvector "github.com/pgvector/pgvector-go"
)

const embeddingBatchSize = 32

// Embedder converts text into vector representations.
type Embedder interface {
	EmbedTexts(ctx context.Context, apiKey string, inputs []string) ([]pgvector.Vector, error)
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint per request.
type OpenAIEmbedder struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIEmbedder constructs an embedder for the configured model.
func NewOpenAIEmbedder(baseURL, model string, httpClient *http.Client) *OpenAIEmbedder {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OpenAIEmbedder{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:      strings.TrimSpace(model),
		httpClient: httpClient,
	}
}

// EmbedTexts batches the input strings and returns one vector per input, in order.
func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, apiKey string, inputs []string) ([]pgvector.Vector, error) {
	switch {
	case e == nil:
		return nil, errors.New("embedder is nil")
	case len(inputs) == 0:
		return nil, errors.New("no inputs provided for embedding")
	case strings.TrimSpace(apiKey) == "":
		return nil, errors.New("missing api key for embeddings")
	case e.baseURL == "":
		return nil, errors.New("missing embeddings base url")
	case e.model == "":
		return nil, errors.New("missing embeddings model")
	}

	vectors := make([]pgvector.Vector, 0, len(inputs))
	for start := 0; start < len(inputs); start += embeddingBatchSize {
		end := min(start+embeddingBatchSize, len(inputs))
		resp, err := e.createEmbeddings(ctx, apiKey, inputs[start:end])
		if err != nil {
			return nil, errors.Wrap(err, "create embeddings")
		}
		if len(resp.Data) != end-start {
			return nil, errors.Errorf("embeddings endpoint returned %d vectors for %d inputs", len(resp.Data), end-start)
		}
		for _, data := range resp.Data {
			values := make([]float32, len(data.Embedding))
			for i, value := range data.Embedding {
				values[i] = float32(value)
			}
			vectors = append(vectors, pgvector.NewVector(values))
		}
	}

	return vectors, nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (e *OpenAIEmbedder) createEmbeddings(ctx context.Context, apiKey string, batch []string) (*embeddingsResponse, error) {
	body, err := json.Marshal(embeddingsRequest{Model: e.model, Input: batch})
	if err != nil {
		return nil, errors.Wrap(err, "marshal embeddings request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build embeddings request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "call embeddings endpoint")
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		return nil, errors.Errorf("embeddings endpoint status %d", httpResp.StatusCode)
	}

	var decoded embeddingsResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return nil, errors.Wrap(err, "decode embeddings response")
	}

	return &decoded, nil
}

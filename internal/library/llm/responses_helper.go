// Package llm talks to OpenAI-compatible Responses API backends.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
)

const (
	defaultAPIBase = "https://api.openai.com"
	// maxErrorBodyBytes bounds how much of a failed response is kept in the error.
	maxErrorBodyBytes = 512
	// maxStreamLineBytes bounds one SSE line.
	maxStreamLineBytes = 1 << 20
)

// ResponsesHelper wraps OpenAI-compatible Responses API calls.
type ResponsesHelper struct {
	apiBase      string
	httpClient   *http.Client
	streamClient *http.Client
}

// ResponseRequest describes one Responses API generation request.
type ResponseRequest struct {
	Model           string
	Instructions    string
	Input           string
	PromptCacheKey  string
	MaxOutputTokens int
	Temperature     float64
}

// NewResponsesHelper creates a Responses API helper with safe defaults.
// Streaming calls are bounded by their context only, since a whole stream
// routinely outlives timeout.
func NewResponsesHelper(apiBase string, timeout time.Duration, httpClient *http.Client) *ResponsesHelper {
	trimmedBase := strings.TrimSpace(apiBase)
	if trimmedBase == "" {
		trimmedBase = defaultAPIBase
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	streamClient := httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
		streamClient = &http.Client{}
	}

	return &ResponsesHelper{
		apiBase:      strings.TrimRight(trimmedBase, "/"),
		httpClient:   httpClient,
		streamClient: streamClient,
	}
}

// CreateText sends a Responses API request and returns aggregated text output.
func (h *ResponsesHelper) CreateText(ctx context.Context, apiKey string, req ResponseRequest) (string, error) {
	httpReq, err := h.newRequest(ctx, apiKey, req, false)
	if err != nil {
		return "", err
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, "call responses endpoint")
	}
	defer resp.Body.Close()

	if err = checkStatus(resp); err != nil {
		return "", err
	}

	var decoded responsesCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", errors.Wrap(err, "decode responses response")
	}

	text := strings.TrimSpace(decoded.OutputText)
	if text != "" {
		return text, nil
	}

	text = strings.TrimSpace(decoded.AggregatedText())
	if text == "" {
		return "", errors.New("responses output text is empty")
	}

	return text, nil
}

// StreamText sends a streaming Responses API request. Text deltas arrive on
// the first channel, which is closed when the stream ends. At most one error
// is delivered on the second channel, which is closed after the first.
// Cancelling ctx aborts the upstream request.
func (h *ResponsesHelper) StreamText(ctx context.Context, apiKey string, req ResponseRequest) (<-chan string, <-chan error) {
	deltas := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(deltas)

		if err := h.stream(ctx, apiKey, req, deltas); err != nil {
			errCh <- err
		}
	}()

	return deltas, errCh
}

func (h *ResponsesHelper) stream(ctx context.Context, apiKey string, req ResponseRequest, deltas chan<- string) error {
	httpReq, err := h.newRequest(ctx, apiKey, req, true)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := h.streamClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "call responses endpoint")
	}
	defer resp.Body.Close()

	if err = checkStatus(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return errors.Wrap(err, "decode stream event")
		}

		switch event.Type {
		case "response.output_text.delta":
			if event.Delta == "" {
				continue
			}
			select {
			case deltas <- event.Delta:
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "stream cancelled")
			}
		case "response.completed":
			return nil
		case "response.failed", "error":
			return errors.Errorf("responses stream failed: %s", event.errorMessage())
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "stream cancelled")
		}
		return errors.Wrap(err, "read responses stream")
	}

	return errors.New("responses stream ended without completion")
}

func (h *ResponsesHelper) newRequest(ctx context.Context, apiKey string, req ResponseRequest, stream bool) (*http.Request, error) {
	if h == nil {
		return nil, errors.New("responses helper is nil")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing api key")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("missing model")
	}
	if strings.TrimSpace(req.Input) == "" {
		return nil, errors.New("missing input")
	}

	payload := map[string]any{
		"model": req.Model,
		"input": req.Input,
	}
	if stream {
		payload["stream"] = true
	}
	if strings.TrimSpace(req.Instructions) != "" {
		payload["instructions"] = req.Instructions
	}
	if strings.TrimSpace(req.PromptCacheKey) != "" {
		payload["prompt_cache_key"] = req.PromptCacheKey
	}
	if req.MaxOutputTokens > 0 {
		payload["max_output_tokens"] = req.MaxOutputTokens
	}
	if req.Temperature >= 0 {
		payload["temperature"] = req.Temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal responses request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.apiBase+"/v1/responses", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build responses request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return errors.Errorf("responses endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}

type responsesCreateResponse struct {
	OutputText string                `json:"output_text"`
	Output     []responsesOutputItem `json:"output"`
}

func (r responsesCreateResponse) AggregatedText() string {
	parts := make([]string, 0, len(r.Output))
	for _, item := range r.Output {
		for _, content := range item.Content {
			if strings.EqualFold(content.Type, "output_text") || strings.EqualFold(content.Type, "text") {
				if text := strings.TrimSpace(content.Text); text != "" {
					parts = append(parts, text)
				}
			}
		}
	}

	return strings.Join(parts, "\n")
}

type responsesOutputItem struct {
	Type    string                   `json:"type"`
	Content []responsesOutputContent `json:"content"`
}

type responsesOutputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Delta   string `json:"delta"`
	Message string `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

func (e streamEvent) errorMessage() string {
	switch {
	case e.Error != nil && e.Error.Message != "":
		return e.Error.Message
	case e.Response != nil && e.Response.Error != nil:
		return e.Response.Error.Message
	case e.Message != "":
		return e.Message
	default:
		return e.Type
	}
}

package llm

import (
	"context"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
)

// Settings configures the generation backend.
type Settings struct {
	APIBase         string
	APIKey          string
	Model           string
	Timeout         time.Duration
	MaxOutputTokens int
}

// LoadSettingsFromConfig reads settings.llm.* from the shared configuration.
func LoadSettingsFromConfig() Settings {
	cfg := Settings{
		APIBase:         strings.TrimSpace(gconfig.S.GetString("settings.llm.api_base")),
		APIKey:          strings.TrimSpace(gconfig.S.GetString("settings.llm.api_key")),
		Model:           strings.TrimSpace(gconfig.S.GetString("settings.llm.model")),
		Timeout:         gconfig.S.GetDuration("settings.llm.timeout"),
		MaxOutputTokens: gconfig.S.GetInt("settings.llm.max_output_tokens"),
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 1500
	}
	return cfg
}

// Generator binds a ResponsesHelper to one key, model and instruction set.
type Generator struct {
	helper       *ResponsesHelper
	apiKey       string
	model        string
	instructions string
	maxTokens    int
}

// NewGenerator builds a Generator from settings.
func NewGenerator(helper *ResponsesHelper, settings Settings, instructions string) (*Generator, error) {
	if helper == nil {
		return nil, errors.New("responses helper is required")
	}
	if settings.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}
	return &Generator{
		helper:       helper,
		apiKey:       settings.APIKey,
		model:        settings.Model,
		instructions: instructions,
		maxTokens:    settings.MaxOutputTokens,
	}, nil
}

// Generate returns the full completion of prompt.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.helper.CreateText(ctx, g.apiKey, g.request(prompt))
}

// GenerateStream yields completion fragments of prompt.
func (g *Generator) GenerateStream(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	return g.helper.StreamText(ctx, g.apiKey, g.request(prompt))
}

func (g *Generator) request(prompt string) ResponseRequest {
	return ResponseRequest{
		Model:           g.model,
		Instructions:    g.instructions,
		Input:           prompt,
		MaxOutputTokens: g.maxTokens,
		Temperature:     0.3,
	}
}

package semindex

import (
	"math"
	"strconv"
	"strings"

	gconfig "github.com/Laisky/go-config/v2"
)

// Settings captures runtime configuration of the semantic index.
type Settings struct {
	Enabled        bool
	TopK           int
	TopKLimit      int
	SemanticWeight float64
	LexicalWeight  float64
	EmbeddingModel string
	APIBase        string
	APIKey         string
}

// LoadSettingsFromConfig reads the shared configuration and returns a sanitized Settings instance.
func LoadSettingsFromConfig() Settings {
	cfg := Settings{
		Enabled:        gconfig.S.GetBool("settings.semindex.enabled"),
		TopK:           intFromConfig("settings.semindex.top_k", 5),
		TopKLimit:      intFromConfig("settings.semindex.top_k_limit", 20),
		SemanticWeight: floatFromConfig("settings.semindex.semantic_weight", 0.7),
		LexicalWeight:  floatFromConfig("settings.semindex.lexical_weight", 0.3),
		EmbeddingModel: strings.TrimSpace(gconfig.S.GetString("settings.semindex.embedding_model")),
		APIBase:        strings.TrimSpace(gconfig.S.GetString("settings.llm.api_base")),
		APIKey:         strings.TrimSpace(gconfig.S.GetString("settings.llm.api_key")),
	}
	return cfg.sanitize()
}

func (cfg Settings) sanitize() Settings {
	if cfg.TopKLimit <= 0 {
		cfg.TopKLimit = 20
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	cfg.TopK = min(cfg.TopK, cfg.TopKLimit)
	if cfg.SemanticWeight < 0 {
		cfg.SemanticWeight = 0
	}
	if cfg.LexicalWeight < 0 {
		cfg.LexicalWeight = 0
	}
	total := cfg.SemanticWeight + cfg.LexicalWeight
	if total == 0 {
		cfg.SemanticWeight = 0.7
		cfg.LexicalWeight = 0.3
	} else if math.Abs(total-1) > 0.01 {
		cfg.SemanticWeight /= total
		cfg.LexicalWeight /= total
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com"
	}
	return cfg
}

func intFromConfig(key string, def int) int {
	switch v := gconfig.S.Get(key).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return def
		}
		return parsed
	default:
		return def
	}
}

func floatFromConfig(key string, def float64) float64 {
	switch v := gconfig.S.Get(key).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return def
		}
		return parsed
	default:
		return def
	}
}

package cmd

import (
	"strings"
	"time"

	"github.com/Laisky/zap"

	"github.com/Laisky/research-aggregator/library/log"
	"github.com/Laisky/research-aggregator/library/search"
	"github.com/Laisky/research-aggregator/library/search/arxiv"
	"github.com/Laisky/research-aggregator/library/search/httpx"
	"github.com/Laisky/research-aggregator/library/search/pubmed"
	"github.com/Laisky/research-aggregator/library/search/reddit"
	"github.com/Laisky/research-aggregator/library/search/semanticscholar"
	"github.com/Laisky/research-aggregator/library/search/serptrends"
)

// providerOrder is the registration order, which is also the merge order of results.
var providerOrder = []string{
	search.ProviderSemanticScholar,
	search.ProviderArxiv,
	search.ProviderPubMed,
	search.ProviderReddit,
	search.ProviderGoogleTrends,
}

// providerSettings is the settings.providers.<name> block.
type providerSettings struct {
	Enabled         bool
	BaseURL         string
	APIKey          string
	RatePerSecond   float64
	Burst           int
	BreakerFailures int
	BreakerTimeout  time.Duration
	RelatedQueries  bool
}

// loadProviderSettings reads every known provider block. Providers are enabled
// unless switched off, except google_trends which needs an api key.
func loadProviderSettings(get configGetter) map[string]providerSettings {
	out := make(map[string]providerSettings, len(providerOrder))
	for _, name := range providerOrder {
		prefix := "settings.providers." + name + "."
		cfg := providerSettings{
			Enabled:        true,
			BaseURL:        stringFromConfig(get, prefix+"base_url"),
			APIKey:         stringFromConfig(get, prefix+"api_key"),
			RelatedQueries: true,
		}
		if enabled, ok := parseStrictBool(get(prefix + "enabled")); ok {
			cfg.Enabled = enabled
		}
		if rps, err := parseStrictFloat(get(prefix + "rate_per_second")); err == nil {
			cfg.RatePerSecond = rps
		}
		if burst, err := parseStrictInt(get(prefix + "burst")); err == nil {
			cfg.Burst = burst
		}
		if failures, err := parseStrictInt(get(prefix + "breaker_failures")); err == nil {
			cfg.BreakerFailures = failures
		}
		if timeout, ok := durationFromConfig(get, prefix+"breaker_timeout"); ok {
			cfg.BreakerTimeout = timeout
		}
		if related, ok := parseStrictBool(get(prefix + "related_queries")); ok {
			cfg.RelatedQueries = related
		}
		if name == search.ProviderGoogleTrends && cfg.APIKey == "" {
			cfg.Enabled = false
		}

		out[name] = cfg
	}
	return out
}

// buildProviders constructs the enabled providers in registration order.
func buildProviders(settings map[string]providerSettings) []search.Provider {
	var providers []search.Provider
	for _, name := range providerOrder {
		cfg, ok := settings[name]
		if !ok || !cfg.Enabled {
			log.Logger.Info("provider disabled", zap.String("provider", name))
			continue
		}

		failures := uint32(0)
		if cfg.BreakerFailures > 0 {
			failures = uint32(cfg.BreakerFailures)
		}
		client := httpx.New(name,
			httpx.WithLogger(log.Logger.Named(name)),
			httpx.WithRateLimit(cfg.RatePerSecond, cfg.Burst),
			httpx.WithBreaker(failures, cfg.BreakerTimeout),
		)

		switch name {
		case search.ProviderSemanticScholar:
			opts := []semanticscholar.Option{semanticscholar.WithClient(client), semanticscholar.WithAPIKey(cfg.APIKey)}
			if cfg.BaseURL != "" {
				opts = append(opts, semanticscholar.WithBaseURL(cfg.BaseURL))
			}
			providers = append(providers, semanticscholar.New(opts...))
		case search.ProviderArxiv:
			opts := []arxiv.Option{arxiv.WithClient(client)}
			if cfg.BaseURL != "" {
				opts = append(opts, arxiv.WithBaseURL(cfg.BaseURL))
			}
			providers = append(providers, arxiv.New(opts...))
		case search.ProviderPubMed:
			opts := []pubmed.Option{pubmed.WithClient(client), pubmed.WithAPIKey(cfg.APIKey)}
			if cfg.BaseURL != "" {
				opts = append(opts, pubmed.WithBaseURL(cfg.BaseURL))
			}
			providers = append(providers, pubmed.New(opts...))
		case search.ProviderReddit:
			opts := []reddit.Option{reddit.WithClient(client)}
			if cfg.BaseURL != "" {
				opts = append(opts, reddit.WithBaseURL(cfg.BaseURL))
			}
			providers = append(providers, reddit.New(opts...))
		case search.ProviderGoogleTrends:
			opts := []serptrends.Option{
				serptrends.WithClient(client),
				serptrends.WithLogger(log.Logger.Named(name)),
				serptrends.WithRelatedQueries(cfg.RelatedQueries),
			}
			if cfg.BaseURL != "" {
				opts = append(opts, serptrends.WithEndpoint(cfg.BaseURL))
			}
			providers = append(providers, serptrends.New(cfg.APIKey, opts...))
		}
	}

	return providers
}

func stringFromConfig(get configGetter, key string) string {
	value, err := parseStrictString(get(key))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

// durationFromConfig accepts a Go duration string or a number of seconds.
func durationFromConfig(get configGetter, key string) (time.Duration, bool) {
	raw := get(key)
	if raw == nil {
		return 0, false
	}
	if text, err := parseStrictString(raw); err == nil {
		d, err := time.ParseDuration(strings.TrimSpace(text))
		return d, err == nil
	}
	seconds, err := parseStrictFloat(raw)
	if err != nil {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}

package cmd

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	errors "github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"

	"github.com/Laisky/research-aggregator/library/throttle"
)

// configGetter retrieves raw configuration values by dotted key path.
type configGetter func(key string) any

// validateStartupConfig validates startup configuration from the shared config source.
// It returns an error when any configured value is malformed or violates constraints.
func validateStartupConfig() error {
	return validateStartupConfigWithGetter(func(key string) any {
		return gconfig.S.Get(key)
	})
}

// validateStartupConfigWithGetter validates startup configuration via a key-value getter.
// It accepts a value getter and returns nil when all configured values are valid.
func validateStartupConfigWithGetter(get configGetter) error {
	if get == nil {
		return errors.New("config getter is nil")
	}

	validationErrs := make([]string, 0)

	validateRedisConfig(get, &validationErrs)
	validatePostgresConfig(get, &validationErrs)
	validateAggregatorConfig(get, &validationErrs)
	validateProvidersConfig(get, &validationErrs)
	validateSinkConfig(get, &validationErrs)
	validateLLMConfig(get, &validationErrs)
	validateSemanticIndexConfig(get, &validationErrs)
	validateWebConfig(get, &validationErrs)

	if len(validationErrs) == 0 {
		return nil
	}

	return errors.Errorf("invalid configuration:\n - %s", strings.Join(validationErrs, "\n - "))
}

// validateRedisConfig validates redis-related startup configuration values.
// It accepts a getter and an error collector pointer and appends validation errors.
func validateRedisConfig(get configGetter, errs *[]string) {
	validateOptionalStringNonEmpty(get, "settings.db.redis.addr", errs)
	validateOptionalIntMin(get, "settings.db.redis.db", 0, errs)
}

// validatePostgresConfig validates postgres connection settings.
// It accepts a getter and an error collector pointer and appends validation errors.
func validatePostgresConfig(get configGetter, errs *[]string) {
	validateOptionalStringNonEmpty(get, "settings.db.postgres.dsn", errs)
	if get("settings.db.postgres.addr") == nil {
		return
	}

	validateOptionalStringNonEmpty(get, "settings.db.postgres.addr", errs)
	for _, key := range []string{"settings.db.postgres.db", "settings.db.postgres.user"} {
		if get(key) == nil {
			appendValidationError(errs, "%s is required when settings.db.postgres.addr is set", key)
			continue
		}
		validateOptionalStringNonEmpty(get, key, errs)
	}
}

// validateAggregatorConfig validates fan-out limits and deadlines.
// It accepts a getter and an error collector pointer and appends validation errors.
func validateAggregatorConfig(get configGetter, errs *[]string) {
	validateOptionalDuration(get, "settings.aggregator.provider_timeout", errs)
	validateOptionalDuration(get, "settings.aggregator.overall_deadline", errs)
	validateOptionalDuration(get, "settings.aggregator.cache_ttl", errs)
	validateOptionalIntMin(get, "settings.aggregator.max_concurrency", 1, errs)
	validateOptionalIntMin(get, "settings.aggregator.max_limit", 1, errs)

	providerTimeout, okProvider := durationFromConfig(get, "settings.aggregator.provider_timeout")
	overall, okOverall := durationFromConfig(get, "settings.aggregator.overall_deadline")
	if okProvider && okOverall && providerTimeout > 0 && overall > 0 && providerTimeout > overall {
		appendValidationError(errs, "settings.aggregator.provider_timeout must be <= settings.aggregator.overall_deadline")
	}
}

// validateProvidersConfig validates every settings.providers.<name> block.
// It accepts a getter and an error collector pointer and appends validation errors.
func validateProvidersConfig(get configGetter, errs *[]string) {
	raw := get("settings.providers")
	if raw == nil {
		return
	}

	blocks := toStringMap(raw)
	if blocks == nil {
		appendValidationError(errs, "settings.providers must be an object")
		return
	}

	known := make(map[string]struct{}, len(providerOrder))
	for _, name := range providerOrder {
		known[name] = struct{}{}
	}

	for name := range blocks {
		if _, ok := known[name]; !ok {
			appendValidationError(errs, "settings.providers.%s is not a known provider, expect one of %v", name, providerOrder)
			continue
		}

		prefix := "settings.providers." + name
		validateOptionalBool(get, prefix+".enabled", errs)
		validateOptionalURL(get, prefix+".base_url", errs)
		validateOptionalFloatRange(get, prefix+".rate_per_second", 0, math.MaxFloat64, true, false, errs)
		validateOptionalIntMin(get, prefix+".burst", 1, errs)
		validateOptionalIntMin(get, prefix+".breaker_failures", 1, errs)
		validateOptionalDuration(get, prefix+".breaker_timeout", errs)
		validateOptionalBool(get, prefix+".related_queries", errs)
	}

	trendsEnabled, ok := parseStrictBool(get("settings.providers.google_trends.enabled"))
	if ok && trendsEnabled {
		key, err := parseStrictString(get("settings.providers.google_trends.api_key"))
		if err != nil || strings.TrimSpace(key) == "" {
			appendValidationError(errs, "settings.providers.google_trends.api_key is required when the provider is enabled")
		}
	}
}

// validateSinkConfig validates the persistence queue settings.
// It accepts a getter and an error collector pointer and appends validation errors.
func validateSinkConfig(get configGetter, errs *[]string) {
	validateOptionalIntMin(get, "settings.sink.queue_size", 1, errs)
	validateOptionalIntMin(get, "settings.sink.workers", 1, errs)
	validateOptionalDuration(get, "settings.sink.max_elapsed", errs)
	validateOptionalDuration(get, "settings.sink.replay_interval", errs)
}

// validateLLMConfig validates the generation backend settings.
// It accepts a getter and an error collector pointer and appends validation errors.
func validateLLMConfig(get configGetter, errs *[]string) {
	validateOptionalURL(get, "settings.llm.api_base", errs)
	validateOptionalStringNonEmpty(get, "settings.llm.model", errs)
	validateOptionalDuration(get, "settings.llm.timeout", errs)
	validateOptionalIntMin(get, "settings.llm.max_output_tokens", 1, errs)
}

// validateSemanticIndexConfig validates retrieval settings.
// It accepts a getter and an error collector pointer and appends validation errors.
func validateSemanticIndexConfig(get configGetter, errs *[]string) {
	validateOptionalBool(get, "settings.semindex.enabled", errs)
	validateOptionalStringNonEmpty(get, "settings.semindex.embedding_model", errs)
	validateOptionalIntMin(get, "settings.semindex.top_k", 1, errs)
	validateOptionalIntMin(get, "settings.semindex.top_k_limit", 1, errs)
	validateOptionalFloatPositive(get, "settings.semindex.semantic_weight", errs)
	validateOptionalFloatPositive(get, "settings.semindex.lexical_weight", errs)

	enabled, ok := parseStrictBool(get("settings.semindex.enabled"))
	if ok && enabled {
		key, err := parseStrictString(get("settings.llm.api_key"))
		if err != nil || strings.TrimSpace(key) == "" {
			appendValidationError(errs, "settings.llm.api_key is required when settings.semindex.enabled is true")
		}
	}

	topK, errTop := parseStrictInt(get("settings.semindex.top_k"))
	limit, errLimit := parseStrictInt(get("settings.semindex.top_k_limit"))
	if errTop == nil && errLimit == nil && topK > limit {
		appendValidationError(errs, "settings.semindex.top_k must be <= settings.semindex.top_k_limit")
	}
}

// validateWebConfig validates the HTTP layer settings.
// It accepts a getter and an error collector pointer and appends validation errors.
func validateWebConfig(get configGetter, errs *[]string) {
	validateOptionalFloatPositive(get, "settings.web.throttle.total_per_sec", errs)
	validateOptionalIntMin(get, "settings.web.throttle.total_burst", 1, errs)
	validateOptionalFloatPositive(get, "settings.web.throttle.each_per_sec", errs)
	validateOptionalIntMin(get, "settings.web.throttle.each_burst", 1, errs)
	if cfg, ok := loadThrottleConfig(get); ok {
		if _, err := throttle.New(cfg); err != nil {
			appendValidationError(errs, "settings.web.throttle: %s", err.Error())
		}
	}

	raw := get("settings.web.cors_allowed_hosts")
	if raw == nil {
		return
	}

	hosts, ok := raw.([]any)
	if !ok {
		if typed, isStrings := raw.([]string); isStrings {
			for _, host := range typed {
				hosts = append(hosts, host)
			}
			ok = true
		}
	}
	if !ok {
		appendValidationError(errs, "settings.web.cors_allowed_hosts must be a list of hosts")
		return
	}

	for i, rawHost := range hosts {
		host, err := parseStrictString(rawHost)
		if err != nil || !isValidHost(host) {
			appendValidationError(errs, "settings.web.cors_allowed_hosts[%d] must be a valid host", i)
		}
	}
}

// validateOptionalDuration validates an optionally configured positive duration,
// given either as a Go duration string or as seconds.
func validateOptionalDuration(get configGetter, key string, errs *[]string) {
	if get(key) == nil {
		return
	}

	d, ok := durationFromConfig(get, key)
	if !ok {
		appendValidationError(errs, "%s must be a duration like 5s", key)
		return
	}
	if d <= 0 {
		appendValidationError(errs, "%s must be > 0", key)
	}
}

// validateOptionalBool validates an optionally configured boolean key.
// It accepts a getter, the key, and an error collector pointer and appends validation errors.
func validateOptionalBool(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	if _, ok := parseStrictBool(raw); !ok {
		appendValidationError(errs, "%s must be a boolean", key)
	}
}

// validateOptionalIntMin validates an optionally configured integer key with a minimum constraint.
// It accepts a getter, the key, a minimum value, and an error collector pointer and appends validation errors.
func validateOptionalIntMin(get configGetter, key string, min int, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictInt(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be an integer", key)
		return
	}

	if value < min {
		appendValidationError(errs, "%s must be >= %d", key, min)
	}
}

// validateOptionalFloatPositive validates an optionally configured positive float key.
// It accepts a getter, the key, and an error collector pointer and appends validation errors.
func validateOptionalFloatPositive(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictFloat(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a float", key)
		return
	}

	if value <= 0 {
		appendValidationError(errs, "%s must be > 0", key)
	}
}

// validateOptionalFloatRange validates an optionally configured float key against a numeric range.
// It accepts a getter, range bounds, inclusivity toggles, and an error collector pointer.
func validateOptionalFloatRange(get configGetter, key string, min float64, max float64, includeMin bool, includeMax bool, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictFloat(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a float", key)
		return
	}

	validMin := value > min
	if includeMin {
		validMin = value >= min
	}
	validMax := value < max
	if includeMax {
		validMax = value <= max
	}

	if !validMin || !validMax {
		appendValidationError(errs, "%s must be within range", key)
	}
}

// validateOptionalURL validates an optionally configured absolute URL key.
// It accepts a getter, the key, and an error collector pointer and appends validation errors.
func validateOptionalURL(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictString(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a string URL", key)
		return
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		appendValidationError(errs, "%s must not be empty", key)
		return
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		appendValidationError(errs, "%s must be a valid absolute URL", key)
	}
}

// validateOptionalStringNonEmpty validates an optionally configured non-empty string key.
// It accepts a getter, the key, and an error collector pointer and appends validation errors.
func validateOptionalStringNonEmpty(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictString(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a string", key)
		return
	}

	if strings.TrimSpace(value) == "" {
		appendValidationError(errs, "%s must not be empty", key)
	}
}

// parseStrictBool parses a value as boolean using strict conversion rules.
// It accepts a raw value and returns the parsed boolean and whether parsing succeeded.
func parseStrictBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case int:
		return v != 0, true
	case int64:
		return v != 0, true
	case float64:
		if math.Trunc(v) != v {
			return false, false
		}
		return int64(v) != 0, true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return false, false
		}
		switch strings.ToLower(trimmed) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		default:
			return false, false
		}
	default:
		return false, false
	}
}

// parseStrictInt parses a value as a strict integer.
// It accepts a raw value and returns the parsed int and an error when parsing fails.
func parseStrictInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if math.Trunc(v) != v {
			return 0, errors.Errorf("%v is not an integer", v)
		}
		return int(v), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, errors.New("empty integer string")
		}
		parsed, err := strconv.Atoi(trimmed)
		if err != nil {
			return 0, errors.Wrap(err, "atoi")
		}
		return parsed, nil
	default:
		return 0, errors.Errorf("unsupported int type %T", value)
	}
}

// parseStrictFloat parses a value as a strict floating-point number.
// It accepts a raw value and returns the parsed float64 and an error when parsing fails.
func parseStrictFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, errors.New("empty float string")
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, errors.Wrap(err, "parse float")
		}
		return parsed, nil
	default:
		return 0, errors.Errorf("unsupported float type %T", value)
	}
}

// parseStrictString parses a value as a strict string.
// It accepts a raw value and returns the parsed string and an error when parsing fails.
func parseStrictString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", errors.Errorf("unsupported string type %T", value)
	}
}

// toStringMap converts a decoded config object into a string keyed map.
// It returns nil when value is not an object.
func toStringMap(value any) map[string]any {
	switch v := value.(type) {
	case map[string]any:
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[fmt.Sprint(key)] = val
		}
		return out
	default:
		return nil
	}
}

// isValidHost validates a host string without scheme or path components.
// It accepts a host string and returns true when the host is syntactically acceptable.
func isValidHost(host string) bool {
	trimmed := strings.TrimSpace(host)
	if trimmed == "" {
		return false
	}
	if strings.Contains(trimmed, "://") || strings.Contains(trimmed, "/") {
		return false
	}
	return true
}

// appendValidationError appends a formatted validation error to the collector.
// It accepts an error slice pointer, a format string, and format arguments, and has no return value.
func appendValidationError(errs *[]string, format string, args ...any) {
	if errs == nil {
		return
	}
	*errs = append(*errs, fmt.Sprintf(format, args...))
}

package cmd

import (
	"math"
	"time"

	"github.com/Laisky/research-aggregator/internal/library/records"
	rlibs "github.com/Laisky/research-aggregator/library/db/redis"
	"github.com/Laisky/research-aggregator/library/log"
	"github.com/Laisky/research-aggregator/library/search"
	"github.com/Laisky/research-aggregator/library/throttle"
)

// aggregatorSettings is the settings.aggregator block. Zero values keep the coordinator defaults.
type aggregatorSettings struct {
	ProviderTimeout time.Duration
	OverallDeadline time.Duration
	MaxConcurrency  int
	MaxLimit        int
	CacheTTL        time.Duration
}

func loadAggregatorSettings(get configGetter) aggregatorSettings {
	cfg := aggregatorSettings{CacheTTL: rlibs.DefaultResultTTL}
	if d, ok := durationFromConfig(get, "settings.aggregator.provider_timeout"); ok && d > 0 {
		cfg.ProviderTimeout = d
	}
	if d, ok := durationFromConfig(get, "settings.aggregator.overall_deadline"); ok && d > 0 {
		cfg.OverallDeadline = d
	}
	if n, err := parseStrictInt(get("settings.aggregator.max_concurrency")); err == nil && n > 0 {
		cfg.MaxConcurrency = n
	}
	if n, err := parseStrictInt(get("settings.aggregator.max_limit")); err == nil && n > 0 {
		cfg.MaxLimit = n
	}
	if d, ok := durationFromConfig(get, "settings.aggregator.cache_ttl"); ok && d > 0 {
		cfg.CacheTTL = d
	}
	return cfg
}

func (c aggregatorSettings) coordinatorOptions() []search.CoordinatorOption {
	opts := []search.CoordinatorOption{search.WithLogger(log.Logger.Named("coordinator"))}
	if c.ProviderTimeout > 0 {
		opts = append(opts, search.WithProviderTimeout(c.ProviderTimeout))
	}
	if c.OverallDeadline > 0 {
		opts = append(opts, search.WithOverallDeadline(c.OverallDeadline))
	}
	if c.MaxConcurrency > 0 {
		opts = append(opts, search.WithMaxConcurrency(c.MaxConcurrency))
	}
	if c.MaxLimit > 0 {
		opts = append(opts, search.WithMaxLimit(c.MaxLimit))
	}
	return opts
}

// queueSettings is the settings.sink block.
type queueSettings struct {
	QueueSize      int
	Workers        int
	MaxElapsed     time.Duration
	ReplayInterval time.Duration
}

func loadQueueSettings(get configGetter) queueSettings {
	var cfg queueSettings
	if n, err := parseStrictInt(get("settings.sink.queue_size")); err == nil {
		cfg.QueueSize = n
	}
	if n, err := parseStrictInt(get("settings.sink.workers")); err == nil {
		cfg.Workers = n
	}
	if d, ok := durationFromConfig(get, "settings.sink.max_elapsed"); ok {
		cfg.MaxElapsed = d
	}
	if d, ok := durationFromConfig(get, "settings.sink.replay_interval"); ok {
		cfg.ReplayInterval = d
	}
	return cfg
}

func (c queueSettings) queueOptions() []records.QueueOption {
	var opts []records.QueueOption
	if c.QueueSize > 0 {
		opts = append(opts, records.WithQueueSize(c.QueueSize))
	}
	if c.Workers > 0 {
		opts = append(opts, records.WithWorkers(c.Workers))
	}
	if c.MaxElapsed > 0 {
		opts = append(opts, records.WithMaxElapsed(c.MaxElapsed))
	}
	if c.ReplayInterval > 0 {
		opts = append(opts, records.WithReplayInterval(c.ReplayInterval))
	}
	return opts
}

// loadThrottleConfig reads settings.web.throttle. The throttle is off unless total_per_sec is set.
func loadThrottleConfig(get configGetter) (throttle.Config, bool) {
	total, err := parseStrictFloat(get("settings.web.throttle.total_per_sec"))
	if err != nil || total <= 0 {
		return throttle.Config{}, false
	}

	cfg := throttle.Config{
		TotalPerSec: total,
		TotalBurst:  int(math.Ceil(total)),
		EachPerSec:  total,
		EachBurst:   int(math.Ceil(total)),
	}
	if burst, err := parseStrictInt(get("settings.web.throttle.total_burst")); err == nil {
		cfg.TotalBurst = burst
	}
	if each, err := parseStrictFloat(get("settings.web.throttle.each_per_sec")); err == nil {
		cfg.EachPerSec = each
		cfg.EachBurst = int(math.Ceil(each))
	}
	if burst, err := parseStrictInt(get("settings.web.throttle.each_burst")); err == nil {
		cfg.EachBurst = burst
	}
	cfg.TotalBurst = max(cfg.TotalBurst, 1)
	cfg.EachBurst = max(cfg.EachBurst, 1)
	return cfg, true
}

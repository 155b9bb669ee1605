// Package throttle limits request rates globally and per client key.
package throttle

import (
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"golang.org/x/time/rate"
)

const (
	defaultMaxKeys = 10000
	keyIdleTTL     = 10 * time.Minute
)

// Config configuration for Throttle
type Config struct {
	TotalPerSec float64
	TotalBurst  int
	EachPerSec  float64
	EachBurst   int
	// MaxKeys bounds how many per-key limiters are kept, 0 means 10000.
	MaxKeys int
}

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle admits a request only when both the shared bucket and the bucket of its key have a token.
type Throttle struct {
	sync.Mutex
	cfg   Config
	total *rate.Limiter
	keys  map[string]*keyLimiter
	now   func() time.Time
}

// New create new Throttle
func New(cfg Config) (*Throttle, error) {
	if cfg.TotalPerSec <= 0 || cfg.EachPerSec <= 0 {
		return nil, errors.New("per second rates must be bigger than 0")
	}
	if float64(cfg.TotalBurst) < cfg.TotalPerSec || float64(cfg.EachBurst) < cfg.EachPerSec {
		return nil, errors.New("burst must not be smaller than the per second rate")
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = defaultMaxKeys
	}

	return &Throttle{
		cfg:   cfg,
		total: rate.NewLimiter(rate.Limit(cfg.TotalPerSec), cfg.TotalBurst),
		keys:  make(map[string]*keyLimiter),
		now:   time.Now,
	}, nil
}

// Allow reports whether a request from key may proceed now.
func (t *Throttle) Allow(key string) bool {
	t.Lock()
	defer t.Unlock()

	now := t.now()
	entry, ok := t.keys[key]
	if !ok {
		if len(t.keys) >= t.cfg.MaxKeys {
			t.evictLocked(now)
		}
		entry = &keyLimiter{limiter: rate.NewLimiter(rate.Limit(t.cfg.EachPerSec), t.cfg.EachBurst)}
		t.keys[key] = entry
	}
	entry.lastSeen = now

	// a request rejected by its key must not consume a shared token
	if !entry.limiter.AllowN(now, 1) {
		return false
	}
	return t.total.AllowN(now, 1)
}

// Keys returns the number of tracked keys.
func (t *Throttle) Keys() int {
	t.Lock()
	defer t.Unlock()
	return len(t.keys)
}

// evictLocked drops idle keys, or every key when none is idle.
func (t *Throttle) evictLocked(now time.Time) {
	for key, entry := range t.keys {
		if now.Sub(entry.lastSeen) > keyIdleTTL {
			delete(t.keys, key)
		}
	}
	if len(t.keys) >= t.cfg.MaxKeys {
		clear(t.keys)
	}
}

package retry

import (
	"context"
	"math/rand"
	"time"
)

type Config struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	MaxJitter   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 10,
		InitialWait: time.Second,
		MaxWait:     30 * time.Second,
		MaxJitter:   time.Second,
	}
}

// Backoff returns the wait before attempt n (1-based):
// min(MaxWait, InitialWait*2^(n-1) + jitter), jitter in [0, MaxJitter].
func Backoff(cfg Config, attempt int) time.Duration {
	return backoff(cfg, attempt, rand.Int63n)
}

func backoff(cfg Config, attempt int, randn func(int64) int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := cfg.InitialWait
	for i := 1; i < attempt; i++ {
		base *= 2
		if cfg.MaxWait > 0 && base >= cfg.MaxWait {
			return cfg.MaxWait
		}
	}

	var jitter time.Duration
	if cfg.MaxJitter > 0 {
		jitter = time.Duration(randn(int64(cfg.MaxJitter) + 1))
	}

	wait := base + jitter
	if cfg.MaxWait > 0 && wait > cfg.MaxWait {
		wait = cfg.MaxWait
	}
	return wait
}

// Exhausted reports whether attempt has used up the budget.
func (c Config) Exhausted(attempt int) bool {
	return c.MaxAttempts > 0 && attempt >= c.MaxAttempts
}

func WithBackoff(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error

	for attempt := 1; cfg.MaxAttempts <= 0 || attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(Backoff(cfg, attempt-1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	return lastErr
}

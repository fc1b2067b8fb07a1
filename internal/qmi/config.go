package qmi

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines the delay between bounded discovery attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config holds engine timeouts and limits.
type Config struct {
	DiscoverTimeout time.Duration
	ClientTimeout   time.Duration
	LookupTimeout   time.Duration
	// DiscoverAttempts bounds GET_VERSION_INFO retries while the modem
	// reports an empty service list.
	DiscoverAttempts int
	Backoff          BackoffConfig
	ReadBufferSize   int
}

func DefaultConfig() Config {
	return Config{
		DiscoverTimeout:  8 * time.Second,
		ClientTimeout:    8 * time.Second,
		LookupTimeout:    5 * time.Second,
		DiscoverAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       false,
		},
		ReadBufferSize: 4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DiscoverTimeout <= 0 {
		c.DiscoverTimeout = d.DiscoverTimeout
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = d.ClientTimeout
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = d.LookupTimeout
	}
	if c.DiscoverAttempts <= 0 {
		c.DiscoverAttempts = 1
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	return c
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

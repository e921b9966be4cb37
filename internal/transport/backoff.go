package transport

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// BackoffConfig shapes the delay between client connect attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
	// MaxAttempts caps ConnectWithRetry; zero retries until ctx ends.
	MaxAttempts int
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// NextBackoffDelay returns the delay before attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 1.0
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

func retryable(err error) bool {
	switch ReasonOf(err) {
	case ReasonConnectFailure, ReasonHandshakeFailure:
		return true
	}
	return false
}

// ConnectWithRetry calls Connect until it succeeds, a non-network error
// occurs, MaxAttempts is reached or ctx ends.
func (c *Client) ConnectWithRetry(ctx context.Context, addr string) error {
	cfg := c.cfg.Backoff
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		err := c.Connect(ctx, addr)
		if err == nil || !retryable(err) {
			return err
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}
		delay := NextBackoffDelay(cfg, attempt, rng)
		log.Debug().
			Str("transport", clientTransport).
			Str("addr", addr).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Err(err).
			Msg("connect failed")
		if !sleepCtx(ctx, delay) {
			return newError("client connect", ReasonConnectFailure, ctx.Err())
		}
	}
}

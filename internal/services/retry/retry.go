package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"agent-scheduler/internal/errs"
	"agent-scheduler/internal/models"
)

// uncapped bounds the delay when MaxRetryDelayMs is zero.
const uncapped = 24 * time.Hour

// NextDelay returns the delay before retry number attempt (0 is the first
// retry). The bool is false once attempt reaches MaxRetries.
func NextDelay(attempt int, cfg models.RetryConfig) (time.Duration, bool) {
	return Policy{}.NextDelay(attempt, cfg)
}

// Policy computes capped exponential backoff. Jitter is a fraction in [0, 1]
// applied symmetrically around the computed delay, never exceeding the cap.
type Policy struct {
	Jitter float64
	rand   func() float64
}

func (p Policy) NextDelay(attempt int, cfg models.RetryConfig) (time.Duration, bool) {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= cfg.MaxRetries {
		return 0, false
	}

	multiplier := cfg.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	maxMs := float64(cfg.MaxRetryDelayMs)
	if maxMs <= 0 {
		maxMs = float64(uncapped / time.Millisecond)
	}

	ms := float64(cfg.RetryDelayMs) * math.Pow(multiplier, float64(attempt))
	if ms > maxMs || math.IsInf(ms, 1) {
		ms = maxMs
	}
	if p.Jitter > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		ms = ms * (1 + p.Jitter*(2*r()-1))
		if ms > maxMs {
			ms = maxMs
		}
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

// Validate rejects retry configs the policy cannot apply.
func Validate(cfg models.RetryConfig) error {
	switch {
	case cfg.MaxRetries < 0:
		return errs.New(errs.ErrInvalidRetryConfig, "maxRetries must not be negative")
	case cfg.RetryDelayMs < 0:
		return errs.New(errs.ErrInvalidRetryConfig, "retryDelay must not be negative")
	case cfg.MaxRetryDelayMs < 0:
		return errs.New(errs.ErrInvalidRetryConfig, "maxRetryDelay must not be negative")
	case cfg.BackoffMultiplier < 0:
		return errs.New(errs.ErrInvalidRetryConfig, "backoffMultiplier must not be negative")
	case cfg.MaxRetryDelayMs > 0 && cfg.RetryDelayMs > cfg.MaxRetryDelayMs:
		return errs.New(errs.ErrInvalidRetryConfig,
			fmt.Sprintf("retryDelay %d exceeds maxRetryDelay %d", cfg.RetryDelayMs, cfg.MaxRetryDelayMs))
	}
	return nil
}

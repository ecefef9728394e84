package workflow

import (
	"context"
	"time"

	"mediaflow/internal/config"
	"mediaflow/internal/stageclient"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryPolicy bounds the attempts made for one stage.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryPolicyFromConfig reads the [workflow] retry settings.
func RetryPolicyFromConfig(cfg *config.Config) RetryPolicy {
	base, maxDelay := cfg.RetryBackoff()
	p := RetryPolicy{MaxAttempts: cfg.Workflow.MaxAttempts, BaseDelay: base, MaxDelay: maxDelay}
	return p.normalized()
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns base * 2^(attempt-1), capped at MaxDelay. attempt is the
// 1-based number of the attempt that just failed.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}

// DelayAfter picks the wait before the next attempt. A Retry-After sent by
// the stage service wins over the computed backoff but is still capped.
func (p RetryPolicy) DelayAfter(attempt int, err error) time.Duration {
	p = p.normalized()
	if wait, ok := stageclient.RetryAfter(err); ok {
		return min(wait, p.MaxDelay)
	}
	return p.Backoff(attempt)
}

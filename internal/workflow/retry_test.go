package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"mediaflow/internal/stageclient"
	"mediaflow/internal/testsupport"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, expected := range want {
		if got := p.Backoff(i + 1); got != expected {
			t.Fatalf("Backoff(%d) = %s, want %s", i+1, got, expected)
		}
	}
	if got := p.Backoff(200); got != 5*time.Second {
		t.Fatalf("large attempt numbers must stay capped, got %s", got)
	}
}

func TestDelayAfterHonoursRetryAfter(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	withHint := &stageclient.StatusError{Stage: "process", StatusCode: 503, RetryAfter: 7 * time.Second}
	if got := p.DelayAfter(1, withHint); got != 7*time.Second {
		t.Fatalf("expected Retry-After of 7s, got %s", got)
	}
	tooLong := &stageclient.StatusError{Stage: "process", StatusCode: 503, RetryAfter: time.Minute}
	if got := p.DelayAfter(1, tooLong); got != 10*time.Second {
		t.Fatalf("expected Retry-After capped at 10s, got %s", got)
	}
	if got := p.DelayAfter(2, errors.New("boom")); got != 2*time.Second {
		t.Fatalf("expected computed backoff of 2s, got %s", got)
	}
}

func TestRetryPolicyFromConfigDefaults(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.MaxAttempts = 0
	cfg.Workflow.RetryBaseDelayMS = 0
	cfg.Workflow.RetryMaxDelayMS = 0
	p := RetryPolicyFromConfig(cfg)
	if p.MaxAttempts != defaultMaxAttempts || p.BaseDelay != defaultBaseDelay || p.MaxDelay != defaultMaxDelay {
		t.Fatalf("unexpected defaults %+v", p)
	}
}

func TestSleepContextStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleepContext(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep ignored cancellation")
	}
}

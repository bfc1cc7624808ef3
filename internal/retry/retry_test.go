package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stowage-io/stowage/internal/fault"
)

func TestDelayWindows(t *testing.T) {
	p := Policy{
		BaseDelay:     1000 * time.Millisecond,
		JitterCeiling: 1000 * time.Millisecond,
	}

	windows := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 1000 * time.Millisecond, 2000 * time.Millisecond},
		{2, 2000 * time.Millisecond, 3000 * time.Millisecond},
		{3, 4000 * time.Millisecond, 5000 * time.Millisecond},
		{4, 8000 * time.Millisecond, 9000 * time.Millisecond},
		{5, 16000 * time.Millisecond, 17000 * time.Millisecond},
	}

	for _, w := range windows {
		for i := 0; i < 100; i++ {
			d := p.Delay(w.attempt)
			if d < w.min || d >= w.max {
				t.Fatalf("attempt %d: delay %v outside [%v, %v)", w.attempt, d, w.min, w.max)
			}
		}
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 4, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fault.New(fault.KindTransient, "op", "flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	last := fault.New(fault.KindTransient, "op", "still down")
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return last
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if !errors.Is(err, last) {
		t.Errorf("expected last error to surface, got %v", err)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return fault.New(fault.KindValidation, "op", "bad input")
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !fault.Is(err, fault.KindValidation) {
		t.Errorf("expected validation fault, got %v", err)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, Policy{MaxAttempts: 10, BaseDelay: time.Hour}, func(ctx context.Context) error {
		calls++
		return fault.New(fault.KindTransient, "op", "slow")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestDoCustomClassifier(t *testing.T) {
	sentinel := errors.New("retry me")
	calls := 0
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Classify:    func(err error) bool { return errors.Is(err, sentinel) },
	}
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel, got %v", err)
	}
}

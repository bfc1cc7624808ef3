// Package retry wraps fallible operations with exponential backoff and
// jitter. Only errors the policy classifies as retryable are attempted
// again; the last error is always surfaced.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/stowage-io/stowage/internal/fault"
	"github.com/stowage-io/stowage/internal/metrics"
)

// Policy controls attempt count, backoff shape, and error classification.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// BaseDelay is the backoff base. The wait after the nth failed
	// attempt is BaseDelay*2^(n-1) plus uniform jitter.
	BaseDelay time.Duration

	// JitterCeiling bounds the uniform jitter added to each wait.
	JitterCeiling time.Duration

	// Classify reports whether an error is worth retrying. When nil,
	// only transient storage faults are retried.
	Classify func(error) bool

	// Op names the operation for metrics and logs.
	Op string
}

// Delay returns the wait applied after the nth failed attempt (n >= 1):
// BaseDelay*2^(n-1) plus uniform jitter in [0, JitterCeiling).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay << uint(attempt-1)
	if p.JitterCeiling > 0 {
		d += time.Duration(rand.Int63n(int64(p.JitterCeiling)))
	}
	return d
}

func (p Policy) retryable(err error) bool {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return fault.IsTransient(err)
}

// Do runs op until it succeeds, exhausts the policy's attempts, or fails
// with a non-retryable error. Context cancellation interrupts backoff
// waits and returns ctx.Err().
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(p.Op)
		}

		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

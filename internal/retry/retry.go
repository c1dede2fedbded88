// Package retry implements the bounded retry policy applied to upstream
// transcription and summarization calls.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy controls how many attempts are made and how long to back off between
// them. The delay before retry n (n >= 1) is BaseDelay * 2^(n-1) plus a
// uniformly random jitter in [0, MaxJitter).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxJitter   time.Duration

	// OnRetry, when set, is called before each backoff sleep with the attempt
	// number that just failed and its error.
	OnRetry func(attempt int, err error)
}

// Default matches the upstream call policy: four attempts, one second base
// delay doubling per attempt, up to 300ms of jitter.
var Default = Policy{
	MaxAttempts: 4,
	BaseDelay:   time.Second,
	MaxJitter:   300 * time.Millisecond,
}

// Do runs fn up to p.MaxAttempts times. Only errors for which transient
// returns true are retried; any other error propagates immediately. After the
// final attempt the last error is returned as-is.
func Do(ctx context.Context, p Policy, transient func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt == attempts || transient == nil || !transient(err) {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if sleepErr := sleep(ctx, p.delay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.MaxJitter)))
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package throttle limits the read bandwidth of the copy workers.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/tokenbucket"
)

// Throttler is shared by all workers. A nil *Throttler does not throttle.
type Throttler struct {
	mu     sync.Mutex
	bucket tokenbucket.TokenBucket
	burst  tokenbucket.Tokens
}

// New returns a throttler admitting mbPerSec MiB per second, or nil when
// mbPerSec is not positive.
func New(mbPerSec float64) *Throttler {
	if mbPerSec <= 0 {
		return nil
	}
	t := &Throttler{}
	rate := tokenbucket.TokensPerSecond(mbPerSec) * (1 << 20)
	// Allow a burst of 100ms worth of reads.
	t.burst = tokenbucket.Tokens(rate * 0.1)
	t.bucket.Init(rate, t.burst)
	return t
}

// Wait blocks until n bytes may be read or ctx is done.
func (t *Throttler) Wait(ctx context.Context, n int) error {
	if t == nil || n <= 0 {
		return nil
	}
	// Requests larger than the burst are admitted piecewise.
	remaining := tokenbucket.Tokens(n)
	for remaining > 0 {
		want := min(remaining, t.burst)
		t.mu.Lock()
		ok, d := t.bucket.TryToFulfill(want)
		t.mu.Unlock()
		if ok {
			remaining -= want
			continue
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

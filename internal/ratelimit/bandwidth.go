package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// BandwidthShaper throttles a session's outbound byte rate. Optional —
// SPEC_FULL.md §5 supplements the core buffer-cap invariant with this
// second throttle, disabled when bytesPerSec is 0. Grounded directly on
// the teacher's BandwidthMeter in internal/relay/bandwidth.go, minus the
// DB-sync goroutine (the broker keeps no cross-restart persistence).
type BandwidthShaper struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateVal  rate.Limit
	burst    int
}

// NewBandwidthShaper returns a disabled shaper when bytesPerSec <= 0 —
// Wait then becomes a no-op, so callers don't need to branch on whether
// shaping is configured.
func NewBandwidthShaper(bytesPerSec, burst int) *BandwidthShaper {
	return &BandwidthShaper{
		limiters: make(map[string]*rate.Limiter),
		rateVal:  rate.Limit(bytesPerSec),
		burst:    burst,
	}
}

// Wait blocks until sessionID's limiter admits n bytes, chunking by burst
// size when n exceeds it so WaitN never rejects outright.
func (b *BandwidthShaper) Wait(ctx context.Context, sessionID string, n int) error {
	if b.rateVal <= 0 {
		return nil
	}
	lim := b.limiter(sessionID)
	for n > 0 {
		chunk := n
		if chunk > b.burst {
			chunk = b.burst
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (b *BandwidthShaper) limiter(sessionID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	lim, ok := b.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(b.rateVal, b.burst)
		b.limiters[sessionID] = lim
	}
	return lim
}

// Forget drops a session's limiter once it terminates, so the map doesn't
// grow unboundedly across session churn.
func (b *BandwidthShaper) Forget(sessionID string) {
	b.mu.Lock()
	delete(b.limiters, sessionID)
	b.mu.Unlock()
}

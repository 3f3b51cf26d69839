package token

import (
    "context"
    "sync"
    "time"
)

// bucket is a stdlib-only token bucket gating acquisition attempts.
// - rate: attempts per second
// - capacity: maximum attempts the bucket can hold (burst)
type bucket struct {
    rate     float64
    capacity float64

    mu     sync.Mutex
    tokens float64
    last   time.Time
}

func newBucket(perSecond float64, burst int) *bucket {
    if perSecond <= 0 { perSecond = 0.0000001 }
    if burst <= 0 { burst = 1 }
    return &bucket{
        rate:     perSecond,
        capacity: float64(burst),
        tokens:   float64(burst), // start full to allow an initial burst
        last:     time.Now(),
    }
}

// wait blocks until one attempt is available or the context is canceled.
func (b *bucket) wait(ctx context.Context) error {
    for {
        b.mu.Lock()
        now := time.Now()
        // Refill
        elapsed := now.Sub(b.last).Seconds()
        if elapsed > 0 {
            b.tokens += elapsed * b.rate
            if b.tokens > b.capacity {
                b.tokens = b.capacity
            }
            b.last = now
        }
        if b.tokens >= 1 {
            b.tokens -= 1
            b.mu.Unlock()
            return nil
        }
        // Need to wait for the remaining fraction
        deficit := 1 - b.tokens
        b.mu.Unlock()
        waitDur := time.Duration(deficit/b.rate*1e9) * time.Nanosecond
        if waitDur <= 0 { waitDur = time.Millisecond }
        timer := time.NewTimer(waitDur)
        select {
        case <-ctx.Done():
            timer.Stop()
            return ctx.Err()
        case <-timer.C:
        }
    }
}

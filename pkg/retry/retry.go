package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Default profile for provisioning-style waits: quick first probes, capped
// so a wedged target is still re-checked about twice a minute.
var (
	DefaultInitial = 2 * time.Second
	DefaultCap     = 30 * time.Second
)

// Backoff produces capped exponential delays with jitter. Not safe for
// concurrent use; each waiter owns its own Backoff.
type Backoff struct {
	Initial time.Duration
	Cap     time.Duration
	Jitter  float64 // fraction of each delay randomized, 0 disables

	next time.Duration
}

// New returns a Backoff with the default jitter fraction.
func New(initial, cap time.Duration) *Backoff {
	return &Backoff{Initial: initial, Cap: cap, Jitter: 0.2}
}

// Default returns a Backoff with the package default profile.
func Default() *Backoff {
	return New(DefaultInitial, DefaultCap)
}

// Next returns the next delay and advances the schedule.
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Initial
	}
	d := b.next
	b.next *= 2
	if b.next > b.Cap {
		b.next = b.Cap
	}
	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	return d
}

// Reset returns the schedule to the initial delay. Callers reset after a
// success so the next failure starts cheap again.
func (b *Backoff) Reset() {
	b.next = 0
}

// Sleep blocks for the next delay or until ctx is done.
func (b *Backoff) Sleep(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op until it succeeds or attempts are exhausted, backing off
// between failures. attempts <= 0 retries without bound. The last op error
// is returned; cancellation mid-backoff wraps it.
func Do(ctx context.Context, b *Backoff, attempts int, op func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempts > 0 && attempt >= attempts {
			return err
		}
		if sleepErr := b.Sleep(ctx); sleepErr != nil {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
	}
}

/*
Package retry implements capped exponential backoff with jitter.

Every wait loop in Hutch shares this schedule: SSH reachability probes,
provider state polls, durable-store writes, and the agent's never-dying
consume loop. The schedule doubles from Initial up to Cap, randomizes each
delay by the Jitter fraction so synchronized waiters spread out, and resets
to Initial after a success.

Two usage modes:

	// Bounded: give up after N attempts, surfacing the last error.
	err := retry.Do(ctx, retry.Default(), 5, func() error {
		return store.Append(ev)
	})

	// Unbounded: loop until the context is canceled.
	b := retry.Default()
	for {
		if err := pass(); err != nil {
			if b.Sleep(ctx) != nil {
				return // shutting down
			}
			continue
		}
		b.Reset()
	}

The defaults (2s initial, 30s cap) bound how stale a wedged poll target can
get while keeping first retries cheap.
*/
package retry

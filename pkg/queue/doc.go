/*
Package queue implements the per-instance delivery queues: named in-memory
queues with at-least-once, visibility-timeout message delivery.

Each subscribed instance owns one queue. The publisher fans a change event
out by sending one envelope per subscribed queue; the agent long-polls its
own queue, applies what it receives, and acks. A received message turns
invisible for the visibility window and reappears, in FIFO position and
with a bumped redelivery count, if it is not acked in time. Delivery is
at-least-once by construction and the agent's sequence-number dedupe makes
redelivery harmless.

Ordering is FIFO within a queue only. No ordering is promised across
queues, and none is needed: every agent reconciles independently by
sequence number.

Receipt handles are per-delivery UUIDs. A handle goes stale when its
message is redelivered; acking a stale handle returns ErrUnknownReceipt,
which consumers treat as "someone else will ack the newer delivery", not as
a failure.

# Usage

	b := queue.NewBroker(queue.DefaultVisibility)
	b.Ensure("hutch-agent-_env_box-0")

	_ = b.Send("hutch-agent-_env_box-0", envelope)

	ds, err := b.Receive(ctx, "hutch-agent-_env_box-0", 10, 20*time.Second)
	for _, d := range ds {
		// apply d.Body
		_ = b.Ack("hutch-agent-_env_box-0", d.ReceiptHandle)
	}

# Integration Points

  - pkg/publisher: creates queues on subscribe, fans out envelopes
  - pkg/api: exposes receive/ack over HTTP for remote agents
  - pkg/agent: the consumer side, via the api client in production
  - server janitor: drops queues of terminated instances, reports depths
*/
package queue

/*
Package publisher is the write side of eventually-consistent SSH key
distribution: operators register and deregister keys against
(namespace, group) scopes, and every change fans out to the delivery
queues of the boxes subscribed to that scope.

# Architecture

	                 ┌──────────── PUBLISHER ────────────┐
	 register ──────►│                                   │
	 deregister ────►│  keystore append (dense sequence) │
	                 │              │                    │
	                 │              ▼                    │
	                 │  fan out Envelope JSON            │
	                 │   to subscribed queues            │
	                 └───────┬──────────┬────────────────┘
	                         │          │
	                 ┌───────▼──┐  ┌────▼─────┐
	                 │ queue A  │  │ queue B  │   one queue per box
	                 └───────┬──┘  └────┬─────┘
	                         │          │
	                      agent A    agent B

# Sequencing

The key store assigns each scope a dense, monotonic sequence inside the
append transaction, so the publisher never invents numbers and no two
changes share one. No-op operations (registering a key already in the
scope, removing one that is not) consume no sequence and deliver no
message, which is what lets agents treat any numeric hole as a lost
message rather than guessing whether it was a blank.

Fan-out happens after the append commits. Delivery is therefore
at-least-once on top of the queue broker's visibility-timeout
semantics, and ordering across scopes is undefined; agents order by
sequence, not arrival.

# Subscriptions

Each box gets one queue, named from its identity, subscribed to every
(namespace, group) its role listens on. Re-subscribing replaces the
group set. The Cleanup pass drops queues whose box is terminated or
gone and prunes aged terminated registry records; the server schedules
it periodically.

# Write durability

Key store writes retry up to five times with a short backoff before the
failure escalates wrapped in keystore.ErrUnavailable, which the API
maps to a retryable status. Reads (Snapshot, ChangesSince, SeedKeys)
pass straight through.

# Usage

	pub, err := publisher.New(keys, queues, store, broker, publisher.Config{})

	rec, err := pub.Register(ctx, "/env/", []string{"ops"}, keyBytes, "alice")
	err = pub.Deregister(ctx, "/env/", []string{"ops"}, rec.Fingerprint)

	sub, err := pub.Subscribe(ctx, id, []string{"default", "ops"})
	records, watermark, err := pub.Snapshot("/env/", "ops")
*/
package publisher

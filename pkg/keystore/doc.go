/*
Package keystore implements the durable, append-only store for key
membership state using BoltDB.

Three buckets back the publisher:

	events:    (namespace|group|sequence) → ChangeEvent, never rewritten
	keys:      (namespace|group|fingerprint) → KeyRecord, the materialized
	           current membership of each scope
	sequences: (namespace|group) → last assigned sequence (the watermark)

Sequence assignment, the event append, and the membership update happen in
one BoltDB transaction. The publisher is the only writer; agents and the
snapshot endpoint are pure readers. Sequences are dense per scope because a
register of an already-present fingerprint (or a deregister of an absent
one) is a no-op that consumes nothing, so every assigned sequence marks a
real membership change.

Snapshots are a prefix scan of the keys bucket plus the stored watermark,
not an event replay, so bootstrap cost is proportional to the member count
rather than the event history.

# Usage

	ks, err := keystore.Open("/var/lib/hutch")
	if err != nil { ... }
	defer ks.Close()

	ev, applied, err := ks.AppendAdd("/env/", "admins", rec)
	if applied {
		// fan out ev to subscribed queues
	}

	records, watermark, err := ks.Snapshot("/env/", "admins")
	tail, err := ks.ListSince("/env/", "admins", watermark-10)

# Integration Points

  - pkg/publisher: the sole writer; fans out applied events
  - pkg/api: serves snapshots and key listings from it
  - cmd/hutch-migrate: migrates legacy single-scope layouts
*/
package keystore

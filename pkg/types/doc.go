/*
Package types defines the core data structures shared across Hutch.

The types package is the dependency root of the module: every other package
imports it and it imports nothing but the standard library. It holds the
instance model (identity, lifecycle state, volume references), the key
synchronization model (key records, change events, queue envelopes,
subscriptions), and the image model.

# Core Types

Identity:
  - (Namespace, Role, Ordinal) triple locating one managed instance
  - Namespace is a hierarchical path, "/"-rooted and "/"-terminated
  - Ordinal disambiguates siblings of the same role
  - At most one live Instance may hold a given Identity at a time

Instance:
  - A single managed compute resource ("box") and its lifecycle state
  - Carries the provider resource handle, reachability metadata
    (address, admin account), source image, and volume references
  - Created and mutated only by the lifecycle controller

InstanceState:
  - unbound → pending → booting → awaiting_ssh → bootstrapping → ready
  - ready ⇄ stopped via stopping/starting; stopped → imaging
  - terminated is terminal; ready and stopped are the stable states

KeyRecord / ChangeEvent / Envelope:
  - KeyRecord: one authorized public key with owner and group metadata,
    immutable once created
  - ChangeEvent: an add or remove at a dense, per-(namespace, group)
    sequence number; the append-only unit of the durable key store
  - Envelope: the JSON wire form delivered on per-instance queues

Image:
  - Snapshot of a stopped instance's boot volume
  - Named "<role>_<unix timestamp>" so images sort by creation time

# State Machine

	unbound → pending → booting → awaiting_ssh → bootstrapping → ready
	                                                              │
	                                  ┌── stopping ◄──────────────┘
	                                  ▼
	                               stopped ──► starting ──► ready
	                                  │
	                                  ├──► imaging ──► stopped
	                                  ▼
	                              terminated  (from any non-terminal state)

# Usage

	id := types.Identity{Namespace: "/env/", Role: "box", Ordinal: 0}

	inst := &types.Instance{
		Identity:  id,
		State:     types.StatePending,
		AdminUser: "admin",
		CreatedAt: time.Now(),
	}

	ev := &types.ChangeEvent{
		Namespace:   "/env/",
		Group:       "admins",
		Sequence:    42,
		Op:          types.OpAdd,
		Fingerprint: rec.Fingerprint,
		Key:         rec,
	}

# Integration Points

This package is imported by:

  - pkg/storage: persists Instance records
  - pkg/keystore: persists KeyRecord and ChangeEvent
  - pkg/controller: drives InstanceState transitions
  - pkg/publisher, pkg/agent: exchange Envelope values
  - pkg/api: serializes these types over HTTP
*/
package types

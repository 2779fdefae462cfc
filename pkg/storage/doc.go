/*
Package storage provides persistent state storage for the instance registry
using BoltDB.

The registry is the source of truth for instance identities: which
(namespace, role, ordinal) triples are claimed, what lifecycle state each
instance is in, and which images and agent subscriptions exist. The
Namespace Resolver reads it; the Lifecycle Controller is its only writer
for instance records.

# Architecture

	┌──────────────────── REGISTRY STORE ──────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Store Interface               │          │
	│  │  - Instance registration (CAS) and CRUD    │          │
	│  │  - Image bookkeeping                       │          │
	│  │  - Agent subscription bookkeeping          │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              BoltStore                     │          │
	│  │  - Single-file embedded B+tree (hutch.db)  │          │
	│  │  - JSON-serialized records per bucket      │          │
	│  │  - buckets: instances, images,             │          │
	│  │    subscriptions                           │          │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Identity Claims

RegisterInstance is a compare-and-register: the existence check and the put
run inside one BoltDB update transaction. Two concurrent Create calls for
the same identity therefore serialize; exactly one wins, the other receives
ErrIdentityTaken before any provider resource has been requested. Records in
the terminated state do not block a new claim: identities are reusable
after teardown, and the terminated row is simply overwritten.

Keys are canonical identity strings ("/env/box 0"), so a bucket scan lists
a namespace's instances in lexical identity order.

# Usage

	store, err := storage.NewBoltStore("/var/lib/hutch")
	if err != nil { ... }
	defer store.Close()

	err = store.RegisterInstance(&types.Instance{
		Identity: id,
		State:    types.StatePending,
	})
	if errors.Is(err, storage.ErrIdentityTaken) {
		// another Create won the race
	}

	boxes, err := store.ListInstancesByRole("/env/", "box")

# Retention

Terminated instance rows are kept for audit until PruneTerminated removes
those last touched before the retention cutoff. The server janitor calls it
on a schedule.

# Integration Points

  - pkg/controller: claims identities, persists every state transition
  - pkg/resolver: reads instance records for lookups
  - pkg/imaging: records images and their provider state
  - pkg/publisher: tracks which queues subscribe to which key scope
  - cmd/hutch-migrate: rewrites legacy bucket layouts in place
*/
package storage

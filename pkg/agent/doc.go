// Package agent keeps a box's authorized_keys file converged with the
// key membership of its (namespace, group) scopes.
//
// # Architecture
//
// The agent consumes two feeds from the control plane: full snapshots
// and the per-box change event queue. Snapshots establish a baseline;
// events move it forward.
//
//	               ┌────────────┐   snapshot    ┌───────────────┐
//	               │  control   │──────────────▶│     agent     │
//	               │   plane    │   events      │               │
//	               │            │──────────────▶│  scope state  │
//	               └────────────┘   (queue)     └───────┬───────┘
//	                                                    │ atomic write
//	                                                    ▼
//	                                            authorized_keys
//
// Each scope tracks a watermark, the sequence number of the last change
// event folded in. Sequences are dense per scope, which makes every
// delivery classifiable on sight:
//
//	sequence <= watermark      stale redelivery, drop
//	sequence == watermark+1    apply
//	sequence >  watermark+1    events were lost, rebuild from snapshot
//
// The queue delivers at least once and in no guaranteed order, so each
// batch is sorted by sequence before applying. A batch is folded into
// scope state first and written to disk once, whatever its size; acks
// go out only after the write lands, so a crash between apply and write
// redelivers the batch and the watermark check absorbs the replay.
//
// # File ownership
//
// The agent owns the file below the keyfile marker line and preserves
// whatever the operator keeps above it, including the control plane key
// seeded at provision time. Writes go through keyfile.WriteAtomic so
// sshd never observes a half-written file.
//
// # Liveness
//
// Run never exits on failure, only on ctx cancellation. Unreachable
// control planes are retried with backoff, a vanished queue triggers
// resubscribe plus full resync, and a periodic refresh rebuilds every
// scope to bound staleness when loss goes undetected.
//
// # Usage
//
// The api client's AgentSource satisfies both source interfaces:
//
//	src := client.AgentSource(identity, []string{"default", "ops"})
//	a, err := agent.New(agent.Config{
//	    Namespace: "/prod/",
//	    Groups:    []string{"default", "ops"},
//	    KeyFile:   "/home/admin/.ssh/authorized_keys",
//	}, src, src)
//	if err != nil {
//	    return err
//	}
//	return a.Run(ctx)
package agent

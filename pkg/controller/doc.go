/*
Package controller implements the box lifecycle engine: it provisions
instances from role blueprints, drives them through their state machine,
and tears them down, keeping the registry record and the provider
resource in step at every transition.

# Architecture

	┌───────────────────── LIFECYCLE CONTROLLER ─────────────────────┐
	│                                                                │
	│   Create ──► register identity (CAS) ──► provider create       │
	│                      │                        │                │
	│                      ▼                        ▼                │
	│              per-identity lock        wait running + address   │
	│                                               │                │
	│                                               ▼                │
	│                                   TCP probe ► SSH probe        │
	│                                               │                │
	│                                               ▼                │
	│                                  seed keys + agent env         │
	│                                               │                │
	│                                               ▼                │
	│                              bootstrap steps (all-or-nothing)  │
	│                                               │                │
	│                                               ▼                │
	│                                             ready              │
	│                                                                │
	│   collaborators: storage.Store   provider.API   role.Library   │
	│                  sshexec/probe   events.Broker  KeySource      │
	└────────────────────────────────────────────────────────────────┘

# Lifecycle

Instances move along a fixed graph; every persisted transition is
validated against it:

	unbound → pending → booting → awaiting_ssh → bootstrapping → ready
	                                                               │
	            ┌─────────────── stopping ◄───────────────────────┘
	            ▼
	         stopped ⇄ starting → ready
	            │
	         imaging → stopped

	any non-terminal state → terminated

Ready and stopped are the stable states. Terminated is terminal: the
record is kept for audit until pruned, and the identity becomes
claimable again. The imaging edges belong to the image builder, which
serializes with this package through Lock.

# Provisioning

Create is a pipeline under a single deadline (10 minutes by default).
The identity is claimed first through the registry's compare-and-register,
so racing creates resolve to one winner before any compute is requested;
losers receive ConflictError. The provider request carries the
control-plane public key as user data, the wait loops poll with the
shared exponential backoff (2s doubling to 30s), and SSH readiness means
an authenticated session ran a command, not merely an open port.

Once reachable, the box gets its handoff: the initial authorized_keys
(control-plane key as the header, managed-section marker, then the
operator keys for the role's key groups) and the per-box agent
environment file carrying identity, groups, key file path, and the
advertised server URL and token when configured. Bootstrap steps then
run over the same connection. The sequence is all-or-nothing: a failed
step restarts the run from the first step, three attempts total, so
steps are expected to be idempotent.

# Failure Handling

A deadline expiry during boot or SSH wait triggers a compensating
teardown on a fresh context: the provider resource is terminated
best-effort and the record marked terminated, so a timed-out Create
never leaks compute. ProvisioningTimeoutError reports the phase and
elapsed time.

Failures after the machine is reachable keep it alive for diagnosis: a
seeding error leaves the record in awaiting_ssh, an exhausted bootstrap
leaves it in bootstrapping with BootstrapScriptFailure carrying the
step, exit code and stderr. Terminate works from any of these states.

Operations against the wrong state (stopping a stopped box, imaging a
running one) fail with InvalidStateError before any provider call.

# Usage

	ctrl, err := controller.New(controller.Deps{
		Store:     store,
		Provider:  prov,
		Roles:     roles,
		Keys:      pub,
		Events:    broker,
		Signer:    signer,
		PublicKey: pubKey,
	}, controller.Config{})

	inst, err := ctrl.Create(ctx, "/env/", "worker", controller.CreateOptions{})
	var conflict *controller.ConflictError
	if errors.As(err, &conflict) {
		// another creator claimed the ordinal
	}

	err = ctrl.Stop(ctx, inst.Identity)
	err = ctrl.Start(ctx, inst.Identity)
	err = ctrl.Terminate(ctx, inst.Identity)

# Concurrency

Operations on one identity serialize through a per-identity mutex;
distinct identities proceed in parallel. The registry is the only
shared state, so the controller itself holds nothing that outlives an
operation. All waits take a context and stop promptly on cancellation.
*/
package controller

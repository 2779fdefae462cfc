// Package provider abstracts the compute layer that hosts boxes.
//
// The lifecycle engine never talks to a cloud SDK directly. It drives the
// API interface, which exposes the handful of calls the engine actually
// needs: launch, describe, stop, start, terminate, detach a volume, and
// the image capture quartet. Everything asynchronous on the provider side
// (booting, stopping, image baking) is observed by polling the describe
// calls; the interface has no callbacks and no streams.
//
// # Architecture
//
//	+--------------------+        +---------------------+
//	|  controller /      |        |  provider.API       |
//	|  imaging / fleet   +------->+  (interface)        |
//	+--------------------+        +----------+----------+
//	                                         |
//	                              +----------+----------+
//	                              |                     |
//	                        +-----v-----+        +------v------+
//	                        |   Fake    |        | real cloud  |
//	                        | in-memory |        | adapter     |
//	                        +-----------+        +-------------+
//
// # Status Model
//
// Instances report one of five statuses:
//
//	pending -> running -> stopping -> stopped -> (running again via start)
//	any non-terminated -> terminated
//
// The registry's state machine is richer (awaiting_ssh, bootstrapping,
// imaging and friends); those states are the engine's bookkeeping, not
// the provider's. Mapping between the two happens in the controller.
//
// Addresses follow provider convention: a machine has no address until it
// is running, loses it when stopped, and typically comes back from a
// restart with a different one. Callers re-read the address after every
// start.
//
// # The Fake
//
// Fake is a complete in-memory implementation used by the test suite and
// by dev mode. Transitions are clock-driven:
//
//	fake := provider.NewFake(
//	    provider.WithBootDelay(2*time.Second),
//	    provider.WithImageDelay(5*time.Second),
//	)
//	inst, _ := fake.CreateInstance(ctx, provider.CreateSpec{Name: "_env_box"})
//	// inst.Status == pending; poll DescribeInstance until running
//
// Fault knobs cover the unhappy paths the engine has to survive:
//
//	fake.InjectCreateError(err)  // next create fails once
//	fake.FreezeBoot()            // instances never leave pending
//	fake.FailImage(id)           // image capture fails
//
// Tests that exercise timing install a manual clock via SetClock and
// advance it instead of sleeping.
//
// # Writing a Real Adapter
//
// A cloud adapter implements API by delegating to the vendor SDK and
// normalizing its errors onto the package sentinels: a describe of an
// unknown ID must unwrap to ErrInstanceNotFound, a stop of a non-running
// machine to ErrInvalidTransition. The engine's retry and compensation
// logic keys off these sentinels, not vendor error strings.
package provider

// Package probe answers one question about a box: can we reach it yet?
//
// Provisioning spends most of its wall-clock time waiting. The provider
// reports a machine running long before sshd is up, and sshd often
// answers before cloud-init has installed the admin key. The controller
// therefore gates the awaiting_ssh state on a probe that exercises the
// full login path, not just the socket.
//
// # Probes
//
// Two mechanisms ship:
//
//	TCPProbe  connects to host:port and hangs up. Cheap, proves the
//	          network path and that something listens.
//	SSHProbe  dials, authenticates with the admin key, and runs a
//	          trivial command. Proves the box is actually usable.
//
// Both return a Result carrying the observation, a human message, and
// the check duration. Probes never retry internally; one Check is one
// observation.
//
// # Waiting
//
// WaitReady layers retry on top:
//
//	b := retry.Default()
//	ctx, cancel := context.WithTimeout(ctx, deadline)
//	defer cancel()
//	res, err := probe.WaitReady(ctx, sshProbe, b)
//
// Polling continues until the probe passes or ctx expires. On expiry the
// caller receives the last unhealthy Result together with the context
// error, so timeout reports can say what the box looked like at the end
// ("connection refused" reads very differently from "auth failed").
package probe

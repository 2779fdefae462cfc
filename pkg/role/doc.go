// Package role defines what kind of box an instance is.
//
// A role names the base image, instance type, admin login, the key
// distribution groups new boxes subscribe to, and the ordered bootstrap
// steps that turn a stock image into a working machine. Roles are the
// unit of reuse: an environment runs "three workers and a cache", and
// each of those words is a role.
//
// # Composition
//
// Reuse works by composition, not inheritance. A Capability is a named
// bundle of steps; a role (or another capability) requires capabilities,
// and Resolve flattens the requirement graph into one step sequence:
//
//	kind: Capability
//	name: apt-update
//	steps:
//	  - name: apt-update
//	    command: apt-get update
//	---
//	kind: Capability
//	name: docker
//	requires: [apt-update]
//	steps:
//	  - name: install-docker
//	    command: apt-get install -y docker.io
//	---
//	name: worker
//	instanceType: m1.small
//	requires: [docker, monitoring]
//	steps:
//	  - name: configure
//	    command: systemctl enable worker
//
// Flattening applies capabilities depth-first in declaration order, each
// exactly once no matter how many requirement paths reach it, so a base
// capability like apt-update runs a single time and always before its
// dependents. The role's own steps run last. Requirement cycles and
// dangling requirements are resolution errors, not crashes, and there is
// no resolution-order ambiguity to reason about: the step sequence is a
// pure function of the declaration order.
//
// # Manifests
//
// Definitions load from YAML files, one or more documents per file,
// usually out of a roles directory next to the server config:
//
//	lib := role.Builtin()
//	n, err := lib.LoadDir("/etc/hutch/roles")
//
// A document's kind is Role (the default when omitted) or Capability.
// Later documents replace earlier ones by name, so reloading a directory
// picks up edits.
//
// # Builtins
//
// Builtin seeds the library with the agent capability and a "base" role
// that requires it. The capability's steps install the environment file
// the controller uploads during provisioning, write the hutch-agent
// systemd unit, and enable it, so a deployment that never writes a
// manifest still launches boxes whose keys stay in sync. Operator roles
// add the agent the same way, with requires: [agent].
//
// Step commands are opaque shell strings. The controller runs them in
// order over SSH during bootstrap and reports the first failure by step
// name; nothing here interprets what the commands do.
package role

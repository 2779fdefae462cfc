/*
Package config loads the settings for both hutch binaries.

The server reads an optional YAML file layered over DefaultServer, with
CLI flags applied on top by cmd/hutch; duration fields accept Go
duration strings ("30s", "10m"). The agent daemon reads HUTCH_*
environment variables instead: agents run on the boxes themselves,
configured by the unit file the bootstrap role writes, so the
environment is the natural channel there.

	cfg, err := config.LoadServer("/etc/hutch/server.yaml")

	agentCfg, err := config.LoadAgent() // HUTCH_ROLE, HUTCH_KEY_FILE, ...

Validation is deliberately shallow: identity grammar and obvious
nonsense are rejected here, while component-level defaults (timeouts,
batch sizes) stay with the components themselves so a zero value in the
file means "whatever the component considers sane".
*/
package config

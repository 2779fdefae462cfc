/*
Package log provides structured logging for Hutch using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

Hutch's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            Global Logger                   │           │
	│  │  - Zerolog instance                        │           │
	│  │  - Initialized via log.Init()              │           │
	│  │  - Thread-safe for concurrent use          │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Configuration                    │           │
	│  │  - Level: debug/info/warn/error            │           │
	│  │  - Format: JSON or console (human)         │           │
	│  │  - Output: stdout, file, or custom writer  │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │         Context Loggers                    │           │
	│  │  - WithComponent("controller")             │           │
	│  │  - WithInstance("/env/box 0")              │           │
	│  │  - WithNamespace("/env/")                  │           │
	│  │  - WithQueue("hutch-agent-env_box-0")      │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all Hutch packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithInstance: Add instance identity context
  - WithNamespace: Add namespace context
  - WithQueue: Add delivery queue context

# Usage

Initializing the logger:

	import "github.com/hutchcloud/hutch/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("control plane started")
	log.Warn("queue depth growing")
	log.Error("snapshot fetch failed")

Structured logging:

	log.Logger.Info().
		Str("namespace", "/env/").
		Str("group", "admins").
		Uint64("sequence", 42).
		Msg("key registered")

	log.Logger.Error().
		Err(err).
		Str("instance", "/env/box 0").
		Msg("bootstrap step failed")

Component loggers:

	agentLog := log.WithComponent("agent")
	agentLog.Info().Msg("starting sync loop")

	boxLog := log.WithComponent("controller").
		With().Str("instance", id.String()).Logger()
	boxLog.Info().Msg("awaiting ssh")

# Integration Points

This package integrates with:

  - pkg/controller: Logs lifecycle transitions and SSH attempts
  - pkg/agent: Logs sync passes, duplicates, gaps, and resyncs
  - pkg/publisher: Logs key registration and fan-out
  - pkg/api: Logs HTTP requests via middleware
  - pkg/queue: Logs redeliveries and queue lifecycle
  - cmd/hutch, cmd/hutch-agent: Initialize the logger at startup

# Log Output Examples

JSON format (production):

	{"level":"info","component":"publisher","namespace":"/env/","sequence":42,"time":"2026-08-23T10:30:00Z","message":"key registered"}
	{"level":"warn","component":"agent","queue":"hutch-agent-env_box-0","time":"2026-08-23T10:30:02Z","message":"sequence gap detected, resyncing"}

Console format (development):

	10:30:00 INF key registered component=publisher namespace=/env/ sequence=42
	10:30:02 WRN sequence gap detected, resyncing component=agent queue=hutch-agent-env_box-0

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() so aggregation can group them
  - Include identity context (instance, namespace, queue)

Don't:
  - Log private key material or bearer tokens
  - Use Debug level in production
  - Log in tight poll loops (log transitions, not every attempt)
  - Concatenate strings (use .Str, .Int, .Uint64)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log

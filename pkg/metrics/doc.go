/*
Package metrics provides Prometheus metrics collection and exposition for Hutch.

The metrics package defines and registers all Hutch metrics using the Prometheus
client library, providing observability into box lifecycle operations, key
distribution, queue health, and agent convergence. Metrics are exposed via the
server's /metrics endpoint for scraping.

# Architecture

All metrics live in the Prometheus default registry and are registered at
package init, so importing the package is enough to make them scrapeable:

	┌──────────────────── METRICS SYSTEM ─────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────────┐         │
	│  │          Prometheus Registry                │         │
	│  │  - Global DefaultRegistry                   │         │
	│  │  - MustRegister at package init             │         │
	│  │  - Automatic Go runtime metrics             │         │
	│  └──────────────────┬─────────────────────────┘         │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐         │
	│  │           Metric Categories                 │         │
	│  │                                             │         │
	│  │  Operations: create/stop/start/terminate/   │         │
	│  │              image duration and outcomes    │         │
	│  │  Instances:  gauge per lifecycle state      │         │
	│  │  Events:     key change publishes, snapshots│         │
	│  │  Queues:     depth per queue, redeliveries  │         │
	│  │  Agent:      applied/duplicate/gap/resync   │         │
	│  │              counts, watermark per scope    │         │
	│  │  API:        request count and duration     │         │
	│  └──────────────────┬─────────────────────────┘         │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐         │
	│  │          HTTP Metrics Endpoint              │         │
	│  │  - Path: /metrics                           │         │
	│  │  - Format: Prometheus text exposition       │         │
	│  │  - Handler: promhttp.Handler()              │         │
	│  └────────────────────────────────────────────┘         │
	└──────────────────────────────────────────────────────────┘

# Core Components

Counters and histograms are updated inline at the point where the work
happens: the controller observes operation durations, the publisher counts
fan-out writes, the agent counts applied and duplicate events. Gauges that
describe current state (instances per lifecycle state, queue depth) are
republished periodically by the Collector so that states with no remaining
instances drop back to zero.

Timer:
  - Measures elapsed time for a single operation
  - ObserveDuration / ObserveDurationVec record into histograms
  - ObserveOperation is the controller's one-call helper: it bumps
    the operation counter and observes the duration histogram together

Collector:
  - Periodic gauge republisher (15 second interval)
  - Reads instance states through the InstanceLister interface
  - Reads queue depths through the QueueInspector interface
  - Publishes every known lifecycle state, including zeroes

Health:
  - Process-local component health registry; UpdateComponent registers
    on first use. The box agent reports its queue subscription and its
    key file through it.
  - HealthHandler and ReadyHandler serve the reports; readiness requires
    every registered component healthy, so components registered
    unhealthy at startup hold the process not-ready until the first
    successful pass.

# Usage

Observing an operation from the controller:

	timer := metrics.NewTimer()
	err := doCreate(ctx)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.ObserveOperation("create", outcome, timer.Duration())

Running the collector alongside the server:

	collector := metrics.NewCollector(store, broker)
	collector.Start()
	defer collector.Stop()

Exposing the endpoint:

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())

# Metric Naming

All metrics carry the hutch_ prefix and follow Prometheus conventions:
_total suffix for counters, _seconds for durations, base units throughout.
Label cardinality is kept low: operation names, lifecycle states, and queue
names are the only label values, all drawn from small closed sets.
*/
package metrics

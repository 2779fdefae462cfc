/*
Package events provides in-process event distribution for control-plane
observability.

The broker fans control-plane happenings (box lifecycle transitions, key
registrations, agent subscriptions) out to in-process subscribers: the
websocket watch handler, the metrics collector, and anything else that
wants a live feed. It is strictly an observability surface: key change
delivery to agents goes through pkg/queue, never through this broker, so a
slow watcher can never delay or drop a key update.

# Delivery Semantics

Publish is asynchronous: events enter a buffered channel and a single
distribution goroutine broadcasts to subscribers. Each subscriber owns a
buffered channel; a subscriber that falls behind has events skipped rather
than blocking the broker (fire-and-forget, best-effort).

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			fmt.Printf("%s %s\n", ev.Type, ev.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventBoxReady,
		Instance: id.String(),
		Message:  "bootstrap complete",
	})

# Integration Points

  - pkg/controller and pkg/imaging: publish lifecycle events
  - pkg/publisher: publishes key.* and agent.* events
  - pkg/api: bridges the broker onto the /v1/watch websocket
  - pkg/metrics: counts events by type
*/
package events

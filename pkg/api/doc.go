/*
Package api implements the Hutch control-plane HTTP API and its Go client.

The api package is the single external surface of a hutch server. The CLI,
box agents, and automation all speak this JSON-over-HTTP API; nothing else
reaches the controller, publisher, or stores directly.

# Architecture

	┌──────────── CLIENT (CLI / hutch-agent) ─────────────┐
	│                                                     │
	│  api.Client ── bearer token ── retries idempotent   │
	│       │                        verbs with backoff   │
	└───────┼─────────────────────────────────────────────┘
	        │ HTTP/JSON (port 8080), WebSocket for /v1/watch
	        │
	┌───────▼──────────── SERVER ─────────────────────────┐
	│                                                     │
	│  chi router                                         │
	│    recoverer → request logger/metrics → auth        │
	│       │                                             │
	│       ├── /healthz /readyz /metrics    (public)     │
	│       └── /v1/* ──┬── controller  (box lifecycle)   │
	│                   ├── fleet       (parallel grow)   │
	│                   ├── imaging     (capture/list)    │
	│                   ├── publisher   (keys, queues)    │
	│                   └── events      (watch stream)    │
	└─────────────────────────────────────────────────────┘

# Routes

Key distribution:

  - POST   /v1/keys: register a public key into (namespace, groups)
  - GET    /v1/keys?namespace=&group=: list scope membership
  - DELETE /v1/keys/{fingerprint}?namespace=&group=: deregister
  - GET    /v1/snapshot?namespace=&group=: membership plus watermark

Agent delivery:

  - POST   /v1/subscriptions: bind a box's queue into its key scopes
  - DELETE /v1/subscriptions/{queue}: tear the binding down
  - POST   /v1/queues/{queue}/receive: long-poll for change events
  - POST   /v1/queues/{queue}/ack: delete a delivered message

Box lifecycle:

  - GET    /v1/boxes?namespace=&role=: list registered boxes
  - POST   /v1/boxes: create one box, or count > 1 for a parallel grow
  - GET    /v1/boxes/{id}: fetch one box
  - POST   /v1/boxes/{id}/stop | start | terminate: transitions
  - POST   /v1/boxes/{id}/image: capture an image from a stopped box

Images:

  - GET    /v1/images?role=: list captured images
  - DELETE /v1/images/{id}: deregister and delete

Events:

  - GET /v1/watch: upgrade to a websocket event stream

Box ids on the wire are the provider-name form of the identity, for
example "_env_box-0" for ordinal 0 of role "box" in namespace "/env/".

# Authentication

/v1 routes require a static bearer token when the server is configured
with one; /healthz, /readyz, and /metrics stay open for probes and
scrapes. Token comparison is constant-time.

# Errors

Failures carry a JSON body {"error": ..., "code": ...}. The code is the
contract: clients map it back to sentinel errors rather than parsing
messages.

	code               status  meaning
	invalid_argument   400     malformed input or reference
	ambiguous          400     reference matches several boxes
	unauthorized       401     missing or wrong bearer token
	not_found          404     no such box, key, or image
	unknown_receipt    404     receipt expired or already acked
	conflict           409     identity already registered
	invalid_state      409     transition not allowed from current state
	queue_gone         410     subscription dropped, resubscribe
	unavailable        503     key store not accepting writes
	bootstrap_failed   502     bootstrap script exited nonzero
	provision_timeout  504     box did not reach ready in time
	imaging_timeout    504     image did not become available in time
	internal           500     everything else

queue_gone is load-bearing for agents: it is the signal that the
subscription vanished and the watermark protocol must restart from a
snapshot.

# Asynchronous operations

POST /v1/boxes accepts "async": true, detaching provisioning from the
request. Detached work runs under the server's own context, bounded by
Config.AsyncTimeout, and Stop waits for it. The response is 202 and the
caller follows progress through listings or the watch stream.

# Usage

	srv, err := api.NewServer(api.Deps{
		Controller: ctrl,
		Fleet:      flt,
		Imaging:    builder,
		Publisher:  pub,
		Store:      store,
		Events:     broker,
	}, api.Config{Addr: ":8080", Token: token})
	if err != nil {
		return err
	}
	go srv.Start()
	defer srv.Stop(ctx)

The Client half lives in client.go and mirrors every route as a typed
method. Its AgentSource adapter satisfies the agent package's snapshot
and message source interfaces, so a box agent is wired with a single
Client value.

# Integration points

  - pkg/controller: box lifecycle behind the box routes
  - pkg/fleet: parallel create behind count > 1
  - pkg/imaging: capture behind the image routes
  - pkg/publisher: key distribution and queue delivery
  - pkg/events: the broker feeding /v1/watch
  - pkg/agent: consumes this API through Client.AgentSource
*/
package api

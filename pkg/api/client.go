package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hutchcloud/hutch/pkg/keystore"
	"github.com/hutchcloud/hutch/pkg/queue"
	"github.com/hutchcloud/hutch/pkg/retry"
	"github.com/hutchcloud/hutch/pkg/storage"
	"github.com/hutchcloud/hutch/pkg/types"
)

// ClientConfig configures a control-plane client.
type ClientConfig struct {
	BaseURL string
	Token   string

	// HTTPClient overrides the default transport, mainly for tests.
	// Leave its Timeout zero: queue receives long-poll and synchronous
	// creates hold the connection open for the whole provisioning run.
	HTTPClient *http.Client

	// Retries caps re-attempts of idempotent requests after transport
	// errors or 5xx responses. Non-idempotent verbs are never retried.
	Retries      int
	RetryInitial time.Duration
	RetryCap     time.Duration
}

// Client speaks the control-plane HTTP API. The CLI and box agents are
// both built on it. Safe for concurrent use.
type Client struct {
	base         string
	token        string
	httpc        *http.Client
	retries      int
	retryInitial time.Duration
	retryCap     time.Duration
}

// NewClient validates the base URL and returns a ready client.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("base url %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q: missing host", cfg.BaseURL)
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 2
	}
	initial := cfg.RetryInitial
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	rcap := cfg.RetryCap
	if rcap <= 0 {
		rcap = 2 * time.Second
	}
	return &Client{
		base:         strings.TrimRight(u.String(), "/"),
		token:        cfg.Token,
		httpc:        httpc,
		retries:      retries,
		retryInitial: initial,
		retryCap:     rcap,
	}, nil
}

// APIError is a non-2xx response. Code carries the server's error code;
// Unwrap maps the well-known ones back to sentinel errors so callers
// can errors.Is against them.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s, http %d)", e.Message, e.Code, e.Status)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case codeNotFound:
		return storage.ErrNotFound
	case codeQueueGone:
		return queue.ErrNoSuchQueue
	case codeUnknownReceipt:
		return queue.ErrUnknownReceipt
	case codeUnavailable:
		return keystore.ErrUnavailable
	default:
		return nil
	}
}

// do issues one API request. Idempotent verbs are retried with backoff
// on transport errors and 5xx responses; everything else gets one shot.
func (c *Client) do(ctx context.Context, method, pathAndQuery string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	idempotent := method == http.MethodGet || method == http.MethodDelete
	backoff := retry.New(c.retryInitial, c.retryCap)

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+pathAndQuery, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			if idempotent && attempt < c.retries && ctx.Err() == nil {
				if backoff.Sleep(ctx) == nil {
					continue
				}
			}
			return fmt.Errorf("%s %s: %w", method, pathAndQuery, err)
		}

		if resp.StatusCode >= http.StatusInternalServerError && idempotent && attempt < c.retries {
			drain(resp)
			if backoff.Sleep(ctx) == nil {
				continue
			}
			return ctx.Err()
		}
		return c.finish(resp, out)
	}
}

func (c *Client) finish(resp *http.Response, out any) error {
	defer drain(resp)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return readError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body errorBody
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return &APIError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
	}
	return &APIError{
		Status:  resp.StatusCode,
		Code:    codeInternal,
		Message: strings.TrimSpace(string(raw)),
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

// Key distribution.

// RegisterKey publishes a public key into its scopes.
func (c *Client) RegisterKey(ctx context.Context, req RegisterKeyRequest) (*KeyView, error) {
	var out KeyView
	if err := c.do(ctx, http.MethodPost, "/v1/keys", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListKeys returns the members of a key scope.
func (c *Client) ListKeys(ctx context.Context, ns, group string) ([]KeyView, error) {
	q := url.Values{"namespace": {ns}}
	if group != "" {
		q.Set("group", group)
	}
	var out struct {
		Keys []KeyView `json:"keys"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/keys?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// DeregisterKey revokes a key from the given groups, or all of its
// groups when none are named.
func (c *Client) DeregisterKey(ctx context.Context, ns string, groups []string, fingerprint string) error {
	q := url.Values{"namespace": {ns}}
	for _, g := range groups {
		q.Add("group", g)
	}
	p := "/v1/keys/" + url.PathEscape(fingerprint) + "?" + q.Encode()
	return c.do(ctx, http.MethodDelete, p, nil, nil)
}

// Snapshot returns a scope's full membership and watermark.
func (c *Client) Snapshot(ctx context.Context, ns, group string) (*SnapshotView, error) {
	q := url.Values{"namespace": {ns}}
	if group != "" {
		q.Set("group", group)
	}
	var out SnapshotView
	if err := c.do(ctx, http.MethodGet, "/v1/snapshot?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscriptions and queues.

// Subscribe binds a box's delivery queue into its key scopes.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) (*SubscriptionView, error) {
	var out SubscriptionView
	if err := c.do(ctx, http.MethodPost, "/v1/subscriptions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unsubscribe tears a subscription down. Unknown queues are a no-op.
func (c *Client) Unsubscribe(ctx context.Context, queueName string) error {
	return c.do(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(queueName), nil, nil)
}

// Receive long-polls a delivery queue for up to max messages.
func (c *Client) Receive(ctx context.Context, queueName string, max int, wait time.Duration) ([]MessageView, error) {
	req := ReceiveRequest{Max: max, WaitSeconds: int(wait / time.Second)}
	var out ReceiveView
	p := "/v1/queues/" + url.PathEscape(queueName) + "/receive"
	if err := c.do(ctx, http.MethodPost, p, req, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Ack deletes a delivered message by its receipt handle.
func (c *Client) Ack(ctx context.Context, queueName, receipt string) error {
	p := "/v1/queues/" + url.PathEscape(queueName) + "/ack"
	return c.do(ctx, http.MethodPost, p, AckRequest{ReceiptHandle: receipt}, nil)
}

// Box lifecycle.

// ListBoxes returns the boxes registered under a namespace, optionally
// narrowed to one role.
func (c *Client) ListBoxes(ctx context.Context, ns, role string) ([]BoxView, error) {
	q := url.Values{"namespace": {ns}}
	if role != "" {
		q.Set("role", role)
	}
	var out struct {
		Boxes []BoxView `json:"boxes"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/boxes?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Boxes, nil
}

// CreateBox provisions a single box and waits for it to reach ready.
func (c *Client) CreateBox(ctx context.Context, req CreateBoxRequest) (*BoxView, error) {
	if req.Count > 1 {
		return nil, fmt.Errorf("count %d: use Grow for multiple boxes", req.Count)
	}
	req.Async = false
	var out BoxView
	if err := c.do(ctx, http.MethodPost, "/v1/boxes", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Grow provisions count boxes in parallel and reports per-slot outcomes.
func (c *Client) Grow(ctx context.Context, req CreateBoxRequest) (*GrowView, error) {
	if req.Count < 2 {
		return nil, fmt.Errorf("count %d: use CreateBox for a single box", req.Count)
	}
	req.Async = false
	var out GrowView
	if err := c.do(ctx, http.MethodPost, "/v1/boxes", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateAsync detaches provisioning from the call; progress shows up in
// listings and the watch stream.
func (c *Client) CreateAsync(ctx context.Context, req CreateBoxRequest) error {
	req.Async = true
	return c.do(ctx, http.MethodPost, "/v1/boxes", req, nil)
}

// GetBox fetches one box by its wire id.
func (c *Client) GetBox(ctx context.Context, id string) (*BoxView, error) {
	var out BoxView
	if err := c.do(ctx, http.MethodGet, "/v1/boxes/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopBox shuts a ready box down, keeping its volumes and ordinal.
func (c *Client) StopBox(ctx context.Context, id string) (*BoxView, error) {
	return c.boxOp(ctx, id, "stop")
}

// StartBox boots a stopped box back to ready.
func (c *Client) StartBox(ctx context.Context, id string) (*BoxView, error) {
	return c.boxOp(ctx, id, "start")
}

// TerminateBox releases the box and, by default, its volumes.
func (c *Client) TerminateBox(ctx context.Context, id string) (*BoxView, error) {
	return c.boxOp(ctx, id, "terminate")
}

func (c *Client) boxOp(ctx context.Context, id, op string) (*BoxView, error) {
	var out BoxView
	p := "/v1/boxes/" + url.PathEscape(id) + "/" + op
	if err := c.do(ctx, http.MethodPost, p, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImageBox captures an image from a stopped box.
func (c *Client) ImageBox(ctx context.Context, id string, req ImageBoxRequest) (*ImageView, error) {
	var out ImageView
	p := "/v1/boxes/" + url.PathEscape(id) + "/image"
	if err := c.do(ctx, http.MethodPost, p, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Images.

// ListImages returns captured images, optionally narrowed to one role.
func (c *Client) ListImages(ctx context.Context, role string) ([]ImageView, error) {
	p := "/v1/images"
	if role != "" {
		p += "?" + url.Values{"role": {role}}.Encode()
	}
	var out struct {
		Images []ImageView `json:"images"`
	}
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out.Images, nil
}

// DeleteImage deregisters an image and deletes it at the provider.
func (c *Client) DeleteImage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/images/"+url.PathEscape(id), nil, nil)
}

// Health.

// Health reports process liveness.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready reports readiness including the per-dependency checks. The
// response is returned even when the server answers 503.
func (c *Client) Ready(ctx context.Context) (*ReadyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/readyz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, readError(resp)
	}
	var out ReadyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Watch.

// WatchOptions filter the event stream server-side.
type WatchOptions struct {
	Namespace string   // prefix match
	Types     []string // exact event types, empty means all
}

// WatchStream is an open event stream. Next blocks until an event
// arrives or the stream breaks; Close ends it.
type WatchStream struct {
	conn *websocket.Conn
}

// Watch opens a websocket event stream.
func (c *Client) Watch(ctx context.Context, opts WatchOptions) (*WatchStream, error) {
	u, err := url.Parse(c.base + "/v1/watch")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	if opts.Namespace != "" {
		q.Set("namespace", opts.Namespace)
	}
	for _, t := range opts.Types {
		q.Add("type", t)
	}
	u.RawQuery = q.Encode()

	hdr := http.Header{}
	if c.token != "" {
		hdr.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			defer drain(resp)
			return nil, readError(resp)
		}
		return nil, fmt.Errorf("watch dial: %w", err)
	}
	return &WatchStream{conn: conn}, nil
}

// Next returns the next event from the stream.
func (w *WatchStream) Next() (*EventView, error) {
	var ev EventView
	if err := w.conn.ReadJSON(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Close ends the stream.
func (w *WatchStream) Close() error {
	return w.conn.Close()
}

// AgentSource adapts the client into the snapshot and message sources a
// box agent runs on, for one box identity. Subscribe learns the queue
// name from the server; Receive and Ack use it from then on.
type AgentSource struct {
	client *Client
	id     types.Identity
	groups []string

	mu        sync.Mutex
	queueName string
}

// AgentSource returns the adapter for the given box identity and groups.
func (c *Client) AgentSource(id types.Identity, groups []string) *AgentSource {
	return &AgentSource{client: c, id: id, groups: groups}
}

// Subscribe registers (or refreshes) the box's queue subscription.
func (a *AgentSource) Subscribe(ctx context.Context) error {
	sub, err := a.client.Subscribe(ctx, SubscribeRequest{
		Namespace: a.id.Namespace,
		Role:      a.id.Role,
		Ordinal:   a.id.Ordinal,
		Groups:    a.groups,
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.queueName = sub.Queue
	a.mu.Unlock()
	return nil
}

// Receive long-polls the box's delivery queue.
func (a *AgentSource) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error) {
	name := a.queue()
	if name == "" {
		return nil, queue.ErrNoSuchQueue
	}
	msgs, err := a.client.Receive(ctx, name, max, wait)
	if err != nil {
		return nil, err
	}
	out := make([]queue.Delivery, len(msgs))
	for i, m := range msgs {
		out[i] = queue.Delivery{
			Body:          []byte(m.Body),
			ReceiptHandle: m.ReceiptHandle,
			Redelivered:   m.Redelivered,
		}
	}
	return out, nil
}

// Ack deletes a delivered message.
func (a *AgentSource) Ack(ctx context.Context, receipt string) error {
	name := a.queue()
	if name == "" {
		return queue.ErrNoSuchQueue
	}
	return a.client.Ack(ctx, name, receipt)
}

// Snapshot fetches a scope's membership and watermark.
func (a *AgentSource) Snapshot(ctx context.Context, ns, group string) ([]*types.KeyRecord, uint64, error) {
	view, err := a.client.Snapshot(ctx, ns, group)
	if err != nil {
		return nil, 0, err
	}
	records := make([]*types.KeyRecord, len(view.Keys))
	for i, k := range view.Keys {
		records[i] = &types.KeyRecord{
			Fingerprint: k.Fingerprint,
			PublicKey:   []byte(k.PublicKey),
			Owner:       k.Owner,
			Groups:      k.Groups,
			CreatedAt:   k.CreatedAt,
		}
	}
	return records, view.Watermark, nil
}

func (a *AgentSource) queue() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queueName
}

package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hutchcloud/hutch/pkg/events"
	"github.com/hutchcloud/hutch/pkg/keystore"
	"github.com/hutchcloud/hutch/pkg/log"
	"github.com/hutchcloud/hutch/pkg/metrics"
	"github.com/hutchcloud/hutch/pkg/namespace"
	"github.com/hutchcloud/hutch/pkg/queue"
	"github.com/hutchcloud/hutch/pkg/retry"
	"github.com/hutchcloud/hutch/pkg/sshexec"
	"github.com/hutchcloud/hutch/pkg/storage"
	"github.com/hutchcloud/hutch/pkg/types"
)

// DefaultGroup is the key distribution group used when an operator
// registers a key without naming any.
const DefaultGroup = types.DefaultGroup

// Config tunes the publisher.
type Config struct {
	// WriteAttempts bounds retries of key store writes before the
	// failure escalates to the caller. Zero means 5.
	WriteAttempts int

	// RetryInitial and RetryCap shape the write-retry backoff. Zero
	// means 100ms doubling to 2s; the store is local, so waits stay
	// short.
	RetryInitial time.Duration
	RetryCap     time.Duration
}

func (c Config) withDefaults() Config {
	if c.WriteAttempts == 0 {
		c.WriteAttempts = 5
	}
	if c.RetryInitial == 0 {
		c.RetryInitial = 100 * time.Millisecond
	}
	if c.RetryCap == 0 {
		c.RetryCap = 2 * time.Second
	}
	return c
}

// Publisher is the key distribution write side. It appends membership
// changes to the key store, which assigns each scope's dense sequence,
// and fans the resulting change events out to every box queue subscribed
// to the scope. Reads (snapshots, catch-up scans) pass through to the
// store.
type Publisher struct {
	keys   *keystore.Keystore
	queues *queue.Broker
	store  storage.Store
	events *events.Broker
	cfg    Config
	logger zerolog.Logger
}

// New assembles a publisher over the key store, queue broker and
// registry.
func New(keys *keystore.Keystore, queues *queue.Broker, store storage.Store, broker *events.Broker, cfg Config) (*Publisher, error) {
	switch {
	case keys == nil:
		return nil, errors.New("publisher: key store is required")
	case queues == nil:
		return nil, errors.New("publisher: queue broker is required")
	case store == nil:
		return nil, errors.New("publisher: registry store is required")
	}
	return &Publisher{
		keys:   keys,
		queues: queues,
		store:  store,
		events: broker,
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("publisher"),
	}, nil
}

// Register adds a public key to the named groups in a namespace. Groups
// the key already belongs to are skipped without consuming a sequence.
// The returned record carries the normalized group set.
func (p *Publisher) Register(ctx context.Context, ns string, groups []string, publicKey []byte, owner string) (*types.KeyRecord, error) {
	if err := namespace.Validate(ns); err != nil {
		return nil, err
	}
	fingerprint, err := sshexec.Fingerprint(publicKey)
	if err != nil {
		return nil, fmt.Errorf("register key: %w", err)
	}
	groups = normalizeGroups(groups)

	rec := &types.KeyRecord{
		Fingerprint: fingerprint,
		PublicKey:   bytes.TrimSpace(publicKey),
		Owner:       owner,
		Groups:      groups,
		CreatedAt:   time.Now().UTC(),
	}

	var applied []string
	for _, group := range groups {
		var ev *types.ChangeEvent
		var ok bool
		err := p.write(ctx, func() error {
			var werr error
			ev, ok, werr = p.keys.AppendAdd(ns, group, rec)
			return werr
		})
		if err != nil {
			return nil, fmt.Errorf("register %s in %s%s: %v: %w", fingerprint, ns, group, err, keystore.ErrUnavailable)
		}
		if !ok {
			continue
		}
		applied = append(applied, group)
		metrics.EventsPublished.WithLabelValues(string(types.OpAdd)).Inc()
		p.fanOut(ev)
		p.publishEvent(events.EventKeyRegistered, ev)
	}

	p.logger.Info().Str("fingerprint", fingerprint).Str("namespace", ns).
		Str("owner", owner).Strs("groups", applied).Msg("key registered")
	return rec, nil
}

// Deregister removes a key, by fingerprint, from the named groups.
// Groups the key is not in are skipped without consuming a sequence.
func (p *Publisher) Deregister(ctx context.Context, ns string, groups []string, fingerprint string) error {
	if err := namespace.Validate(ns); err != nil {
		return err
	}
	groups = normalizeGroups(groups)

	var applied []string
	for _, group := range groups {
		var ev *types.ChangeEvent
		var ok bool
		err := p.write(ctx, func() error {
			var werr error
			ev, ok, werr = p.keys.AppendRemove(ns, group, fingerprint)
			return werr
		})
		if err != nil {
			return fmt.Errorf("deregister %s from %s%s: %v: %w", fingerprint, ns, group, err, keystore.ErrUnavailable)
		}
		if !ok {
			continue
		}
		applied = append(applied, group)
		metrics.EventsPublished.WithLabelValues(string(types.OpRemove)).Inc()
		p.fanOut(ev)
		p.publishEvent(events.EventKeyDeregistered, ev)
	}

	p.logger.Info().Str("fingerprint", fingerprint).Str("namespace", ns).
		Strs("groups", applied).Msg("key deregistered")
	return nil
}

// ListKeys returns the current members of a scope.
func (p *Publisher) ListKeys(ns, group string) ([]*types.KeyRecord, error) {
	if err := namespace.Validate(ns); err != nil {
		return nil, err
	}
	records, _, err := p.keys.Snapshot(ns, group)
	return records, err
}

// Snapshot returns the scope's full membership and its watermark, for
// agent bootstrap and gap recovery.
func (p *Publisher) Snapshot(ns, group string) ([]*types.KeyRecord, uint64, error) {
	if err := namespace.Validate(ns); err != nil {
		return nil, 0, err
	}
	records, watermark, err := p.keys.Snapshot(ns, group)
	if err == nil {
		metrics.SnapshotsServed.Inc()
	}
	return records, watermark, err
}

// ChangesSince returns the scope's change events after the given
// sequence, ascending.
func (p *Publisher) ChangesSince(ns, group string, after uint64) ([]*types.ChangeEvent, error) {
	if err := namespace.Validate(ns); err != nil {
		return nil, err
	}
	return p.keys.ListSince(ns, group, after)
}

// SeedKeys implements the lifecycle controller's KeySource: the operator
// key lines a fresh box starts with, deduplicated across its groups.
func (p *Publisher) SeedKeys(ns string, groups []string) ([][]byte, error) {
	seen := make(map[string]bool)
	var keys [][]byte
	for _, group := range normalizeGroups(groups) {
		records, _, err := p.keys.Snapshot(ns, group)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if seen[rec.Fingerprint] {
				continue
			}
			seen[rec.Fingerprint] = true
			keys = append(keys, rec.PublicKey)
		}
	}
	return keys, nil
}

// Subscribe creates the box's delivery queue and its subscription
// record. Re-subscribing is idempotent and replaces the group set, so an
// agent can adjust its scopes by subscribing again.
func (p *Publisher) Subscribe(ctx context.Context, id types.Identity, groups []string) (*types.Subscription, error) {
	if err := namespace.Validate(id.Namespace); err != nil {
		return nil, err
	}
	sub := &types.Subscription{
		Queue:     namespace.QueueName(id),
		Identity:  id,
		Namespace: id.Namespace,
		Groups:    normalizeGroups(groups),
		CreatedAt: time.Now().UTC(),
	}
	p.queues.Ensure(sub.Queue)
	if err := p.store.CreateSubscription(sub); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", id, err)
	}
	p.publishAgentEvent(events.EventAgentSubscribed, sub)
	p.logger.Info().Str("queue", sub.Queue).Strs("groups", sub.Groups).Msg("agent subscribed")
	return sub, nil
}

// Unsubscribe drops the box's queue and subscription record. Unknown
// subscriptions are a no-op.
func (p *Publisher) Unsubscribe(ctx context.Context, id types.Identity) error {
	qname := namespace.QueueName(id)
	sub, err := p.store.GetSubscription(qname)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	p.queues.Drop(qname)
	if err := p.store.DeleteSubscription(qname); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", id, err)
	}
	p.publishAgentEvent(events.EventAgentUnsubscribed, sub)
	p.logger.Info().Str("queue", qname).Msg("agent unsubscribed")
	return nil
}

// Receive long-polls a delivery queue on behalf of an agent. An unknown
// queue surfaces queue.ErrNoSuchQueue; agents react by re-subscribing.
func (p *Publisher) Receive(ctx context.Context, queueName string, max int, wait time.Duration) ([]queue.Delivery, error) {
	return p.queues.Receive(ctx, queueName, max, wait)
}

// Ack deletes a delivered message by receipt handle.
func (p *Publisher) Ack(queueName, receipt string) error {
	return p.queues.Ack(queueName, receipt)
}

// Cleanup drops delivery queues whose box is terminated or gone from the
// registry, then prunes terminated records older than the retention
// window. It returns the number of queues dropped. The server runs this
// on a schedule.
func (p *Publisher) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	subs, err := p.store.ListSubscriptions("", "")
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}

	dropped := 0
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return dropped, err
		}
		inst, err := p.store.GetInstance(sub.Identity)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return dropped, fmt.Errorf("cleanup %s: %w", sub.Queue, err)
		}
		if err == nil && !inst.State.Terminal() {
			continue
		}
		p.queues.Drop(sub.Queue)
		if err := p.store.DeleteSubscription(sub.Queue); err != nil {
			return dropped, fmt.Errorf("cleanup %s: %w", sub.Queue, err)
		}
		dropped++
		p.logger.Info().Str("queue", sub.Queue).Msg("dropped stale delivery queue")
	}

	if retention > 0 {
		pruned, err := p.store.PruneTerminated(time.Now().Add(-retention))
		if err != nil {
			return dropped, fmt.Errorf("cleanup prune: %w", err)
		}
		if pruned > 0 {
			p.logger.Info().Int("pruned", pruned).Msg("pruned terminated records")
		}
	}
	return dropped, nil
}

// write runs a key store mutation under the bounded retry policy.
func (p *Publisher) write(ctx context.Context, op func() error) error {
	return retry.Do(ctx, retry.New(p.cfg.RetryInitial, p.cfg.RetryCap), p.cfg.WriteAttempts, op)
}

// fanOut delivers the event to every queue subscribed to its scope. A
// queue missing under a live subscription record is re-created and the
// send retried once; the record stays authoritative until the janitor
// rules otherwise.
func (p *Publisher) fanOut(ev *types.ChangeEvent) {
	subs, err := p.store.ListSubscriptions(ev.Namespace, ev.Group)
	if err != nil {
		p.logger.Error().Err(err).Str("group", ev.Group).Msg("list subscriptions for fan-out")
		return
	}
	if len(subs) == 0 {
		return
	}

	body, err := json.Marshal(envelope(ev))
	if err != nil {
		p.logger.Error().Err(err).Msg("encode envelope")
		return
	}
	for _, sub := range subs {
		err := p.queues.Send(sub.Queue, body)
		if errors.Is(err, queue.ErrNoSuchQueue) {
			p.queues.Ensure(sub.Queue)
			err = p.queues.Send(sub.Queue, body)
		}
		if err != nil {
			p.logger.Error().Err(err).Str("queue", sub.Queue).
				Uint64("sequence", ev.Sequence).Msg("fan-out send failed")
		}
	}
}

func envelope(ev *types.ChangeEvent) *types.Envelope {
	env := &types.Envelope{
		Namespace:   ev.Namespace,
		Group:       ev.Group,
		Sequence:    ev.Sequence,
		Op:          ev.Op,
		Fingerprint: ev.Fingerprint,
	}
	if ev.Key != nil {
		env.PublicKey = ev.Key.PublicKey
	}
	return env
}

func normalizeGroups(groups []string) []string {
	if len(groups) == 0 {
		return []string{DefaultGroup}
	}
	return groups
}

func (p *Publisher) publishEvent(t events.EventType, ev *types.ChangeEvent) {
	if p.events == nil {
		return
	}
	p.events.Publish(&events.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Namespace: ev.Namespace,
		Group:     ev.Group,
		Sequence:  ev.Sequence,
		Message:   fmt.Sprintf("%s %s", ev.Op, ev.Fingerprint),
	})
}

func (p *Publisher) publishAgentEvent(t events.EventType, sub *types.Subscription) {
	if p.events == nil {
		return
	}
	p.events.Publish(&events.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Instance:  sub.Identity.String(),
		Namespace: sub.Namespace,
		Message:   sub.Queue,
	})
}

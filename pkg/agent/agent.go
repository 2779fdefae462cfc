package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/hutchcloud/hutch/pkg/keyfile"
	"github.com/hutchcloud/hutch/pkg/log"
	"github.com/hutchcloud/hutch/pkg/metrics"
	"github.com/hutchcloud/hutch/pkg/namespace"
	"github.com/hutchcloud/hutch/pkg/queue"
	"github.com/hutchcloud/hutch/pkg/retry"
	"github.com/hutchcloud/hutch/pkg/types"
)

// SnapshotSource serves the full key membership of a scope together with
// the watermark the snapshot is consistent with.
type SnapshotSource interface {
	Snapshot(ctx context.Context, namespace, group string) ([]*types.KeyRecord, uint64, error)
}

// MessageSource is the agent's end of its change event queue. A source
// is bound to one box identity; Subscribe (re)establishes the queue and
// the set of groups it covers.
type MessageSource interface {
	Subscribe(ctx context.Context) error
	Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error)
	Ack(ctx context.Context, receipt string) error
}

// Config tunes the agent.
type Config struct {
	// Namespace and Groups name the key scopes this box listens on.
	Namespace string
	Groups    []string

	// KeyFile is the authorized_keys path the agent owns below the
	// managed marker.
	KeyFile  string
	FileMode os.FileMode

	// BatchSize and WaitTime shape each receive call.
	BatchSize int
	WaitTime  time.Duration

	// RefreshInterval bounds how stale a scope can get when events are
	// lost without a detectable gap.
	RefreshInterval time.Duration

	RetryInitial time.Duration
	RetryCap     time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Groups) == 0 {
		c.Groups = []string{types.DefaultGroup}
	}
	if c.FileMode == 0 {
		c.FileMode = 0o600
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.WaitTime <= 0 {
		c.WaitTime = 20 * time.Second
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Hour
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = retry.DefaultInitial
	}
	if c.RetryCap <= 0 {
		c.RetryCap = retry.DefaultCap
	}
	return c
}

type scopeKey struct {
	namespace string
	group     string
}

func (k scopeKey) String() string { return k.namespace + k.group }

// Agent keeps one box's authorized_keys file converged with the key
// membership of its scopes. Run owns all state; the agent is not safe
// for concurrent use.
type Agent struct {
	cfg    Config
	snap   SnapshotSource
	msgs   MessageSource
	logger zerolog.Logger

	scopes map[scopeKey]*scopeSet
	header []byte
	dirty  bool
}

// New builds an agent from its two sources. The key file does not have
// to exist yet; an existing file's content above the managed marker is
// preserved on every rewrite.
func New(cfg Config, snap SnapshotSource, msgs MessageSource) (*Agent, error) {
	cfg = cfg.withDefaults()
	if err := namespace.Validate(cfg.Namespace); err != nil {
		return nil, err
	}
	if cfg.KeyFile == "" {
		return nil, errors.New("agent: key file path required")
	}
	if snap == nil || msgs == nil {
		return nil, errors.New("agent: snapshot and message sources required")
	}

	a := &Agent{
		cfg:    cfg,
		snap:   snap,
		msgs:   msgs,
		logger: log.WithComponent("agent"),
		scopes: make(map[scopeKey]*scopeSet, len(cfg.Groups)),
	}
	for _, group := range cfg.Groups {
		a.scopes[scopeKey{cfg.Namespace, group}] = newScopeSet()
	}
	return a, nil
}

// Run drives the agent until ctx is cancelled. It bootstraps from a
// snapshot, then folds change event batches into the key file. Every
// failure is retried with backoff; Run only returns the ctx error.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().
		Str("namespace", a.cfg.Namespace).
		Strs("groups", a.cfg.Groups).
		Str("file", a.cfg.KeyFile).
		Msg("agent starting")

	a.loadHeader()

	backoff := retry.New(a.cfg.RetryInitial, a.cfg.RetryCap)
	for {
		err := a.bootstrap(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn().Err(err).Msg("bootstrap failed, retrying")
		if err := backoff.Sleep(ctx); err != nil {
			return err
		}
	}
	backoff.Reset()

	refresh := time.NewTicker(a.cfg.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("agent stopping")
			return ctx.Err()
		case <-refresh.C:
			if err := a.resyncAll(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("periodic refresh failed")
			}
		default:
		}

		err := a.poll(ctx)
		if err == nil {
			backoff.Reset()
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, queue.ErrNoSuchQueue) {
			// A dropped queue means lost messages: resubscribe and
			// rebuild every scope from a snapshot.
			a.logger.Warn().Msg("queue gone, resubscribing")
			if err := a.bootstrap(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.logger.Warn().Err(err).Msg("resubscribe failed")
			} else {
				backoff.Reset()
				continue
			}
		} else {
			a.logger.Warn().Err(err).Msg("poll failed, backing off")
		}
		if err := backoff.Sleep(ctx); err != nil {
			return err
		}
	}
}

// bootstrap (re)subscribes the queue and rebuilds every scope from a
// snapshot. Changes that raced the snapshot arrive as queued events and
// are dropped as duplicates by the watermark check.
func (a *Agent) bootstrap(ctx context.Context) error {
	if err := a.msgs.Subscribe(ctx); err != nil {
		metrics.UpdateComponent("subscription", false, err.Error())
		return fmt.Errorf("subscribe: %w", err)
	}
	metrics.UpdateComponent("subscription", true, "")
	if err := a.resyncAll(ctx); err != nil {
		return err
	}
	a.logger.Info().Int("keys", a.keyCount()).Msg("bootstrap complete")
	return nil
}

func (a *Agent) poll(ctx context.Context) error {
	deliveries, err := a.msgs.Receive(ctx, a.cfg.BatchSize, a.cfg.WaitTime)
	if err != nil {
		return err
	}
	if len(deliveries) == 0 {
		return a.flush(ctx)
	}
	return a.applyBatch(ctx, deliveries)
}

// applyBatch folds one receive batch into scope state, rewrites the key
// file once if membership changed, then acks everything consumed. Events
// are applied in ascending sequence order regardless of arrival order. A
// gap rebuilds the scope from a snapshot, which also covers the gapped
// event. Nothing is acked when the file write fails, so the batch
// redelivers and the still-dirty state is written on the next pass.
func (a *Agent) applyBatch(ctx context.Context, deliveries []queue.Delivery) error {
	type item struct {
		env     types.Envelope
		receipt string
	}
	batch := make([]item, 0, len(deliveries))
	acks := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		if d.Redelivered > 0 {
			metrics.QueueRedeliveries.Inc()
		}
		var env types.Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			// Poison message. Ack it so it does not redeliver forever.
			a.logger.Error().Err(err).Msg("discarding malformed envelope")
			acks = append(acks, d.ReceiptHandle)
			continue
		}
		batch = append(batch, item{env: env, receipt: d.ReceiptHandle})
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].env.Sequence < batch[j].env.Sequence
	})

	for _, it := range batch {
		key := scopeKey{it.env.Namespace, it.env.Group}
		sc, ok := a.scopes[key]
		if !ok {
			// Stale envelope from a scope this box no longer listens on.
			a.logger.Warn().Str("scope", key.String()).Msg("envelope for unknown scope")
			acks = append(acks, it.receipt)
			continue
		}

		applied, err := sc.Apply(&it.env)
		switch {
		case errors.Is(err, ErrSyncGap):
			metrics.AgentSyncGaps.Inc()
			a.logger.Warn().
				Str("scope", key.String()).
				Uint64("sequence", it.env.Sequence).
				Uint64("watermark", sc.watermark).
				Msg("sequence gap, rebuilding scope")
			if err := a.resyncScope(ctx, key); err != nil {
				return err
			}
			a.dirty = true
		case err != nil:
			// Unusable event; the snapshot path will converge the scope.
			a.logger.Error().Err(err).Str("scope", key.String()).Msg("dropping change event")
		case applied:
			metrics.AgentEventsApplied.Inc()
			metrics.AgentWatermark.WithLabelValues(key.String()).Set(float64(sc.watermark))
			a.dirty = true
		default:
			metrics.AgentEventsDuplicate.Inc()
		}
		acks = append(acks, it.receipt)
	}

	if err := a.flush(ctx); err != nil {
		return err
	}
	for _, receipt := range acks {
		if err := a.msgs.Ack(ctx, receipt); err != nil && !errors.Is(err, queue.ErrUnknownReceipt) {
			a.logger.Warn().Err(err).Msg("ack failed")
		}
	}
	return nil
}

// resyncAll rebuilds every scope and rewrites the file.
func (a *Agent) resyncAll(ctx context.Context) error {
	for key := range a.scopes {
		if err := a.resyncScope(ctx, key); err != nil {
			return err
		}
	}
	a.dirty = true
	return a.flush(ctx)
}

func (a *Agent) resyncScope(ctx context.Context, key scopeKey) error {
	records, watermark, err := a.snap.Snapshot(ctx, key.namespace, key.group)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", key, err)
	}
	a.scopes[key].Reset(records, watermark)
	metrics.AgentResyncs.Inc()
	metrics.AgentWatermark.WithLabelValues(key.String()).Set(float64(watermark))
	a.logger.Info().
		Str("scope", key.String()).
		Uint64("watermark", watermark).
		Int("keys", len(records)).
		Msg("scope rebuilt from snapshot")
	return nil
}

// flush rewrites the key file when scope state has changed since the
// last successful write.
func (a *Agent) flush(ctx context.Context) error {
	if !a.dirty {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	content := keyfile.Compose(a.header, a.render())
	if err := keyfile.WriteAtomic(a.cfg.KeyFile, content, a.cfg.FileMode); err != nil {
		metrics.UpdateComponent("keyfile", false, err.Error())
		return fmt.Errorf("write %s: %w", a.cfg.KeyFile, err)
	}
	a.dirty = false
	metrics.AgentFileWrites.Inc()
	metrics.UpdateComponent("keyfile", true, "")
	a.logger.Debug().Int("bytes", len(content)).Msg("authorized keys rewritten")
	return nil
}

// render merges all scopes into one key list, deduplicated by
// fingerprint and sorted so identical membership yields identical bytes.
func (a *Agent) render() [][]byte {
	merged := make(map[string][]byte)
	for _, sc := range a.scopes {
		for fp, key := range sc.keys {
			merged[fp] = key
		}
	}
	fps := make([]string, 0, len(merged))
	for fp := range merged {
		fps = append(fps, fp)
	}
	sort.Strings(fps)
	keys := make([][]byte, 0, len(fps))
	for _, fp := range fps {
		keys = append(keys, merged[fp])
	}
	return keys
}

func (a *Agent) keyCount() int {
	n := 0
	for _, sc := range a.scopes {
		n += sc.size()
	}
	return n
}

// loadHeader captures whatever the existing file holds above the managed
// marker, typically the control plane key seeded at provision time. A
// missing file leaves the header empty.
func (a *Agent) loadHeader() {
	content, err := os.ReadFile(a.cfg.KeyFile)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Warn().Err(err).Msg("cannot read existing key file")
		}
		return
	}
	a.header = keyfile.Header(content)
}

package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/hutchcloud/hutch/pkg/events"
	"github.com/hutchcloud/hutch/pkg/log"
	"github.com/hutchcloud/hutch/pkg/metrics"
	"github.com/hutchcloud/hutch/pkg/namespace"
	"github.com/hutchcloud/hutch/pkg/provider"
	"github.com/hutchcloud/hutch/pkg/resolver"
	"github.com/hutchcloud/hutch/pkg/retry"
	"github.com/hutchcloud/hutch/pkg/role"
	"github.com/hutchcloud/hutch/pkg/storage"
	"github.com/hutchcloud/hutch/pkg/types"
)

// teardownTimeout bounds the compensating terminate issued after a
// provisioning deadline; the parent context is already dead by then.
const teardownTimeout = 30 * time.Second

// KeySource supplies the operator key lines for the initial
// authorized-keys handoff during Create. The publisher implements it;
// nil is tolerated and seeds only the control-plane key.
type KeySource interface {
	SeedKeys(namespace string, groups []string) ([][]byte, error)
}

// Deps are the controller's collaborators.
type Deps struct {
	Store    storage.Store
	Provider provider.API
	Roles    *role.Library
	Keys     KeySource      // optional
	Events   *events.Broker // optional

	// Signer authenticates bootstrap SSH sessions. PublicKey is its
	// authorized_keys line: injected at first boot via user data and
	// kept in the seeded file's header so the control plane stays able
	// to reach the box.
	Signer    ssh.Signer
	PublicKey []byte
}

// Config tunes the lifecycle engine.
type Config struct {
	// ProvisionTimeout bounds Create from the provider request to SSH
	// reachability. Zero means 10 minutes.
	ProvisionTimeout time.Duration

	// BootstrapAttempts is the whole-sequence retry budget. Zero means 3.
	BootstrapAttempts int

	// PollInitial and PollCap shape the backoff of every wait loop.
	// Zero means the retry package defaults (2s, 30s).
	PollInitial time.Duration
	PollCap     time.Duration

	// AdvertiseURL is the control-plane base URL handed to each box's
	// agent during provisioning. Empty leaves agents on their
	// compiled-in default, which only reaches a single-host dev setup.
	AdvertiseURL string

	// AgentToken is written into the agent environment so boxes can
	// authenticate against the API. Empty writes no token line.
	AgentToken string
}

func (c Config) withDefaults() Config {
	if c.ProvisionTimeout == 0 {
		c.ProvisionTimeout = 10 * time.Minute
	}
	if c.BootstrapAttempts == 0 {
		c.BootstrapAttempts = 3
	}
	if c.PollInitial == 0 {
		c.PollInitial = retry.DefaultInitial
	}
	if c.PollCap == 0 {
		c.PollCap = retry.DefaultCap
	}
	return c
}

// CreateOptions tunes one Create call.
type CreateOptions struct {
	// Ordinal pins the instance slot. Nil takes the lowest free one.
	Ordinal *int

	// ImageID and InstanceType override the role's defaults when set.
	ImageID      string
	InstanceType string

	// Timeout overrides the provisioning deadline for this call.
	Timeout time.Duration

	// KeepVolumes marks attached volumes detach-not-release on
	// terminate, in addition to the role's own setting.
	KeepVolumes bool
}

// Controller drives instances through their lifecycle: provisioning,
// stop/start, imaging handoff, and teardown. All state lives in the
// registry; the controller is safe for concurrent use, serializing
// operations per identity.
type Controller struct {
	store    storage.Store
	provider provider.API
	roles    *role.Library
	keys     KeySource
	events   *events.Broker
	signer   ssh.Signer
	pubKey   []byte
	resolver *resolver.Resolver
	cfg      Config
	logger   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New assembles a controller from its collaborators.
func New(deps Deps, cfg Config) (*Controller, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("controller: store is required")
	case deps.Provider == nil:
		return nil, errors.New("controller: provider is required")
	case deps.Roles == nil:
		return nil, errors.New("controller: role library is required")
	case deps.Signer == nil:
		return nil, errors.New("controller: ssh signer is required")
	case len(deps.PublicKey) == 0:
		return nil, errors.New("controller: ssh public key is required")
	}
	return &Controller{
		store:    deps.Store,
		provider: deps.Provider,
		roles:    deps.Roles,
		keys:     deps.Keys,
		events:   deps.Events,
		signer:   deps.Signer,
		pubKey:   bytes.TrimSpace(deps.PublicKey),
		resolver: resolver.New(deps.Store),
		cfg:      cfg.withDefaults(),
		logger:   log.WithComponent("controller"),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Create provisions a new instance of the role and drives it to ready.
// The identity registration is the concurrent-create gate: racing
// creates resolve to one winner, the rest fail with ConflictError before
// any provider call.
func (c *Controller) Create(ctx context.Context, ns, roleName string, opts CreateOptions) (*types.Instance, error) {
	if err := namespace.Validate(ns); err != nil {
		return nil, err
	}
	blueprint, err := c.roles.Resolve(roleName)
	if err != nil {
		return nil, err
	}

	ordinal := 0
	if opts.Ordinal != nil {
		ordinal = *opts.Ordinal
		if ordinal < 0 {
			return nil, fmt.Errorf("ordinal %d out of range", ordinal)
		}
	} else {
		ordinal, err = c.resolver.NextOrdinal(ns, roleName)
		if err != nil {
			return nil, err
		}
	}
	id := types.Identity{Namespace: ns, Role: roleName, Ordinal: ordinal}
	logger := c.logger.With().Str("instance", id.String()).Logger()

	now := time.Now().UTC()
	inst := &types.Instance{
		Identity:  id,
		State:     types.StatePending,
		AdminUser: blueprint.AdminUser,
		ImageID:   pick(opts.ImageID, blueprint.ImageID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.RegisterInstance(inst); err != nil {
		if errors.Is(err, storage.ErrIdentityTaken) {
			return nil, &ConflictError{Identity: id}
		}
		return nil, fmt.Errorf("register instance %s: %w", id, err)
	}

	unlock := c.lock(id)
	defer unlock()

	// The registration gate admits exactly one creator, but a terminate
	// can slip in before the lock is held. Re-read and bail rather than
	// provision over a dead record.
	inst, err = c.store.GetInstance(id)
	if err != nil {
		return nil, fmt.Errorf("reload instance %s: %w", id, err)
	}
	if inst.State != types.StatePending {
		return nil, &InvalidStateError{Op: "create", Current: inst.State, Want: types.StatePending}
	}

	c.publish(events.EventBoxCreated, inst, "registered")
	logger.Info().Str("role", roleName).Msg("create requested")

	timer := metrics.NewTimer()
	outcome := "failure"
	defer func() { metrics.ObserveOperation("create", outcome, timer.Duration()) }()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.cfg.ProvisionTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	started := time.Now()

	spec := provider.CreateSpec{
		Name:         fmt.Sprintf("%s-%d", namespace.ToProviderName(id.Name()), id.Ordinal),
		ImageID:      inst.ImageID,
		InstanceType: pick(opts.InstanceType, blueprint.InstanceType),
		AdminUser:    blueprint.AdminUser,
		UserData:     c.pubKey,
	}
	pi, err := c.provider.CreateInstance(pctx, spec)
	if err != nil {
		c.markFailed(inst, "provider create failed")
		return nil, fmt.Errorf("create instance %s: %w", id, err)
	}
	inst.ProviderID = pi.ID
	if err := c.transition(inst, types.StateBooting); err != nil {
		return nil, err
	}
	logger.Info().Str("provider_id", pi.ID).Msg("compute resource created")

	pi, err = c.waitInstanceStatus(pctx, inst.ProviderID, provider.StatusRunning, true)
	if err != nil {
		return nil, c.abandon(inst, types.StateBooting, time.Since(started))
	}
	inst.Address = pi.Address
	inst.Volumes = volumeRefs(pi.Volumes, opts.KeepVolumes || blueprint.KeepVolumes)
	if err := c.transition(inst, types.StateAwaitingSSH); err != nil {
		return nil, err
	}
	logger.Info().Str("address", pi.Address).Msg("instance running")

	client, err := c.waitSSH(pctx, inst)
	if err != nil {
		return nil, c.abandon(inst, types.StateAwaitingSSH, time.Since(started))
	}
	defer client.Close()
	logger.Info().Msg("ssh reachable")

	if err := c.seedAuthorizedKeys(pctx, client, inst, blueprint.KeyGroups); err != nil {
		if pctx.Err() != nil {
			return nil, c.abandon(inst, types.StateAwaitingSSH, time.Since(started))
		}
		// The machine is reachable; keep it for diagnosis.
		c.publish(events.EventBoxFailed, inst, "seeding authorized keys failed")
		return nil, fmt.Errorf("seed authorized keys on %s: %w", id, err)
	}
	if err := c.seedAgentEnv(pctx, client, inst, blueprint.KeyGroups); err != nil {
		if pctx.Err() != nil {
			return nil, c.abandon(inst, types.StateAwaitingSSH, time.Since(started))
		}
		c.publish(events.EventBoxFailed, inst, "seeding agent environment failed")
		return nil, fmt.Errorf("seed agent env on %s: %w", id, err)
	}

	if err := c.transition(inst, types.StateBootstrapping); err != nil {
		return nil, err
	}
	if err := c.bootstrap(pctx, client, inst, blueprint.Steps); err != nil {
		c.publish(events.EventBoxFailed, inst, "bootstrap failed")
		return nil, err
	}

	if err := c.transition(inst, types.StateReady); err != nil {
		return nil, err
	}
	c.publish(events.EventBoxReady, inst, "provisioned")
	outcome = "success"
	logger.Info().Dur("elapsed", time.Since(started)).Msg("instance ready")
	return inst, nil
}

// Stop shuts a ready instance down. Persistent volumes are untouched.
func (c *Controller) Stop(ctx context.Context, id types.Identity) error {
	unlock := c.lock(id)
	defer unlock()

	inst, err := c.store.GetInstance(id)
	if err != nil {
		return fmt.Errorf("stop %s: %w", id, err)
	}
	if inst.State != types.StateReady {
		return &InvalidStateError{Op: "stop", Current: inst.State, Want: types.StateReady}
	}

	timer := metrics.NewTimer()
	outcome := "failure"
	defer func() { metrics.ObserveOperation("stop", outcome, timer.Duration()) }()

	if err := c.transition(inst, types.StateStopping); err != nil {
		return err
	}
	if err := c.provider.StopInstance(ctx, inst.ProviderID); err != nil {
		c.restore(inst, types.StateReady)
		return fmt.Errorf("stop %s: %w", id, err)
	}
	if _, err := c.waitInstanceStatus(ctx, inst.ProviderID, provider.StatusStopped, false); err != nil {
		// Left in stopping; Adopt re-syncs once the provider settles.
		return fmt.Errorf("stop %s: %w", id, err)
	}
	inst.Address = ""
	if err := c.transition(inst, types.StateStopped); err != nil {
		return err
	}
	c.publish(events.EventBoxStopped, inst, "stopped")
	outcome = "success"
	return nil
}

// Start boots a stopped instance and waits for SSH before reporting
// ready. The machine comes back under a fresh address.
func (c *Controller) Start(ctx context.Context, id types.Identity) error {
	unlock := c.lock(id)
	defer unlock()

	inst, err := c.store.GetInstance(id)
	if err != nil {
		return fmt.Errorf("start %s: %w", id, err)
	}
	if inst.State != types.StateStopped {
		return &InvalidStateError{Op: "start", Current: inst.State, Want: types.StateStopped}
	}

	timer := metrics.NewTimer()
	outcome := "failure"
	defer func() { metrics.ObserveOperation("start", outcome, timer.Duration()) }()

	if err := c.transition(inst, types.StateStarting); err != nil {
		return err
	}
	if err := c.provider.StartInstance(ctx, inst.ProviderID); err != nil {
		c.restore(inst, types.StateStopped)
		return fmt.Errorf("start %s: %w", id, err)
	}
	pi, err := c.waitInstanceStatus(ctx, inst.ProviderID, provider.StatusRunning, true)
	if err != nil {
		// Left in starting; the machine may still come up.
		return fmt.Errorf("start %s: %w", id, err)
	}
	inst.Address = pi.Address
	inst.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateInstance(inst); err != nil {
		return fmt.Errorf("persist address for %s: %w", id, err)
	}

	client, err := c.waitSSH(ctx, inst)
	if err != nil {
		return fmt.Errorf("start %s: ssh not reachable: %w", id, err)
	}
	client.Close()

	if err := c.transition(inst, types.StateReady); err != nil {
		return err
	}
	c.publish(events.EventBoxStarted, inst, "started")
	outcome = "success"
	return nil
}

// Terminate destroys an instance from any non-terminal state. Volumes
// flagged KeepOnTerminate are detached first; a detach failure aborts the
// teardown rather than risk releasing data. Terminating a terminated
// instance is a no-op.
func (c *Controller) Terminate(ctx context.Context, id types.Identity) error {
	unlock := c.lock(id)
	defer unlock()

	inst, err := c.store.GetInstance(id)
	if err != nil {
		return fmt.Errorf("terminate %s: %w", id, err)
	}
	if inst.State == types.StateTerminated {
		return nil
	}

	timer := metrics.NewTimer()
	outcome := "failure"
	defer func() { metrics.ObserveOperation("terminate", outcome, timer.Duration()) }()

	for _, vol := range inst.Volumes {
		if !vol.KeepOnTerminate {
			continue
		}
		if err := c.provider.DetachVolume(ctx, inst.ProviderID, vol.ProviderID); err != nil {
			if !errors.Is(err, provider.ErrVolumeNotFound) {
				return fmt.Errorf("detach volume %s from %s: %w", vol.ProviderID, id, err)
			}
		}
	}

	if inst.ProviderID != "" {
		if err := c.provider.TerminateInstance(ctx, inst.ProviderID); err != nil &&
			!errors.Is(err, provider.ErrInstanceNotFound) {
			return fmt.Errorf("terminate %s: %w", id, err)
		}
	}
	inst.Address = ""
	if err := c.transition(inst, types.StateTerminated); err != nil {
		return err
	}
	c.publish(events.EventBoxTerminated, inst, "terminated")
	outcome = "success"
	return nil
}

// Adopt resolves an existing instance and re-syncs its record from the
// provider: address drift is absorbed, and resources terminated out of
// band are marked terminated.
func (c *Controller) Adopt(ctx context.Context, ns, roleName string, ordinal *int) (*types.Instance, error) {
	inst, err := c.resolver.Resolve(ns, roleName, ordinal)
	if err != nil {
		return nil, err
	}

	unlock := c.lock(inst.Identity)
	defer unlock()

	inst, err = c.store.GetInstance(inst.Identity)
	if err != nil {
		return nil, fmt.Errorf("adopt %s: %w", inst.Identity, err)
	}
	if inst.ProviderID == "" {
		return inst, nil
	}

	pi, err := c.provider.DescribeInstance(ctx, inst.ProviderID)
	if err != nil {
		if errors.Is(err, provider.ErrInstanceNotFound) {
			// Resource is gone; repair the record.
			inst.Address = ""
			if terr := c.transition(inst, types.StateTerminated); terr != nil {
				return nil, terr
			}
			c.publish(events.EventBoxTerminated, inst, "resource missing at provider")
			return inst, nil
		}
		return nil, fmt.Errorf("adopt %s: %w", inst.Identity, err)
	}

	if pi.Status == provider.StatusTerminated && !inst.State.Terminal() {
		inst.Address = ""
		if err := c.transition(inst, types.StateTerminated); err != nil {
			return nil, err
		}
		c.publish(events.EventBoxTerminated, inst, "terminated out of band")
		return inst, nil
	}
	if pi.Address != inst.Address {
		inst.Address = pi.Address
		inst.UpdatedAt = time.Now().UTC()
		if err := c.store.UpdateInstance(inst); err != nil {
			return nil, fmt.Errorf("adopt %s: %w", inst.Identity, err)
		}
	}
	return inst, nil
}

// List enumerates registry records in a namespace, optionally filtered
// by role, ordered by role then ordinal.
func (c *Controller) List(ctx context.Context, ns, roleFilter string) ([]*types.Instance, error) {
	if err := namespace.Validate(ns); err != nil {
		return nil, err
	}
	var (
		instances []*types.Instance
		err       error
	)
	if roleFilter == "" {
		instances, err = c.store.ListInstances(ns)
	} else {
		instances, err = c.store.ListInstancesByRole(ns, roleFilter)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(instances, func(i, j int) bool {
		a, b := instances[i].Identity, instances[j].Identity
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		return a.Ordinal < b.Ordinal
	})
	return instances, nil
}

// Get returns the current registry record for an identity.
func (c *Controller) Get(ctx context.Context, id types.Identity) (*types.Instance, error) {
	return c.store.GetInstance(id)
}

// Lock acquires the per-identity mutex and returns its release func. The
// image builder serializes with lifecycle operations through this.
func (c *Controller) Lock(id types.Identity) func() {
	return c.lock(id)
}

// lock serializes operations on one identity; distinct identities
// proceed in parallel.
func (c *Controller) lock(id types.Identity) func() {
	key := id.String()
	c.mu.Lock()
	m, ok := c.locks[key]
	if !ok {
		m = &sync.Mutex{}
		c.locks[key] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// transition validates a lifecycle edge and persists the new state.
func (c *Controller) transition(inst *types.Instance, to types.InstanceState) error {
	if !inst.State.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s for %s", inst.State, to, inst.Identity)
	}
	inst.State = to
	inst.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateInstance(inst); err != nil {
		return fmt.Errorf("persist state %s for %s: %w", to, inst.Identity, err)
	}
	return nil
}

// restore undoes an optimistic transition after the provider refused the
// operation. Reverts are not lifecycle edges, so the table is bypassed.
func (c *Controller) restore(inst *types.Instance, to types.InstanceState) {
	inst.State = to
	inst.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateInstance(inst); err != nil {
		c.logger.Error().Err(err).Str("instance", inst.Identity.String()).Msg("state restore failed")
	}
}

// markFailed moves a record to terminated after a failure that left no
// provider resource behind.
func (c *Controller) markFailed(inst *types.Instance, msg string) {
	if err := c.transition(inst, types.StateTerminated); err != nil {
		c.logger.Error().Err(err).Str("instance", inst.Identity.String()).Msg("mark terminated failed")
	}
	c.publish(events.EventBoxFailed, inst, msg)
}

// abandon tears down a partially provisioned instance after the deadline
// expired: best-effort terminate on a fresh context, record marked
// terminated. Provisioning never leaves a resource dangling.
func (c *Controller) abandon(inst *types.Instance, phase types.InstanceState, elapsed time.Duration) error {
	logger := c.logger.With().Str("instance", inst.Identity.String()).Logger()
	logger.Warn().Str("phase", string(phase)).Dur("elapsed", elapsed).
		Msg("provisioning deadline exceeded, tearing down")

	tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if inst.ProviderID != "" {
		if err := c.provider.TerminateInstance(tctx, inst.ProviderID); err != nil {
			logger.Error().Err(err).Msg("compensating terminate failed; resource may be orphaned")
		}
	}
	inst.Address = ""
	if err := c.transition(inst, types.StateTerminated); err != nil {
		logger.Error().Err(err).Msg("mark terminated failed")
	}
	c.publish(events.EventBoxFailed, inst, "provisioning timeout")
	c.publish(events.EventBoxTerminated, inst, "compensating teardown")
	return &ProvisioningTimeoutError{Identity: inst.Identity, Elapsed: elapsed, Phase: phase}
}

// waitInstanceStatus polls the provider until the instance reaches the
// wanted status (and, when required, carries an address). Describe
// errors are treated as transient; only context expiry ends the wait.
func (c *Controller) waitInstanceStatus(ctx context.Context, providerID string, want provider.InstanceStatus, needAddress bool) (*provider.Instance, error) {
	backoff := retry.New(c.cfg.PollInitial, c.cfg.PollCap)
	for {
		pi, err := c.provider.DescribeInstance(ctx, providerID)
		if err == nil && pi.Status == want && (!needAddress || pi.Address != "") {
			return pi, nil
		}
		if err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Str("provider_id", providerID).Msg("describe failed, retrying")
		}
		if sleepErr := backoff.Sleep(ctx); sleepErr != nil {
			return nil, fmt.Errorf("waiting for status %s: %w", want, sleepErr)
		}
	}
}

// publish emits a control-plane event when a broker is wired.
func (c *Controller) publish(t events.EventType, inst *types.Instance, msg string) {
	if c.events == nil {
		return
	}
	c.events.Publish(&events.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Instance:  inst.Identity.String(),
		Namespace: inst.Identity.Namespace,
		Message:   msg,
	})
}

func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

func volumeRefs(vols []provider.Volume, keep bool) []*types.VolumeRef {
	if len(vols) == 0 {
		return nil
	}
	refs := make([]*types.VolumeRef, 0, len(vols))
	for _, v := range vols {
		refs = append(refs, &types.VolumeRef{ProviderID: v.ID, Device: v.Device, KeepOnTerminate: keep})
	}
	return refs
}

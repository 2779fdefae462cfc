package imaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hutchcloud/hutch/pkg/controller"
	"github.com/hutchcloud/hutch/pkg/events"
	"github.com/hutchcloud/hutch/pkg/log"
	"github.com/hutchcloud/hutch/pkg/metrics"
	"github.com/hutchcloud/hutch/pkg/provider"
	"github.com/hutchcloud/hutch/pkg/retry"
	"github.com/hutchcloud/hutch/pkg/storage"
	"github.com/hutchcloud/hutch/pkg/types"
)

// ImagingTimeoutError reports a capture that did not become available
// before the deadline. The provider-side image may still complete later;
// the registry record is marked failed either way.
type ImagingTimeoutError struct {
	ImageID string
	Elapsed time.Duration
}

func (e *ImagingTimeoutError) Error() string {
	return fmt.Sprintf("image %s not available after %s", e.ImageID, e.Elapsed.Round(time.Second))
}

// Config tunes the image builder.
type Config struct {
	// CaptureTimeout bounds one capture from provider request to
	// available. Zero means 10 minutes.
	CaptureTimeout time.Duration

	// PollInitial and PollCap shape the describe-poll backoff. Zero
	// means the retry package defaults.
	PollInitial time.Duration
	PollCap     time.Duration
}

func (c Config) withDefaults() Config {
	if c.CaptureTimeout == 0 {
		c.CaptureTimeout = 10 * time.Minute
	}
	if c.PollInitial == 0 {
		c.PollInitial = retry.DefaultInitial
	}
	if c.PollCap == 0 {
		c.PollCap = retry.DefaultCap
	}
	return c
}

// Options tunes one capture call.
type Options struct {
	// TerminateAfter tears the source box down once the image is
	// available, for capture-and-discard flows.
	TerminateAfter bool

	// Timeout overrides the capture deadline for this call.
	Timeout time.Duration
}

// Builder captures machine images from stopped boxes and keeps the image
// registry in step with the provider. It shares the controller's
// per-identity locks, so a capture and a lifecycle operation on the same
// box never interleave.
type Builder struct {
	store    storage.Store
	provider provider.API
	ctrl     *controller.Controller
	events   *events.Broker
	cfg      Config
	logger   zerolog.Logger
}

// New creates a builder over the controller's store and provider.
func New(store storage.Store, prov provider.API, ctrl *controller.Controller, broker *events.Broker, cfg Config) (*Builder, error) {
	switch {
	case store == nil:
		return nil, errors.New("imaging: store is required")
	case prov == nil:
		return nil, errors.New("imaging: provider is required")
	case ctrl == nil:
		return nil, errors.New("imaging: controller is required")
	}
	return &Builder{
		store:    store,
		provider: prov,
		ctrl:     ctrl,
		events:   broker,
		cfg:      cfg.withDefaults(),
		logger:   log.WithComponent("imaging"),
	}, nil
}

// Capture images a stopped box. The box passes through imaging and is
// back in stopped when the call returns, whatever the outcome; with
// TerminateAfter it is then torn down.
func (b *Builder) Capture(ctx context.Context, id types.Identity, opts Options) (*types.Image, error) {
	img, terminate, err := b.capture(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	if terminate {
		// Outside the capture lock: Terminate takes the same one.
		if err := b.ctrl.Terminate(ctx, id); err != nil {
			return img, fmt.Errorf("terminate source %s after capture: %w", id, err)
		}
	}
	return img, nil
}

func (b *Builder) capture(ctx context.Context, id types.Identity, opts Options) (*types.Image, bool, error) {
	unlock := b.ctrl.Lock(id)
	defer unlock()

	inst, err := b.store.GetInstance(id)
	if err != nil {
		return nil, false, fmt.Errorf("image %s: %w", id, err)
	}
	if inst.State != types.StateStopped {
		return nil, false, &controller.InvalidStateError{Op: "image", Current: inst.State, Want: types.StateStopped}
	}

	timer := metrics.NewTimer()
	outcome := "failure"
	defer func() { metrics.ObserveOperation("image", outcome, timer.Duration()) }()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = b.cfg.CaptureTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	started := time.Now()

	if err := b.setState(inst, types.StateImaging); err != nil {
		return nil, false, err
	}

	name := fmt.Sprintf("%s_%d", id.Role, time.Now().Unix())
	pim, err := b.provider.CreateImage(cctx, inst.ProviderID, name)
	if err != nil {
		b.restoreStopped(inst)
		return nil, false, fmt.Errorf("capture image from %s: %w", id, err)
	}

	img := &types.Image{
		ID:        pim.ID,
		Name:      name,
		Source:    id,
		State:     types.ImageStatePending,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.CreateImage(img); err != nil {
		b.restoreStopped(inst)
		return nil, false, fmt.Errorf("record image %s: %w", pim.ID, err)
	}
	b.publish(events.EventImageCreated, inst, img, "capture requested")
	b.logger.Info().Str("image", img.ID).Str("name", name).
		Str("instance", id.String()).Msg("image capture started")

	_, err = b.waitImageAvailable(cctx, img.ID)
	// The box leaves imaging however the wait ended.
	b.restoreStopped(inst)
	if err != nil {
		img.State = types.ImageStateFailed
		if uerr := b.store.UpdateImage(img); uerr != nil {
			b.logger.Error().Err(uerr).Str("image", img.ID).Msg("mark image failed")
		}
		if cctx.Err() != nil {
			return nil, false, &ImagingTimeoutError{ImageID: img.ID, Elapsed: time.Since(started)}
		}
		return nil, false, err
	}

	img.State = types.ImageStateAvailable
	if err := b.store.UpdateImage(img); err != nil {
		return nil, false, fmt.Errorf("record image %s availability: %w", img.ID, err)
	}
	b.publish(events.EventImageAvailable, inst, img, "image available")
	outcome = "success"
	b.logger.Info().Str("image", img.ID).Dur("elapsed", time.Since(started)).Msg("image available")
	return img, opts.TerminateAfter, nil
}

// Get returns one registered image.
func (b *Builder) Get(ctx context.Context, imageID string) (*types.Image, error) {
	return b.store.GetImage(imageID)
}

// List returns registered images, optionally filtered by source role.
// Records still pending are refreshed from the provider on the way out,
// so a capture that completed after a timeout eventually shows available.
func (b *Builder) List(ctx context.Context, roleFilter string) ([]*types.Image, error) {
	images, err := b.store.ListImages(roleFilter)
	if err != nil {
		return nil, err
	}
	for _, img := range images {
		if img.State != types.ImageStatePending {
			continue
		}
		pim, err := b.provider.DescribeImage(ctx, img.ID)
		if err != nil {
			continue
		}
		if state := imageState(pim.Status); state != img.State {
			img.State = state
			if err := b.store.UpdateImage(img); err != nil {
				b.logger.Warn().Err(err).Str("image", img.ID).Msg("refresh image state")
			}
		}
	}
	return images, nil
}

// Delete removes the image at the provider and drops the registry
// record. A provider-unknown image is tolerated so a half-deleted image
// can be cleaned up by retrying.
func (b *Builder) Delete(ctx context.Context, imageID string) error {
	img, err := b.store.GetImage(imageID)
	if err != nil {
		return err
	}
	if err := b.provider.DeleteImage(ctx, imageID); err != nil && !errors.Is(err, provider.ErrImageNotFound) {
		return fmt.Errorf("delete image %s: %w", imageID, err)
	}
	if err := b.store.DeleteImage(imageID); err != nil {
		return err
	}
	b.logger.Info().Str("image", imageID).Str("source", img.Source.String()).Msg("image deleted")
	return nil
}

// setState persists a lifecycle edge for the source box. The builder
// owns the stopped ⇄ imaging edges.
func (b *Builder) setState(inst *types.Instance, to types.InstanceState) error {
	if !inst.State.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s for %s", inst.State, to, inst.Identity)
	}
	inst.State = to
	inst.UpdatedAt = time.Now().UTC()
	if err := b.store.UpdateInstance(inst); err != nil {
		return fmt.Errorf("persist state %s for %s: %w", to, inst.Identity, err)
	}
	return nil
}

func (b *Builder) restoreStopped(inst *types.Instance) {
	if err := b.setState(inst, types.StateStopped); err != nil {
		b.logger.Error().Err(err).Str("instance", inst.Identity.String()).Msg("restore stopped failed")
	}
}

func (b *Builder) waitImageAvailable(ctx context.Context, imageID string) (*provider.Image, error) {
	backoff := retry.New(b.cfg.PollInitial, b.cfg.PollCap)
	for {
		pim, err := b.provider.DescribeImage(ctx, imageID)
		if err == nil {
			switch pim.Status {
			case provider.ImageAvailable:
				return pim, nil
			case provider.ImageFailed:
				return nil, fmt.Errorf("image %s failed on the provider", imageID)
			}
		}
		if err != nil && ctx.Err() == nil {
			b.logger.Warn().Err(err).Str("image", imageID).Msg("describe image failed, retrying")
		}
		if sleepErr := backoff.Sleep(ctx); sleepErr != nil {
			return nil, fmt.Errorf("waiting for image %s: %w", imageID, sleepErr)
		}
	}
}

func (b *Builder) publish(t events.EventType, inst *types.Instance, img *types.Image, msg string) {
	if b.events == nil {
		return
	}
	b.events.Publish(&events.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Instance:  inst.Identity.String(),
		Namespace: inst.Identity.Namespace,
		Message:   msg,
		Metadata:  map[string]string{"image": img.ID, "name": img.Name},
	})
}

func imageState(s provider.ImageStatus) types.ImageState {
	switch s {
	case provider.ImageAvailable:
		return types.ImageStateAvailable
	case provider.ImageFailed:
		return types.ImageStateFailed
	default:
		return types.ImageStatePending
	}
}

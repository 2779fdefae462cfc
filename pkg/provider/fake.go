package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory API implementation for tests and dev mode. Status
// transitions are driven by the clock rather than completing instantly,
// so callers exercise the same polling paths they would against a real
// cloud. With zero delays every transition completes on the next
// describe.
type Fake struct {
	mu sync.Mutex

	instances map[string]*fakeInstance
	images    map[string]*fakeImage

	bootDelay  time.Duration
	stopDelay  time.Duration
	imageDelay time.Duration

	frozenBoot bool
	createErr  error

	nextID   int
	nextAddr int

	addrSource func() string
	now        func() time.Time
}

type fakeInstance struct {
	inst      Instance
	addr      string
	readyAt   time.Time
	stoppedAt time.Time
	frozen    bool
}

type fakeImage struct {
	img     Image
	readyAt time.Time
}

// FakeOption tunes fake behavior at construction
type FakeOption func(*Fake)

// WithBootDelay sets how long created or restarted instances stay pending
func WithBootDelay(d time.Duration) FakeOption {
	return func(f *Fake) { f.bootDelay = d }
}

// WithStopDelay sets how long stopping instances take to reach stopped
func WithStopDelay(d time.Duration) FakeOption {
	return func(f *Fake) { f.stopDelay = d }
}

// WithImageDelay sets how long captured images stay pending
func WithImageDelay(d time.Duration) FakeOption {
	return func(f *Fake) { f.imageDelay = d }
}

// WithAddressSource replaces the default 10.0.0.0/16 address assigner.
// Lifecycle tests point every booted instance at an in-process SSH
// server this way.
func WithAddressSource(source func() string) FakeOption {
	return func(f *Fake) { f.addrSource = source }
}

// NewFake creates an empty fake provider
func NewFake(opts ...FakeOption) *Fake {
	f := &Fake{
		instances: make(map[string]*fakeInstance),
		images:    make(map[string]*fakeImage),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetClock replaces the fake's time source. Tests use this to drive
// transitions without sleeping.
func (f *Fake) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// InjectCreateError makes the next CreateInstance call fail with err
func (f *Fake) InjectCreateError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

// FreezeBoot keeps subsequently created instances pending regardless of
// the clock, until ThawBoot.
func (f *Fake) FreezeBoot() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozenBoot = true
}

// ThawBoot releases instances held by FreezeBoot
func (f *Fake) ThawBoot() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozenBoot = false
	for _, fi := range f.instances {
		fi.frozen = false
	}
}

// AddVolume attaches a synthetic volume to an instance. Test helper; real
// providers attach volumes out of band.
func (f *Fake) AddVolume(instanceID, volumeID, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fi, ok := f.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s: %w", instanceID, ErrInstanceNotFound)
	}
	fi.inst.Volumes = append(fi.inst.Volumes, Volume{ID: volumeID, Device: device})
	return nil
}

// FailImage forces a pending image into the failed status. Test helper.
func (f *Fake) FailImage(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	im, ok := f.images[id]
	if !ok {
		return fmt.Errorf("image %s: %w", id, ErrImageNotFound)
	}
	im.img.Status = ImageFailed
	return nil
}

// CreateInstance launches a machine. The returned instance is pending;
// it reaches running after the configured boot delay and only then
// carries an address.
func (f *Fake) CreateInstance(ctx context.Context, spec CreateSpec) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return nil, err
	}

	f.nextID++
	fi := &fakeInstance{
		inst: Instance{
			ID:         fmt.Sprintf("i-%08x", f.nextID),
			Name:       spec.Name,
			Status:     StatusPending,
			ImageID:    spec.ImageID,
			LaunchedAt: f.now(),
		},
		readyAt: f.now().Add(f.bootDelay),
		frozen:  f.frozenBoot,
	}
	f.instances[fi.inst.ID] = fi

	out := f.snapshotLocked(fi)
	return &out, nil
}

// DescribeInstance returns the current view of an instance. Terminated
// instances keep their record.
func (f *Fake) DescribeInstance(ctx context.Context, id string) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, ok := f.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, ErrInstanceNotFound)
	}
	out := f.snapshotLocked(fi)
	return &out, nil
}

// StopInstance begins a running instance's shutdown
func (f *Fake) StopInstance(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, ok := f.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, ErrInstanceNotFound)
	}
	f.advanceLocked(fi)
	if fi.inst.Status != StatusRunning {
		return fmt.Errorf("stop %s in status %s: %w", id, fi.inst.Status, ErrInvalidTransition)
	}
	fi.inst.Status = StatusStopping
	fi.stoppedAt = f.now().Add(f.stopDelay)
	return nil
}

// StartInstance boots a stopped instance. The machine goes back through
// pending and comes up with a fresh address.
func (f *Fake) StartInstance(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, ok := f.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, ErrInstanceNotFound)
	}
	f.advanceLocked(fi)
	if fi.inst.Status != StatusStopped {
		return fmt.Errorf("start %s in status %s: %w", id, fi.inst.Status, ErrInvalidTransition)
	}
	fi.inst.Status = StatusPending
	fi.addr = ""
	fi.readyAt = f.now().Add(f.bootDelay)
	fi.frozen = f.frozenBoot
	return nil
}

// TerminateInstance destroys an instance. Terminating an already
// terminated instance is a no-op, so retries are safe.
func (f *Fake) TerminateInstance(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, ok := f.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, ErrInstanceNotFound)
	}
	fi.inst.Status = StatusTerminated
	fi.addr = ""
	fi.inst.Volumes = nil
	return nil
}

// DetachVolume detaches a volume from an instance
func (f *Fake) DetachVolume(ctx context.Context, instanceID, volumeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, ok := f.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s: %w", instanceID, ErrInstanceNotFound)
	}
	for i, vol := range fi.inst.Volumes {
		if vol.ID == volumeID {
			fi.inst.Volumes = append(fi.inst.Volumes[:i], fi.inst.Volumes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("volume %s on %s: %w", volumeID, instanceID, ErrVolumeNotFound)
}

// CreateImage starts an image capture from an instance
func (f *Fake) CreateImage(ctx context.Context, instanceID, name string) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, ok := f.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", instanceID, ErrInstanceNotFound)
	}
	if fi.inst.Status == StatusTerminated {
		return nil, fmt.Errorf("image from %s in status %s: %w", instanceID, fi.inst.Status, ErrInvalidTransition)
	}

	f.nextID++
	im := &fakeImage{
		img: Image{
			ID:             fmt.Sprintf("ami-%08x", f.nextID),
			Name:           name,
			Status:         ImagePending,
			SourceInstance: instanceID,
			CreatedAt:      f.now(),
		},
		readyAt: f.now().Add(f.imageDelay),
	}
	f.images[im.img.ID] = im

	out := f.imageSnapshotLocked(im)
	return &out, nil
}

// DescribeImage returns the current view of an image
func (f *Fake) DescribeImage(ctx context.Context, id string) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	im, ok := f.images[id]
	if !ok {
		return nil, fmt.Errorf("image %s: %w", id, ErrImageNotFound)
	}
	out := f.imageSnapshotLocked(im)
	return &out, nil
}

// ListImages returns every image the provider holds
func (f *Fake) ListImages(ctx context.Context) ([]*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	images := make([]*Image, 0, len(f.images))
	for _, im := range f.images {
		out := f.imageSnapshotLocked(im)
		images = append(images, &out)
	}
	return images, nil
}

// DeleteImage deregisters an image
func (f *Fake) DeleteImage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.images[id]; !ok {
		return fmt.Errorf("image %s: %w", id, ErrImageNotFound)
	}
	delete(f.images, id)
	return nil
}

// advanceLocked applies any clock-driven transition the instance is due
// for. Addresses appear on the pending to running edge and vanish when
// the machine stops, so a restarted machine comes back reachable at a
// different address.
func (f *Fake) advanceLocked(fi *fakeInstance) {
	now := f.now()
	switch fi.inst.Status {
	case StatusPending:
		if !fi.frozen && !now.Before(fi.readyAt) {
			fi.inst.Status = StatusRunning
			if f.addrSource != nil {
				fi.addr = f.addrSource()
			} else {
				f.nextAddr++
				fi.addr = fmt.Sprintf("10.0.%d.%d", f.nextAddr/256, f.nextAddr%256)
			}
		}
	case StatusStopping:
		if !now.Before(fi.stoppedAt) {
			fi.inst.Status = StatusStopped
			fi.addr = ""
		}
	}
}

func (f *Fake) snapshotLocked(fi *fakeInstance) Instance {
	f.advanceLocked(fi)
	out := fi.inst
	out.Address = fi.addr
	out.Volumes = append([]Volume(nil), fi.inst.Volumes...)
	return out
}

func (f *Fake) imageSnapshotLocked(im *fakeImage) Image {
	if im.img.Status == ImagePending && !f.now().Before(im.readyAt) {
		im.img.Status = ImageAvailable
	}
	return im.img
}

package provider

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by provider implementations
var (
	// ErrInstanceNotFound indicates the provider has no record of the
	// instance ID
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrImageNotFound indicates the provider has no record of the image ID
	ErrImageNotFound = errors.New("image not found")

	// ErrVolumeNotFound indicates the volume is not attached to the
	// instance
	ErrVolumeNotFound = errors.New("volume not found")

	// ErrInvalidTransition indicates the instance is not in a status that
	// permits the requested operation
	ErrInvalidTransition = errors.New("invalid status for operation")
)

// InstanceStatus is the provider-side machine status. It is deliberately
// coarser than the registry state machine: the provider only reports what
// the hypervisor knows.
type InstanceStatus string

const (
	StatusPending    InstanceStatus = "pending"
	StatusRunning    InstanceStatus = "running"
	StatusStopping   InstanceStatus = "stopping"
	StatusStopped    InstanceStatus = "stopped"
	StatusTerminated InstanceStatus = "terminated"
)

// Instance is the provider's view of a machine
type Instance struct {
	ID         string
	Name       string
	Status     InstanceStatus
	Address    string
	ImageID    string
	Volumes    []Volume
	LaunchedAt time.Time
}

// Volume is a block device attached to an instance
type Volume struct {
	ID     string
	Device string
}

// ImageStatus tracks image capture progress on the provider side
type ImageStatus string

const (
	ImagePending   ImageStatus = "pending"
	ImageAvailable ImageStatus = "available"
	ImageFailed    ImageStatus = "failed"
)

// Image is a machine image captured from an instance
type Image struct {
	ID             string
	Name           string
	Status         ImageStatus
	SourceInstance string
	CreatedAt      time.Time
}

// CreateSpec describes the machine to launch
type CreateSpec struct {
	// Name is the provider-visible instance name, already transliterated
	// from the identity
	Name string

	// ImageID selects the base image. Empty picks the provider default.
	ImageID string

	// InstanceType is the provider's machine size designator
	InstanceType string

	// AdminUser is the login account the base image ships with
	AdminUser string

	// UserData is the seed payload handed to the machine at first boot
	UserData []byte
}

// API is the compute surface the lifecycle engine drives. Implementations
// wrap one concrete cloud; the engine never reaches past this interface.
// All calls are synchronous requests; long-running transitions are
// observed by polling DescribeInstance or DescribeImage.
type API interface {
	CreateInstance(ctx context.Context, spec CreateSpec) (*Instance, error)
	DescribeInstance(ctx context.Context, id string) (*Instance, error)
	StopInstance(ctx context.Context, id string) error
	StartInstance(ctx context.Context, id string) error
	TerminateInstance(ctx context.Context, id string) error
	DetachVolume(ctx context.Context, instanceID, volumeID string) error

	CreateImage(ctx context.Context, instanceID, name string) (*Image, error)
	DescribeImage(ctx context.Context, id string) (*Image, error)
	ListImages(ctx context.Context) ([]*Image, error)
	DeleteImage(ctx context.Context, id string) error
}

package storage

import (
	"errors"
	"time"

	"github.com/hutchcloud/hutch/pkg/types"
)

var (
	// ErrNotFound is wrapped by all lookup misses.
	ErrNotFound = errors.New("not found")

	// ErrIdentityTaken is returned by RegisterInstance when a live record
	// already occupies the identity. This is the concurrent-create gate.
	ErrIdentityTaken = errors.New("identity already registered")
)

// Store defines the interface for instance registry storage
type Store interface {
	// Instances
	RegisterInstance(inst *types.Instance) error
	GetInstance(id types.Identity) (*types.Instance, error)
	ListInstances(namespace string) ([]*types.Instance, error)
	ListInstancesByRole(namespace, role string) ([]*types.Instance, error)
	UpdateInstance(inst *types.Instance) error
	DeleteInstance(id types.Identity) error
	PruneTerminated(olderThan time.Time) (int, error)

	// Images
	CreateImage(img *types.Image) error
	GetImage(id string) (*types.Image, error)
	ListImages(role string) ([]*types.Image, error)
	UpdateImage(img *types.Image) error
	DeleteImage(id string) error

	// Subscriptions
	CreateSubscription(sub *types.Subscription) error
	GetSubscription(queue string) (*types.Subscription, error)
	ListSubscriptions(namespace, group string) ([]*types.Subscription, error)
	DeleteSubscription(queue string) error

	// Utility
	Close() error
}

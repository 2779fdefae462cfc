package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hutchcloud/hutch/pkg/types"
)

var (
	// Bucket names
	bucketInstances     = []byte("instances")
	bucketImages        = []byte("images")
	bucketSubscriptions = []byte("subscriptions")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed registry store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hutch.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketInstances,
			bucketImages,
			bucketSubscriptions,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// instanceKey is the canonical identity string, e.g. "/env/box 0"
func instanceKey(id types.Identity) []byte {
	return []byte(id.String())
}

// Instance operations

// RegisterInstance claims an identity. The check and the put share one
// transaction, so concurrent registrations resolve to a single winner.
func (s *BoltStore) RegisterInstance(inst *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		key := instanceKey(inst.Identity)

		if data := b.Get(key); data != nil {
			var existing types.Instance
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.State.Live() {
				return fmt.Errorf("instance %s: %w", inst.Identity, ErrIdentityTaken)
			}
		}

		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetInstance(id types.Identity) (*types.Instance, error) {
	var inst types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get(instanceKey(id))
		if data == nil {
			return fmt.Errorf("instance %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances returns instances in the given namespace. An empty
// namespace returns every record.
func (s *BoltStore) ListInstances(namespace string) ([]*types.Instance, error) {
	var instances []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			if namespace != "" && inst.Identity.Namespace != namespace {
				return nil
			}
			instances = append(instances, &inst)
			return nil
		})
	})
	return instances, err
}

func (s *BoltStore) ListInstancesByRole(namespace, role string) ([]*types.Instance, error) {
	instances, err := s.ListInstances(namespace)
	if err != nil {
		return nil, err
	}

	var filtered []*types.Instance
	for _, inst := range instances {
		if inst.Identity.Role == role {
			filtered = append(filtered, inst)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateInstance(inst *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return b.Put(instanceKey(inst.Identity), data)
	})
}

func (s *BoltStore) DeleteInstance(id types.Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.Delete(instanceKey(id))
	})
}

// PruneTerminated removes terminated records last touched before olderThan
// and reports how many were removed.
func (s *BoltStore) PruneTerminated(olderThan time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			if inst.State == types.StateTerminated && inst.UpdatedAt.Before(olderThan) {
				if err := c.Delete(); err != nil {
					return err
				}
				pruned++
			}
		}
		return nil
	})
	return pruned, err
}

// Image operations

func (s *BoltStore) CreateImage(img *types.Image) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		data, err := json.Marshal(img)
		if err != nil {
			return err
		}
		return b.Put([]byte(img.ID), data)
	})
}

func (s *BoltStore) GetImage(id string) (*types.Image, error) {
	var img types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("image %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &img)
	})
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// ListImages returns images built from the given role, or all images when
// role is empty.
func (s *BoltStore) ListImages(role string) ([]*types.Image, error) {
	var images []*types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		return b.ForEach(func(k, v []byte) error {
			var img types.Image
			if err := json.Unmarshal(v, &img); err != nil {
				return err
			}
			if role != "" && img.Source.Role != role {
				return nil
			}
			images = append(images, &img)
			return nil
		})
	})
	return images, err
}

func (s *BoltStore) UpdateImage(img *types.Image) error {
	return s.CreateImage(img) // Same as create (upsert)
}

func (s *BoltStore) DeleteImage(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		return b.Delete([]byte(id))
	})
}

// Subscription operations

func (s *BoltStore) CreateSubscription(sub *types.Subscription) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		return b.Put([]byte(sub.Queue), data)
	})
}

func (s *BoltStore) GetSubscription(queue string) (*types.Subscription, error) {
	var sub types.Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		data := b.Get([]byte(queue))
		if data == nil {
			return fmt.Errorf("subscription %s: %w", queue, ErrNotFound)
		}
		return json.Unmarshal(data, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListSubscriptions returns subscriptions in a (namespace, group) scope.
// Empty namespace and group match everything.
func (s *BoltStore) ListSubscriptions(namespace, group string) ([]*types.Subscription, error) {
	var subs []*types.Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		return b.ForEach(func(k, v []byte) error {
			var sub types.Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			if namespace != "" && sub.Namespace != namespace {
				return nil
			}
			if group != "" && !slices.Contains(sub.Groups, group) {
				return nil
			}
			subs = append(subs, &sub)
			return nil
		})
	})
	return subs, err
}

func (s *BoltStore) DeleteSubscription(queue string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		return b.Delete([]byte(queue))
	})
}

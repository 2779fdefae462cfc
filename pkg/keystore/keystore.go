package keystore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hutchcloud/hutch/pkg/types"
)

// ErrUnavailable marks transient store failures. The publisher write path
// retries a bounded number of times before surfacing it; agent-side readers
// retry forever.
var ErrUnavailable = errors.New("key store unavailable")

// ErrKeyNotFound is wrapped by key lookup misses.
var ErrKeyNotFound = errors.New("key not found")

var (
	// Bucket names
	bucketEvents    = []byte("events")
	bucketKeys      = []byte("keys")
	bucketSequences = []byte("sequences")
)

// Keystore is the durable, append-only store behind the publisher. Events
// are keyed by (namespace, group, sequence) and never rewritten; the keys
// bucket carries the current materialized membership so snapshots are a
// prefix scan, not a replay.
type Keystore struct {
	db *bolt.DB
}

// Open creates or opens the key store database in dataDir
func Open(dataDir string) (*Keystore, error) {
	dbPath := filepath.Join(dataDir, "keys.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketEvents, bucketKeys, bucketSequences}
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

	return &Keystore{db: db}, nil
}

// Close closes the database
func (k *Keystore) Close() error {
	return k.db.Close()
}

// scopePrefix keys a (namespace, group) scope. The namespace grammar cannot
// produce '|', so the delimiter is unambiguous.
func scopePrefix(namespace, group string) []byte {
	return []byte(namespace + "|" + group + "|")
}

func eventKey(namespace, group string, seq uint64) []byte {
	key := scopePrefix(namespace, group)
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], seq)
	return append(key, be[:]...)
}

func keyKey(namespace, group, fingerprint string) []byte {
	return append(scopePrefix(namespace, group), []byte(fingerprint)...)
}

// AppendAdd records a key addition. Registering a fingerprint already
// present in the scope is a no-op: no event is written and no sequence is
// consumed, so sequences stay dense and every one marks a real change.
// Returns the assigned event and whether anything changed.
func (k *Keystore) AppendAdd(namespace, group string, rec *types.KeyRecord) (*types.ChangeEvent, bool, error) {
	var ev *types.ChangeEvent
	applied := false
	err := k.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketKeys)
		kk := keyKey(namespace, group, rec.Fingerprint)
		if keys.Get(kk) != nil {
			return nil // already a member
		}

		seq, err := nextSequence(tx, namespace, group)
		if err != nil {
			return err
		}

		ev = &types.ChangeEvent{
			Namespace:   namespace,
			Group:       group,
			Sequence:    seq,
			Op:          types.OpAdd,
			Fingerprint: rec.Fingerprint,
			Key:         rec,
			CreatedAt:   time.Now().UTC(),
		}
		if err := putEvent(tx, ev); err != nil {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := keys.Put(kk, data); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("append add: %w", err)
	}
	return ev, applied, nil
}

// AppendRemove records a key removal. Removing an absent fingerprint is a
// no-op, mirroring AppendAdd.
func (k *Keystore) AppendRemove(namespace, group, fingerprint string) (*types.ChangeEvent, bool, error) {
	var ev *types.ChangeEvent
	applied := false
	err := k.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketKeys)
		kk := keyKey(namespace, group, fingerprint)
		if keys.Get(kk) == nil {
			return nil // not a member
		}

		seq, err := nextSequence(tx, namespace, group)
		if err != nil {
			return err
		}

		ev = &types.ChangeEvent{
			Namespace:   namespace,
			Group:       group,
			Sequence:    seq,
			Op:          types.OpRemove,
			Fingerprint: fingerprint,
			CreatedAt:   time.Now().UTC(),
		}
		if err := putEvent(tx, ev); err != nil {
			return err
		}

		if err := keys.Delete(kk); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("append remove: %w", err)
	}
	return ev, applied, nil
}

// nextSequence bumps and returns the scope's sequence counter inside tx
func nextSequence(tx *bolt.Tx, namespace, group string) (uint64, error) {
	seqs := tx.Bucket(bucketSequences)
	key := []byte(namespace + "|" + group)

	var seq uint64
	if data := seqs.Get(key); data != nil {
		seq = binary.BigEndian.Uint64(data)
	}
	seq++

	var be [8]byte
	binary.BigEndian.PutUint64(be[:], seq)
	if err := seqs.Put(key, be[:]); err != nil {
		return 0, err
	}
	return seq, nil
}

func putEvent(tx *bolt.Tx, ev *types.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketEvents).Put(eventKey(ev.Namespace, ev.Group, ev.Sequence), data)
}

// Snapshot returns the materialized key set and the scope watermark (the
// highest assigned sequence). Agents bootstrap from this.
func (k *Keystore) Snapshot(namespace, group string) ([]*types.KeyRecord, uint64, error) {
	var records []*types.KeyRecord
	var watermark uint64
	err := k.db.View(func(tx *bolt.Tx) error {
		prefix := scopePrefix(namespace, group)
		c := tx.Bucket(bucketKeys).Cursor()
		for kk, v := c.Seek(prefix); kk != nil && bytes.HasPrefix(kk, prefix); kk, v = c.Next() {
			var rec types.KeyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
		}

		if data := tx.Bucket(bucketSequences).Get([]byte(namespace + "|" + group)); data != nil {
			watermark = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot %s%s: %w", namespace, group, err)
	}
	return records, watermark, nil
}

// ListSince returns the scope's events with sequence > afterSeq in
// ascending sequence order.
func (k *Keystore) ListSince(namespace, group string, afterSeq uint64) ([]*types.ChangeEvent, error) {
	var events []*types.ChangeEvent
	err := k.db.View(func(tx *bolt.Tx) error {
		prefix := scopePrefix(namespace, group)
		c := tx.Bucket(bucketEvents).Cursor()
		for kk, v := c.Seek(eventKey(namespace, group, afterSeq+1)); kk != nil && bytes.HasPrefix(kk, prefix); kk, v = c.Next() {
			var ev types.ChangeEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, &ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list since %d: %w", afterSeq, err)
	}
	return events, nil
}

// Watermark returns the highest sequence assigned in the scope, zero if
// none.
func (k *Keystore) Watermark(namespace, group string) (uint64, error) {
	var watermark uint64
	err := k.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketSequences).Get([]byte(namespace + "|" + group)); data != nil {
			watermark = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return watermark, err
}

// GetKey returns one member record from the scope
func (k *Keystore) GetKey(namespace, group, fingerprint string) (*types.KeyRecord, error) {
	var rec types.KeyRecord
	err := k.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKeys).Get(keyKey(namespace, group, fingerprint))
		if data == nil {
			return fmt.Errorf("%s in %s%s: %w", fingerprint, namespace, group, ErrKeyNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

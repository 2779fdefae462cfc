package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hutchcloud/hutch/pkg/types"
)

var (
	dataDir    = flag.String("db", "/var/lib/hutch", "Hutch data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to backup the key store before migration (default: <db>/keys.db.backup)")
)

// legacyRecord is the pre-scope flat layout: one row per fingerprint,
// namespace and groups carried in the value instead of the key.
type legacyRecord struct {
	Fingerprint string
	PublicKey   []byte
	Owner       string
	Namespace   string
	Groups      []string
	CreatedAt   time.Time
}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Hutch Key Store Migration Tool - flat layout → per-(namespace,group)")
	log.Println("====================================================================")

	dbPath := filepath.Join(*dataDir, "keys.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Key store not found at %s", dbPath)
	}

	log.Printf("Key store: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	// Create backup unless in dry-run mode
	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open key store: %v", err)
	}
	defer db.Close()

	if err := migrateFlatLayout(db, *dryRun); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Println("")
		log.Println("Dry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Println("")
		log.Println("✓ Migration completed successfully!")
		log.Println("Flat records have been moved to the 'keys_legacy' bucket for rollback.")
		log.Println("After verifying the migration you can delete that bucket.")
	}
}

// migrateFlatLayout rewrites flat fingerprint-keyed rows into the
// scoped layout: keys under "ns|group|fingerprint", one synthesized add
// event per scope membership, and per-scope sequence counters. Legacy
// rows are recognizable by the missing '|' delimiter, which the
// namespace grammar cannot produce.
func migrateFlatLayout(db *bolt.DB, dryRun bool) error {
	var legacy []legacyRecord

	// First, inspect what exists
	err := db.View(func(tx *bolt.Tx) error {
		keys := tx.Bucket([]byte("keys"))
		if keys == nil {
			log.Println("✓ No 'keys' bucket found - key store is empty")
			return nil
		}
		return keys.ForEach(func(k, v []byte) error {
			if strings.Contains(string(k), "|") {
				return nil // already scoped
			}
			var rec legacyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				log.Printf("⚠ Warning: Skipping invalid JSON for key %s: %v", k, err)
				return nil
			}
			if rec.Fingerprint == "" {
				rec.Fingerprint = string(k)
			}
			legacy = append(legacy, rec)
			return nil
		})
	})
	if err != nil {
		return err
	}

	if len(legacy) == 0 {
		log.Println("✓ No flat records found - key store is already using the scoped layout")
		return nil
	}
	log.Printf("Found %d flat records to migrate", len(legacy))

	// Sequence assignment follows registration order so the synthesized
	// event log reads like the history that should have existed.
	sort.Slice(legacy, func(i, j int) bool {
		return legacy[i].CreatedAt.Before(legacy[j].CreatedAt)
	})

	if dryRun {
		log.Println("")
		log.Println("[DRY RUN] Would perform the following operations:")
		log.Println("1. Move flat rows from 'keys' to a 'keys_legacy' rollback bucket")
		log.Printf("2. Write %d scoped key rows", countMemberships(legacy))
		log.Println("3. Synthesize one add event per scope membership")
		log.Println("4. Advance the per-scope sequence counters to match")
		return nil
	}

	migrated := 0
	err = db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket([]byte("keys"))
		events, err := tx.CreateBucketIfNotExists([]byte("events"))
		if err != nil {
			return fmt.Errorf("failed to create events bucket: %w", err)
		}
		seqs, err := tx.CreateBucketIfNotExists([]byte("sequences"))
		if err != nil {
			return fmt.Errorf("failed to create sequences bucket: %w", err)
		}
		rollback, err := tx.CreateBucketIfNotExists([]byte("keys_legacy"))
		if err != nil {
			return fmt.Errorf("failed to create rollback bucket: %w", err)
		}

		log.Println("")
		log.Println("Migrating flat records...")
		for _, rec := range legacy {
			ns := rec.Namespace
			if ns == "" {
				ns = "/"
			}
			groups := rec.Groups
			if len(groups) == 0 {
				groups = []string{types.DefaultGroup}
			}

			current := &types.KeyRecord{
				Fingerprint: rec.Fingerprint,
				PublicKey:   rec.PublicKey,
				Owner:       rec.Owner,
				Groups:      groups,
				CreatedAt:   rec.CreatedAt,
			}
			data, err := json.Marshal(current)
			if err != nil {
				return fmt.Errorf("failed to marshal record %s: %w", rec.Fingerprint, err)
			}

			for _, group := range groups {
				scoped := []byte(ns + "|" + group + "|" + rec.Fingerprint)
				if keys.Get(scoped) != nil {
					continue // a scoped row already exists, keep it
				}
				if err := keys.Put(scoped, data); err != nil {
					return fmt.Errorf("failed to write scoped row for %s: %w", rec.Fingerprint, err)
				}

				seq, err := nextSequence(seqs, ns, group)
				if err != nil {
					return err
				}
				ev := &types.ChangeEvent{
					Namespace:   ns,
					Group:       group,
					Sequence:    seq,
					Op:          types.OpAdd,
					Fingerprint: rec.Fingerprint,
					Key:         current,
					CreatedAt:   rec.CreatedAt,
				}
				evData, err := json.Marshal(ev)
				if err != nil {
					return fmt.Errorf("failed to marshal event for %s: %w", rec.Fingerprint, err)
				}
				if err := events.Put(eventKey(ns, group, seq), evData); err != nil {
					return fmt.Errorf("failed to write event for %s: %w", rec.Fingerprint, err)
				}
			}

			// Move the flat row into the rollback bucket.
			flat := []byte(rec.Fingerprint)
			if v := keys.Get(flat); v != nil {
				if err := rollback.Put(flat, v); err != nil {
					return fmt.Errorf("failed to preserve flat row %s: %w", rec.Fingerprint, err)
				}
				if err := keys.Delete(flat); err != nil {
					return fmt.Errorf("failed to drop flat row %s: %w", rec.Fingerprint, err)
				}
			}

			migrated++
			if migrated%10 == 0 {
				log.Printf("  Migrated %d/%d...", migrated, len(legacy))
			}
		}

		log.Printf("✓ Migrated %d/%d records", migrated, len(legacy))
		log.Println("✓ Preserved flat rows in 'keys_legacy' for rollback")
		return nil
	})
	return err
}

// nextSequence advances the per-scope counter, continuing from whatever
// the store already assigned so sequences stay dense.
func nextSequence(seqs *bolt.Bucket, namespace, group string) (uint64, error) {
	key := []byte(namespace + "|" + group)
	var seq uint64
	if data := seqs.Get(key); data != nil {
		seq = binary.BigEndian.Uint64(data)
	}
	seq++
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], seq)
	if err := seqs.Put(key, be[:]); err != nil {
		return 0, fmt.Errorf("failed to advance sequence for %s|%s: %w", namespace, group, err)
	}
	return seq, nil
}

func eventKey(namespace, group string, seq uint64) []byte {
	key := []byte(namespace + "|" + group + "|")
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], seq)
	return append(key, be[:]...)
}

func countMemberships(records []legacyRecord) int {
	n := 0
	for _, rec := range records {
		groups := len(rec.Groups)
		if groups == 0 {
			groups = 1
		}
		n += groups
	}
	return n
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}

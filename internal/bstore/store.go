// Package bstore persists the two pieces of manager state that spec.md
// does not rule out surviving a restart: the blocklist and category
// policy/statistics (spec.md sec 1 Non-goals bars durability of *task*
// state only). Grounded on warren's pkg/storage/boltdb.go bucket
// layout, scoped down to these two buckets.
package bstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/dswarm/internal/types"
)

var (
	bucketBlocklist = []byte("blocklist")
	bucketCategory  = []byte("category")
)

// Store is a thin BoltDB-backed persistence layer.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bolt database under dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "dswarm.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bolt store at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBlocklist, bucketCategory} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// PutBlockEntry upserts a blocklist entry.
func (s *Store) PutBlockEntry(e *types.BlockEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocklist).Put([]byte(e.Host), data)
	})
}

// DeleteBlockEntry removes a blocklist entry by host.
func (s *Store) DeleteBlockEntry(host string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocklist).Delete([]byte(host))
	})
}

// ListBlockEntries returns every persisted blocklist entry.
func (s *Store) ListBlockEntries() ([]*types.BlockEntry, error) {
	var out []*types.BlockEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocklist).ForEach(func(k, v []byte) error {
			var e types.BlockEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
			return nil
		})
	})
	return out, err
}

// PutCategory upserts a category's policy and statistics.
func (s *Store) PutCategory(c *types.Category) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCategory).Put([]byte(c.Name), data)
	})
}

// ListCategories returns every persisted category.
func (s *Store) ListCategories() ([]*types.Category, error) {
	var out []*types.Category
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCategory).ForEach(func(k, v []byte) error {
			var c types.Category
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

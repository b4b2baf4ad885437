package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAccessories = []byte("accessories")
	bucketScripts     = []byte("scripts")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketAccessories, bucketScripts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveAccessory(acc *Accessory) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccessories)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAccessories)
		}
		if acc.Seq == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			acc.Seq = seq
		}
		data, err := json.Marshal(acc)
		if err != nil {
			return err
		}
		return b.Put([]byte(acc.Name), data)
	})
}

func (s *BoltStore) DeleteAccessory(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccessories)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAccessories)
		}
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("accessory %s: %w", name, ErrNotFound)
		}
		return b.Delete([]byte(name))
	})
}

func (s *BoltStore) ListAccessories() ([]*Accessory, error) {
	var list []*Accessory
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccessories)
		if b == nil {
			return nil // no bucket = nothing cached
		}
		list = make([]*Accessory, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var acc Accessory
			if err := json.Unmarshal(v, &acc); err != nil {
				return fmt.Errorf("decode accessory %s: %w", k, err)
			}
			list = append(list, &acc)
			return nil
		})
	})
	// Bolt iterates in key order; callers want insertion order.
	sort.SliceStable(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	return list, err
}

func (s *BoltStore) SaveScript(sc *Script) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScripts)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketScripts)
		}
		return b.Put([]byte(sc.ID), data)
	})
}

func (s *BoltStore) DeleteScript(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScripts)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketScripts)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("script %s: %w", id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListScripts() ([]*Script, error) {
	var list []*Script
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScripts)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var sc Script
			if err := json.Unmarshal(v, &sc); err != nil {
				return fmt.Errorf("decode script %s: %w", k, err)
			}
			list = append(list, &sc)
			return nil
		})
	})
	return list, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

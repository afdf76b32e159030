package storage

import (
	"bytes"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/kanbanlab/boardsync/internal/events"
)

var bucketEngine = []byte("engine")

// BoltStore implements KV on top of a bbolt database file.
type BoltStore struct {
	db     *bbolt.DB
	logger *events.Logger
}

// NewBoltStore opens (or creates) the database file and its bucket.
func NewBoltStore(path string, logger *events.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEngine)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BoltStore{
		db:     db,
		logger: logger.WithField("component", "bolt_store"),
	}, nil
}

// Get retrieves a value.
func (s *BoltStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEngine).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Set stores a value.
func (s *BoltStore) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEngine).Put([]byte(key), value)
	})
}

// Delete removes a key.
func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEngine).Delete([]byte(key))
	})
}

// List returns sorted keys with the given prefix.
func (s *BoltStore) List(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEngine).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

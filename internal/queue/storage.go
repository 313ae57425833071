package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketContacts = []byte("contacts")

// BoltStorage implements Queue interface using BoltDB
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketContacts); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketContacts, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Replace drops the queue and stores contacts in the given order
func (s *BoltStorage) Replace(ctx context.Context, contacts []Contact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketContacts); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to drop contacts: %w", err)
		}
		b, err := tx.CreateBucket(bucketContacts)
		if err != nil {
			return fmt.Errorf("failed to recreate contacts bucket: %w", err)
		}

		for _, c := range contacts {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("failed to marshal contact: %w", err)
			}
			if err := b.Put(makeSeqKey(seq), data); err != nil {
				return fmt.Errorf("failed to store contact: %w", err)
			}
		}
		return nil
	})
}

// Len returns the number of queued contacts
func (s *BoltStorage) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketContacts).Stats().KeyN
		return nil
	})
	return n, err
}

// Peek returns the front contact without removing it
func (s *BoltStorage) Peek(ctx context.Context) (*Contact, error) {
	var contact *Contact

	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketContacts).Cursor().First()
		if v == nil {
			return nil
		}
		var c Contact
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("failed to unmarshal contact: %w", err)
		}
		contact = &c
		return nil
	})

	return contact, err
}

// Pop removes the front contact. Popping an empty queue is a no-op.
func (s *BoltStorage) Pop(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketContacts).Cursor()
		k, _ := c.First()
		if k == nil {
			return nil
		}
		return c.Delete()
	})
}

// List returns contacts in queue order
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]Contact, error) {
	var contacts []Contact

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketContacts).Cursor()

		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < filter.Offset {
				skipped++
				continue
			}

			var contact Contact
			if err := json.Unmarshal(v, &contact); err != nil {
				continue
			}
			contacts = append(contacts, contact)

			if filter.Limit > 0 && len(contacts) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return contacts, err
}

// Close closes the database
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying BoltDB instance for sharing with other components
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// makeSeqKey encodes a sequence number so that keys sort in insertion order
func makeSeqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

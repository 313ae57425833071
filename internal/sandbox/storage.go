package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/pushline/internal/campaign"
)

var bucketSandbox = []byte("sandbox")

// Message represents a delivery captured in sandbox mode
type Message struct {
	ID           string                `json:"id"`
	To           string                `json:"to"`
	Path         string                `json:"path"` // SCRIPT or LEGACY
	Script       []campaign.Step       `json:"script,omitempty"`
	Text         string                `json:"text,omitempty"`
	Media        []campaign.Attachment `json:"media,omitempty"`
	CapturedAt   time.Time             `json:"captured_at"`
	SimulatedErr string                `json:"simulated_error,omitempty"`
}

// Storage provides sandbox message storage
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new sandbox storage using the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSandbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// Save stores a captured message
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSandbox)

		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bucket.Put(makeIndexKey(msg.CapturedAt, msg.ID), data)
	})
}

// ListFilter contains filters for listing messages
type ListFilter struct {
	To     string
	Limit  int
	Offset int
}

// List returns captured messages, newest first
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}

			if filter.To != "" && msg.To != filter.To {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			messages = append(messages, &msg)

			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}

		return nil
	})

	return messages, err
}

// Clear removes captured messages older than olderThan, or all of them
// when olderThan is zero
func (s *Storage) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSandbox)
		c := bucket.Cursor()

		var keysToDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if olderThan > 0 {
				var msg Message
				if err := json.Unmarshal(v, &msg); err == nil && msg.CapturedAt.After(cutoff) {
					continue
				}
			}
			keysToDelete = append(keysToDelete, append([]byte{}, k...))
		}

		for _, k := range keysToDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}

		return nil
	})

	return count, err
}

// Count returns the number of captured messages
func (s *Storage) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketSandbox).Stats().KeyN
		return nil
	})
	return n, err
}

// indexLayout is fixed width so keys sort chronologically
const indexLayout = "2006-01-02T15:04:05.000000000Z"

func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexLayout) + ":" + id)
}

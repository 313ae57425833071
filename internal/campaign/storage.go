package campaign

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCampaign = []byte("campaign")
	keyTemplates   = []byte("templates")
	keyScript      = []byte("script")
)

// Storage persists campaign templates and script
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new campaign storage using the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCampaign)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create campaign bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// Definition loads templates and script together
func (s *Storage) Definition(ctx context.Context) (*Definition, error) {
	def := &Definition{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaign)
		if err := getJSON(b, keyTemplates, &def.Templates); err != nil {
			return err
		}
		return getJSON(b, keyScript, &def.Script)
	})
	if err != nil {
		return nil, err
	}

	return def, nil
}

// Templates returns the stored legacy templates
func (s *Storage) Templates(ctx context.Context) ([]string, error) {
	var templates []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketCampaign), keyTemplates, &templates)
	})
	return templates, err
}

// SetTemplates replaces the stored legacy templates
func (s *Storage) SetTemplates(ctx context.Context, templates []string) error {
	return s.put(keyTemplates, templates)
}

// Script returns the stored script
func (s *Storage) Script(ctx context.Context) ([]Step, error) {
	var steps []Step
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketCampaign), keyScript, &steps)
	})
	return steps, err
}

// SetScript replaces the stored script. An empty script switches the
// campaign back to templates.
func (s *Storage) SetScript(ctx context.Context, steps []Step) error {
	return s.put(keyScript, steps)
}

func (s *Storage) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCampaign).Put(key, data); err != nil {
			return fmt.Errorf("failed to store %s: %w", key, err)
		}
		return nil
	})
}

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	data := b.Get(key)
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

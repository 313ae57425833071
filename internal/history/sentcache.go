package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrNoCache is returned when the sent cache file is missing or unreadable
var ErrNoCache = errors.New("NO_CACHE")

// SentCache is the persisted set of phones that received at least one
// successful send. The file is a JSON object of phone -> true.
type SentCache struct {
	path string
	mu   sync.Mutex
}

// NewSentCache creates a cache stored at path
func NewSentCache(path string) *SentCache {
	return &SentCache{path: path}
}

// Mark adds phone to the cache with a read-merge-write.
// An unreadable file is replaced.
func (c *SentCache) Mark(phone string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cache, err := c.read()
	if err != nil {
		cache = make(map[string]bool)
	}
	cache[phone] = true

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sent cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create sent cache directory: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write sent cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace sent cache: %w", err)
	}
	return nil
}

// Phones returns the sorted phones marked true.
// Returns ErrNoCache if the file is missing or corrupt.
func (c *SentCache) Phones() ([]string, error) {
	c.mu.Lock()
	cache, err := c.read()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	phones := make([]string, 0, len(cache))
	for p, ok := range cache {
		if ok {
			phones = append(phones, p)
		}
	}
	sort.Strings(phones)
	return phones, nil
}

// Has reports whether phone was marked. Errors read as false.
func (c *SentCache) Has(phone string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cache, err := c.read()
	if err != nil {
		return false
	}
	return cache[phone]
}

func (c *SentCache) read() (map[string]bool, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCache, err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCache, err)
	}

	cache := make(map[string]bool, len(raw))
	for k, v := range raw {
		if b, ok := v.(bool); ok {
			cache[k] = b
		}
	}
	return cache, nil
}

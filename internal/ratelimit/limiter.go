package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("send_quota")

// Level represents the level of a send quota
type Level string

const (
	LevelGlobal    Level = "global"
	LevelPrefix    Level = "prefix"
	LevelRecipient Level = "recipient"
)

// Config contains send quota configuration
type Config struct {
	// Global caps all sends
	Global *LimitConfig

	// Prefixes caps sends per phone prefix, e.g. "+7" or "+380".
	// The longest matching prefix applies.
	Prefixes map[string]*LimitConfig

	// Recipient caps sends to any single phone
	Recipient *LimitConfig

	// Persistence settings
	FlushInterval time.Duration
}

// LimitConfig contains quota values. Zero disables a window.
type LimitConfig struct {
	MessagesPerHour int `json:"messages_per_hour"`
	MessagesPerDay  int `json:"messages_per_day"`
}

// Counter tracks quota usage for one key
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter enforces hourly and daily send quotas persisted in BoltDB
type Limiter struct {
	db       *bolt.DB
	config   *Config
	counters map[string]*Counter
	now      func() time.Time
	mu       sync.RWMutex
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewLimiter creates a new send quota limiter
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create send quota bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// Request describes one intended send
type Request struct {
	Phone string
}

// Result contains the quota check result
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats contains quota usage for one key
type Stats struct {
	Level       Level     `json:"level"`
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Allow checks whether the send fits all applicable quotas and, if so,
// counts it against each of them
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	checks := l.getChecks(req)

	for _, check := range checks {
		counter := l.getOrCreateCounter(check.key, now)
		resetExpired(counter, now)

		if res := deny(check, counter.HourlyCount, counter.DailyCount, counter, now); res != nil {
			return res, nil
		}
	}

	for _, check := range checks {
		counter := l.counters[check.key]
		counter.HourlyCount++
		counter.DailyCount++
	}

	return &Result{Allowed: true}, nil
}

// Check reports whether the send would be allowed without counting it
func (l *Limiter) Check(ctx context.Context, req *Request) (*Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()

	for _, check := range l.getChecks(req) {
		counter, exists := l.counters[check.key]
		if !exists {
			continue
		}

		hourly, daily := counter.HourlyCount, counter.DailyCount
		if now.Sub(counter.HourStart) >= time.Hour {
			hourly = 0
		}
		if now.Sub(counter.DayStart) >= 24*time.Hour {
			daily = 0
		}

		if res := deny(check, hourly, daily, counter, now); res != nil {
			return res, nil
		}
	}

	return &Result{Allowed: true}, nil
}

// GetStats returns current usage for a level and key
func (l *Limiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &Stats{Level: level, Key: key}

	counter, exists := l.counters[makeKey(level, key)]
	if !exists {
		return stats, nil
	}

	now := l.now()
	stats.HourStart = counter.HourStart
	stats.DayStart = counter.DayStart
	if now.Sub(counter.HourStart) < time.Hour {
		stats.HourlyCount = counter.HourlyCount
	}
	if now.Sub(counter.DayStart) < 24*time.Hour {
		stats.DailyCount = counter.DailyCount
	}

	return stats, nil
}

// Stop stops background persistence and flushes counters
func (l *Limiter) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return l.persistCounters()
}

type limitCheck struct {
	level Level
	key   string
	limit *LimitConfig
}

func (l *Limiter) getChecks(req *Request) []limitCheck {
	var checks []limitCheck

	if l.config.Global != nil {
		checks = append(checks, limitCheck{
			level: LevelGlobal,
			key:   makeKey(LevelGlobal, "global"),
			limit: l.config.Global,
		})
	}

	if prefix, limit := l.matchPrefix(req.Phone); limit != nil {
		checks = append(checks, limitCheck{
			level: LevelPrefix,
			key:   makeKey(LevelPrefix, prefix),
			limit: limit,
		})
	}

	if req.Phone != "" && l.config.Recipient != nil {
		checks = append(checks, limitCheck{
			level: LevelRecipient,
			key:   makeKey(LevelRecipient, req.Phone),
			limit: l.config.Recipient,
		})
	}

	return checks
}

// matchPrefix returns the longest configured prefix of phone
func (l *Limiter) matchPrefix(phone string) (string, *LimitConfig) {
	var best string
	var limit *LimitConfig
	for prefix, cfg := range l.config.Prefixes {
		if cfg == nil || !strings.HasPrefix(phone, prefix) {
			continue
		}
		if limit == nil || len(prefix) > len(best) {
			best, limit = prefix, cfg
		}
	}
	return best, limit
}

func deny(check limitCheck, hourly, daily int, counter *Counter, now time.Time) *Result {
	if check.limit.MessagesPerHour > 0 && hourly >= check.limit.MessagesPerHour {
		return &Result{
			DeniedBy:   check.level,
			DeniedKey:  check.key,
			RetryAfter: counter.HourStart.Add(time.Hour).Sub(now),
		}
	}
	if check.limit.MessagesPerDay > 0 && daily >= check.limit.MessagesPerDay {
		return &Result{
			DeniedBy:   check.level,
			DeniedKey:  check.key,
			RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now),
		}
	}
	return nil
}

func (l *Limiter) getOrCreateCounter(key string, now time.Time) *Counter {
	counter, exists := l.counters[key]
	if !exists {
		counter = &Counter{
			HourStart: now,
			DayStart:  now,
		}
		l.counters[key] = counter
	}
	return counter
}

func resetExpired(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		for key, counter := range l.counters {
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}

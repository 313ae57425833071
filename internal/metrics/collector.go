package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

// QueueSizer reports the number of queued contacts
type QueueSizer interface {
	Len(ctx context.Context) (int, error)
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// Sample is a single persisted counter value
type Sample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// ShadowCounters stores counter values for persistence, keyed by metric name
type ShadowCounters map[string][]Sample

// Collector handles metrics persistence and system gauge updates
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	queue         QueueSizer
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, queue QueueSizer, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		queue:         queue,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.persistCounters()
}

// counters maps persisted metric names to their collectors
func (c *Collector) counters() map[string]*prometheus.CounterVec {
	return map[string]*prometheus.CounterVec{
		"pushline_sends_total":              c.metrics.SendsTotal,
		"pushline_send_failures_total":      c.metrics.SendFailuresTotal,
		"pushline_waves_total":              c.metrics.WavesTotal,
		"pushline_api_requests_total":       c.metrics.APIRequestsTotal,
		"pushline_api_errors_total":         c.metrics.APIErrorsTotal,
		"pushline_ratelimit_exceeded_total": c.metrics.RateLimitExceededTotal,
	}
}

// loadCounters restores persisted counter values from BoltDB
func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get(keyCounters)
		if data == nil {
			return nil
		}

		var shadow ShadowCounters
		if err := json.Unmarshal(data, &shadow); err != nil {
			return nil // Skip invalid data
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		vecs := c.counters()
		for name, samples := range shadow {
			if name == "pushline_cooldowns_total" {
				for _, s := range samples {
					c.metrics.CooldownsTotal.Add(s.Value)
				}
				continue
			}
			vec, ok := vecs[name]
			if !ok {
				continue
			}
			for _, s := range samples {
				counter, err := vec.GetMetricWith(prometheus.Labels(s.Labels))
				if err != nil || s.Value <= 0 {
					continue
				}
				counter.Add(s.Value)
			}
		}

		return nil
	})
}

// snapshot gathers current counter values from the registry
func (c *Collector) snapshot() (ShadowCounters, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	shadow := make(ShadowCounters)
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, metric := range mf.GetMetric() {
			s := Sample{Value: metric.GetCounter().GetValue()}
			if pairs := metric.GetLabel(); len(pairs) > 0 {
				s.Labels = make(map[string]string, len(pairs))
				for _, lp := range pairs {
					s.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			shadow[mf.GetName()] = append(shadow[mf.GetName()], s)
		}
	}
	return shadow, nil
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	shadow, err := c.snapshot()
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(shadow)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMetrics).Put(keyCounters, data)
	})
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

// updateSystemMetrics periodically updates system gauges
func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

// collectSystemMetrics collects current system state
func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queue != nil {
		if n, err := c.queue.Len(ctx); err == nil {
			c.metrics.QueueSize.Set(float64(n))
		}
	}
}

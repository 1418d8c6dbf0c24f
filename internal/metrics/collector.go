package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

// QueueStats contains queue statistics for metrics
type QueueStats struct {
	Pending   int64
	Sending   int64
	Deferred  int64
	Delivered int64
	Failed    int64
	Total     int64
}

// QueueStatsProvider provides queue statistics for metrics
type QueueStatsProvider interface {
	Stats(ctx context.Context) (*QueueStats, error)
}

// ContactStats contains contact statistics for metrics
type ContactStats struct {
	Contacts    int64
	Subscribers map[string]int64
}

// ContactStatsProvider provides contact statistics for metrics
type ContactStatsProvider interface {
	ContactStats(ctx context.Context) (*ContactStats, error)
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// labelSep joins name=value label pairs in persisted counter keys
const labelSep = "|"

// Counters maps a counter name to its values keyed by joined label pairs
type Counters map[string]map[string]float64

// Collector persists counters across restarts and refreshes gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	queueStats    QueueStatsProvider
	contactStats  ContactStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, queueStats QueueStatsProvider, contactStats ContactStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics bucket: %w", err)
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		queueStats:    queueStats,
		contactStats:  contactStats,
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
	c.collectGauges(ctx)

	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.gaugeLoop(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.persistCounters()
}

// persistedCounters returns the counters that survive restarts, by name
func (c *Collector) persistedCounters() map[string]*prometheus.CounterVec {
	return map[string]*prometheus.CounterVec{
		"basket_upserts_total":                 c.metrics.UpsertsTotal,
		"basket_upsert_errors_total":           c.metrics.UpsertErrorsTotal,
		"basket_confirmations_queued_total":    c.metrics.ConfirmationsQueuedTotal,
		"basket_confirmations_sent_total":      c.metrics.ConfirmationsSentTotal,
		"basket_confirmations_failed_total":    c.metrics.ConfirmationsFailedTotal,
		"basket_confirmations_deferred_total":  c.metrics.ConfirmationsDeferredTotal,
		"basket_confirmations_throttled_total": c.metrics.ConfirmationsThrottledTotal,
	}
}

func (c *Collector) persistedPlainCounters() map[string]prometheus.Counter {
	return map[string]prometheus.Counter{
		"basket_unknown_slugs_total":   c.metrics.UnknownSlugsTotal,
		"basket_lock_contention_total": c.metrics.LockContentionTotal,
	}
}

// loadCounters adds persisted counter values to the registry
func (c *Collector) loadCounters() error {
	var saved Counters

	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get(keyCounters)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &saved); err != nil {
			saved = nil // Skip invalid data
		}
		return nil
	})
	if err != nil {
		return err
	}

	vecs := c.persistedCounters()
	plain := c.persistedPlainCounters()

	for name, values := range saved {
		if vec, ok := vecs[name]; ok {
			for key, v := range values {
				counter, err := vec.GetMetricWith(parseLabelKey(key))
				if err != nil {
					continue // Label set changed
				}
				counter.Add(v)
			}
			continue
		}
		if counter, ok := plain[name]; ok {
			counter.Add(values[""])
		}
	}

	return nil
}

// Snapshot returns the current values of the persisted counters
func (c *Collector) Snapshot() (Counters, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	vecs := c.persistedCounters()
	plain := c.persistedPlainCounters()

	out := make(Counters)
	for _, family := range families {
		name := family.GetName()
		_, isVec := vecs[name]
		_, isPlain := plain[name]
		if !isVec && !isPlain {
			continue
		}

		values := make(map[string]float64)
		for _, metric := range family.GetMetric() {
			values[labelKey(metric)] = metric.GetCounter().GetValue()
		}
		out[name] = values
	}

	return out, nil
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot, err := c.Snapshot()
	if err != nil {
		return err
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal counters: %w", err)
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put(keyCounters, data)
	})
}

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

func (c *Collector) gaugeLoop(ctx context.Context) {
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
			c.collectGauges(ctx)
		}
	}
}

// collectGauges refreshes system, queue and contact gauges
func (c *Collector) collectGauges(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queueStats != nil {
		if stats, err := c.queueStats.Stats(ctx); err == nil {
			c.metrics.QueueSize.Set(float64(stats.Pending + stats.Deferred))
			c.metrics.QueueActive.Set(float64(stats.Sending))
			c.metrics.QueueDeferred.Set(float64(stats.Deferred))
			c.metrics.QueueFailed.Set(float64(stats.Failed))
		}
	}

	if c.contactStats != nil {
		if stats, err := c.contactStats.ContactStats(ctx); err == nil {
			c.metrics.Contacts.Set(float64(stats.Contacts))
			c.metrics.NewsletterSubscribers.Reset()
			for slug, n := range stats.Subscribers {
				c.metrics.NewsletterSubscribers.WithLabelValues(slug).Set(float64(n))
			}
		}
	}
}

// labelKey joins the name=value label pairs of a gathered metric
func labelKey(metric *dto.Metric) string {
	pairs := make([]string, 0, len(metric.GetLabel()))
	for _, label := range metric.GetLabel() {
		pairs = append(pairs, label.GetName()+"="+label.GetValue())
	}
	return strings.Join(pairs, labelSep)
}

func parseLabelKey(key string) prometheus.Labels {
	labels := make(prometheus.Labels)
	if key == "" {
		return labels
	}
	for _, pair := range strings.Split(key, labelSep) {
		name, value, _ := strings.Cut(pair, "=")
		labels[name] = value
	}
	return labels
}

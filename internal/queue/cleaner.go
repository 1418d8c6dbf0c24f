package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings
type CleanerConfig struct {
	DeliveredMaxAge time.Duration
	DLQMaxAge       time.Duration
	DLQMaxCount     int
	Interval        time.Duration
}

// Cleaner periodically removes delivered and dead-lettered messages
type Cleaner struct {
	storage *BoltStorage
	cfg     CleanerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(storage *BoltStorage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Cleaner{
		storage: storage,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start runs a cleanup immediately and then on every interval
func (c *Cleaner) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"delivered_max_age", c.cfg.DeliveredMaxAge,
		"dlq_max_age", c.cfg.DLQMaxAge,
		"dlq_max_count", c.cfg.DLQMaxCount,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the running cleanup to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce applies the retention settings once
func (c *Cleaner) RunOnce(ctx context.Context) {
	if c.cfg.DeliveredMaxAge > 0 {
		deleted, err := c.storage.CleanupDelivered(ctx, c.cfg.DeliveredMaxAge)
		if err != nil {
			c.logger.Error("failed to cleanup delivered messages", "error", err)
		} else if deleted > 0 {
			c.logger.Info("cleaned up delivered messages", "deleted", deleted)
		}
	}

	if c.cfg.DLQMaxAge > 0 || c.cfg.DLQMaxCount > 0 {
		deleted, err := c.storage.CleanupDLQ(ctx, c.cfg.DLQMaxAge, c.cfg.DLQMaxCount)
		if err != nil {
			c.logger.Error("failed to cleanup DLQ", "error", err)
		} else if deleted > 0 {
			c.logger.Info("cleaned up DLQ messages", "deleted", deleted)
		}
	}
}

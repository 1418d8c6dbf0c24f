package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/basket/internal/metrics"
)

// Sender renders and delivers a confirmation message
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// ErrorChecker reports whether a delivery error is worth retrying
type ErrorChecker func(err error) bool

// Processor processes the message queue
type Processor struct {
	queue           Queue
	sender          Sender
	workers         int
	retryInterval   time.Duration
	maxRetries      int
	processInterval time.Duration
	sendTimeout     time.Duration
	isTemporary     ErrorChecker
	logger          *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	Workers         int
	RetryInterval   time.Duration
	MaxRetries      int
	ProcessInterval time.Duration
	SendTimeout     time.Duration
}

// NewProcessor creates a new queue processor
func NewProcessor(q Queue, sender Sender, cfg ProcessorConfig, isTemp ErrorChecker, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}
	if isTemp == nil {
		isTemp = func(err error) bool { return true }
	}

	return &Processor{
		queue:           q,
		sender:          sender,
		workers:         cfg.Workers,
		retryInterval:   cfg.RetryInterval,
		maxRetries:      cfg.MaxRetries,
		processInterval: cfg.ProcessInterval,
		sendTimeout:     cfg.SendTimeout,
		isTemporary:     isTemp,
		logger:          logger,
		stopCh:          make(chan struct{}),
	}
}

// Start starts the processor workers
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting queue processor", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the processor gracefully
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping queue processor")
		close(p.stopCh)
	})
	p.wg.Wait()
	p.logger.Info("queue processor stopped")
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			// Drain everything due before waiting for the next tick
			for p.ProcessOne(ctx, logger) {
				select {
				case <-ctx.Done():
					return
				case <-p.stopCh:
					return
				default:
				}
			}
		}
	}
}

// ProcessOne sends a single message from the queue.
// It reports whether a message was found.
func (p *Processor) ProcessOne(ctx context.Context, logger *slog.Logger) bool {
	msg, err := p.queue.Dequeue(ctx)
	if err != nil {
		logger.Error("failed to dequeue message", "error", err)
		return false
	}
	if msg == nil {
		return false
	}

	logger = logger.With("message_id", msg.ID, "variant", msg.Variant)
	logger.Debug("processing confirmation")

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	err = p.sender.Send(sendCtx, msg)
	cancel()

	if err == nil {
		msg.Status = StatusDelivered
		msg.LastError = ""
		if err := p.queue.Update(ctx, msg); err != nil {
			logger.Error("failed to update message status", "error", err)
		}

		metrics.IncConfirmationsSent(string(msg.Variant))
		logger.Info("confirmation delivered", "lang", msg.Lang, "retry_count", msg.RetryCount)
		return true
	}

	logger.Warn("delivery failed", "error", err, "retry_count", msg.RetryCount)

	msg.RetryCount++
	msg.LastError = err.Error()

	temporary := p.isTemporary(err)
	if temporary && msg.RetryCount < p.maxRetries {
		backoff := p.calculateBackoff(msg.RetryCount)
		msg.Status = StatusDeferred
		msg.NextRetryAt = time.Now().Add(backoff)

		metrics.IncConfirmationsDeferred(string(msg.Variant))
		logger.Info("confirmation deferred",
			"retry_count", msg.RetryCount,
			"next_retry_at", msg.NextRetryAt,
			"backoff", backoff,
		)
	} else {
		msg.Status = StatusFailed

		errorType := "permanent"
		if temporary {
			errorType = "max_retries"
		}
		metrics.IncConfirmationsFailed(string(msg.Variant), errorType)
		logger.Error("confirmation failed permanently",
			"retry_count", msg.RetryCount,
			"max_retries", p.maxRetries,
			"error_type", errorType,
		)
	}

	if err := p.queue.Update(ctx, msg); err != nil {
		logger.Error("failed to update message status", "error", err)
	}
	return true
}

// calculateBackoff doubles the retry interval per attempt, capped at 1 hour
func (p *Processor) calculateBackoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	multiplier := 1 << (retryCount - 1)
	if multiplier > 12 {
		multiplier = 12
	}

	backoff := time.Duration(multiplier) * p.retryInterval
	if backoff > time.Hour {
		return time.Hour
	}
	return backoff
}

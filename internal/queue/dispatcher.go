package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/basket/internal/metrics"
	"github.com/foxzi/basket/internal/news"
	"github.com/foxzi/basket/internal/ratelimit"
)

// ErrRateLimited is returned when a confirmation exceeds a send limit
var ErrRateLimited = errors.New("confirmation rate limited")

// Limiter decides whether a confirmation may be queued
type Limiter interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
}

// Dispatcher submits confirmation emails to the queue. It implements
// news.Confirmer; delivery happens later in the Processor.
type Dispatcher struct {
	queue   Queue
	limiter Limiter
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher on q. A nil limiter queues everything.
func NewDispatcher(q Queue, limiter Limiter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{queue: q, limiter: limiter, logger: logger}
}

// SendConfirm persists a pending confirmation message and returns
func (d *Dispatcher) SendConfirm(ctx context.Context, email, token, lang string, variant news.Variant) error {
	if d.limiter != nil {
		result, err := d.limiter.Allow(ctx, &ratelimit.Request{Recipient: email})
		if err != nil {
			return fmt.Errorf("failed to check rate limit: %w", err)
		}
		if !result.Allowed {
			metrics.IncConfirmationsThrottled(string(result.DeniedBy))
			d.logger.Warn("confirmation rate limited",
				"level", result.DeniedBy,
				"retry_after", result.RetryAfter,
			)
			return fmt.Errorf("%w: %s limit, retry after %s", ErrRateLimited, result.DeniedBy, result.RetryAfter.Round(time.Second))
		}
	}

	msg := &Message{
		ID:      uuid.New().String(),
		Email:   email,
		Token:   token,
		Lang:    lang,
		Variant: variant,
	}

	if err := d.queue.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("failed to enqueue confirmation: %w", err)
	}

	metrics.IncConfirmationsQueued(string(variant))
	d.logger.Debug("confirmation queued", "message_id", msg.ID, "variant", variant, "lang", lang)
	return nil
}

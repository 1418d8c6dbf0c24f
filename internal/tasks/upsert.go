package tasks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/foxzi/basket/internal/lock"
	"github.com/foxzi/basket/internal/metrics"
	"github.com/foxzi/basket/internal/news"
)

// Reconciler applies one subscription request
type Reconciler interface {
	Upsert(ctx context.Context, kind news.Kind, req *news.Request) (*news.Result, error)
}

// Config contains task retry settings
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Upserter runs reconciliations serialized per user
type Upserter struct {
	engine      Reconciler
	locker      lock.Locker
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
}

// NewUpserter creates a new upsert task runner
func NewUpserter(engine Reconciler, locker lock.Locker, cfg Config, logger *slog.Logger) *Upserter {
	if locker == nil {
		locker = lock.Nop{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Upserter{
		engine:      engine,
		locker:      locker,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		logger:      logger,
	}
}

// UpsertUser applies req under the user's lock. Retryable failures are
// attempted again with a doubling delay until the attempts run out.
func (u *Upserter) UpsertUser(ctx context.Context, kind news.Kind, req *news.Request) (*news.Result, error) {
	kind, err := news.ParseKind(string(kind))
	if err != nil {
		metrics.IncUpsertErrors("invalid", errorType(err))
		return nil, err
	}

	delay := u.retryDelay
	for attempt := 1; ; attempt++ {
		result, err := u.upsertOnce(ctx, kind, req)
		if err == nil || !news.IsRetryable(err) || attempt >= u.maxAttempts {
			return result, err
		}

		u.logger.Warn("upsert failed, retrying",
			"kind", kind,
			"key", req.Key(),
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (u *Upserter) upsertOnce(ctx context.Context, kind news.Kind, req *news.Request) (*news.Result, error) {
	start := time.Now()
	label := string(kind)

	key := req.Key()
	if key == "" {
		metrics.IncUpsertErrors(label, errorType(news.ErrNoIdentifier))
		return nil, news.ErrNoIdentifier
	}

	release, err := u.locker.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			metrics.IncLockContention()
		}
		metrics.IncUpsertErrors(label, errorType(err))
		return nil, &news.RetryableError{Op: "lock user", Err: err}
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			u.logger.Warn("failed to release lock", "key", key, "error", err)
		}
	}()

	result, err := u.engine.Upsert(ctx, kind, req)
	metrics.ObserveUpsertDuration(label, time.Since(start).Seconds())
	if err != nil {
		metrics.IncUpsertErrors(label, errorType(err))
		return nil, err
	}

	metrics.AddUnknownSlugs(len(result.Dropped))
	metrics.IncUpserts(label, action(result))

	if result.ConfirmErr != nil {
		u.logger.Error("confirmation dispatch failed",
			"kind", kind,
			"key", key,
			"error", result.ConfirmErr,
		)
	}

	return result, nil
}

// action names the CRM outcome for metrics. "unchanged" means the
// subscription set did not move, even if profile fields were written.
func action(result *news.Result) string {
	switch {
	case result.Created:
		return "created"
	case result.Write == nil || len(result.Write.Newsletters) == 0:
		return "unchanged"
	default:
		return "updated"
	}
}

// errorType classifies a failure for metrics
func errorType(err error) string {
	switch {
	case errors.Is(err, lock.ErrLocked):
		return "locked"
	case errors.Is(err, news.ErrInvalidKind):
		return "invalid_kind"
	case errors.Is(err, news.ErrNoIdentifier):
		return "no_identifier"
	case errors.Is(err, news.ErrUnknownNewsletter):
		return "unknown_newsletter"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case news.IsRetryable(err):
		return "retryable"
	default:
		return "internal"
	}
}

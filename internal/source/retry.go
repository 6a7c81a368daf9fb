package source

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"time"

	"segment-dashboard/internal/errors"
	"segment-dashboard/internal/observability"
	"segment-dashboard/internal/table"
)

// retryWithContext calls fn up to maxTries times until it succeeds. It stops
// early when ctx is done or fn reports a permanent failure.
func retryWithContext[T any](ctx context.Context, maxTries int, backoff time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		if i > 0 && backoff > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff * time.Duration(i)):
			}
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil || permanent(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

// permanent reports errors a retry cannot fix: data-shape and validation
// failures and missing files.
func permanent(err error) bool {
	var appErr *errors.AppError
	return stderrors.As(err, &appErr) || stderrors.Is(err, os.ErrNotExist)
}

// Retrying retries failed fetches with a per-attempt timeout.
type Retrying struct {
	src     Source
	tries   int
	timeout time.Duration
	backoff time.Duration
	logger  *slog.Logger
}

func WithRetry(src Source, tries int, timeout time.Duration, logger *slog.Logger) *Retrying {
	return &Retrying{
		src:     src,
		tries:   tries,
		timeout: timeout,
		backoff: 500 * time.Millisecond,
		logger:  logger,
	}
}

func (r *Retrying) Name() string {
	return r.src.Name()
}

func (r *Retrying) Modified(q Query) (time.Time, error) {
	if m, ok := r.src.(Modifier); ok {
		return m.Modified(q)
	}
	return time.Time{}, ErrNotTracked
}

func (r *Retrying) Fetch(ctx context.Context, q Query) (*table.Table, error) {
	attempt := 0
	return retryWithContext(ctx, r.tries, r.backoff, func(ctx context.Context) (*table.Table, error) {
		attempt++
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}

		start := time.Now()
		t, err := r.src.Fetch(ctx, q)
		if err != nil {
			observability.SourceFetches.WithLabelValues(r.src.Name(), "error").Inc()
			r.logger.Warn("source fetch failed",
				"source", r.src.Name(),
				"query", q.String(),
				"attempt", attempt,
				"error", err,
			)
			return nil, err
		}

		observability.SourceFetches.WithLabelValues(r.src.Name(), "ok").Inc()
		r.logger.Info("source fetch complete",
			"source", r.src.Name(),
			"query", q.String(),
			"rows", t.Len(),
			"duration", time.Since(start),
		)
		return t, nil
	})
}

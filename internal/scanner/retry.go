package scanner

import (
	"context"
	"time"

	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"go.uber.org/zap"
)

// retry calls fn up to attempts times, waiting base times the number of
// the failed attempt between calls. Every retry is logged under what.
func retry[T any](ctx context.Context, logger *zap.Logger, what string, attempts int, base time.Duration, sleep func(context.Context, time.Duration) error, fn func(context.Context) (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := base * time.Duration(attempt-1)
			logger.Warn("fetch failed, retrying",
				zap.String("fetch", what),
				zap.Int("attempt", attempt-1),
				zap.Int("max_attempts", attempts),
				zap.Duration("delay", delay),
				zap.String("error_type", clierr.TypeName(clierr.CodeOf(lastErr))),
				zap.Error(lastErr),
			)
			if err := sleep(ctx, delay); err != nil {
				return zero, err
			}
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
	}
	return zero, lastErr
}

package syncer

import (
	"bonus_sync/internal/bitrix"
	"context"
	"time"
)

func callWithRetry(ctx context.Context, attempts int, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var last error
	backoff := 400 * time.Millisecond

	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err

		if !isTransient(err) || i == attempts {
			return err
		}

		if err := sleepCtx(ctx, backoff); err != nil {
			return last
		}
		backoff *= 2
	}

	return last
}

func isTransient(err error) bool {
	return bitrix.IsTransient(err)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

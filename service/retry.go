package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/sentinel/core"
	"github.com/sethvargo/go-retry"
)

// withContention runs fn until it stops failing with core.ErrVersionConflict.
// Exhausting the attempts yields core.ErrContention; any other error is
// returned as is.
func withContention(ctx context.Context, attempts uint64, delay time.Duration, fn func(ctx context.Context) error) error {
	if attempts == 0 {
		attempts = 1
	}
	if delay <= 0 {
		delay = time.Millisecond
	}

	backoff := retry.WithMaxRetries(attempts-1, retry.NewConstant(delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, core.ErrVersionConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, core.ErrVersionConflict) {
		return fmt.Errorf("gave up after %d attempts: %w", attempts, core.ErrContention)
	}
	return err
}

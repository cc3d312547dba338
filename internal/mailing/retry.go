package mailing

import (
	"context"
	"time"

	kit "mailbot/internal/transport"
)

// RetryPolicy retries an operation only when the transport asks to back off,
// waiting exactly the requested duration. MaxAttempts counts the first call.
type RetryPolicy struct {
	MaxAttempts int
	Sleep       func(ctx context.Context, d time.Duration) error
}

// Do runs fn and returns the number of attempts made with the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		d, ok := kit.RetryAfter(err)
		if !ok || attempt >= max {
			return attempt, err
		}
		if serr := sleep(ctx, d); serr != nil {
			return attempt, serr
		}
	}
}

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

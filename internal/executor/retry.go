package executor

import (
	"context"
	"errors"
	"time"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// Backoff is a bounded exponential backoff policy.
type Backoff struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Delay returns the wait before retry number attempt (0-based):
// Base × 2^attempt, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// IsRetryable reports whether err is a transient collaborator failure. Only
// external-service errors and per-call timeouts are retried; everything else
// surfaces immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if domain.KindOf(err) == domain.KindExternalService {
		return !errors.Is(err, domain.ErrSlippageExceeded)
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts are used up. Exhaustion is reported as ErrRetriesExhausted
// wrapping the last failure.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := sleep(ctx, b.Delay(i-1)); err != nil {
				return err
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}
	return domain.Wrap(domain.ErrRetriesExhausted, lastErr)
}

// PollConfig controls Poll.
type PollConfig struct {
	// Interval is the wait between polls that report "not done yet".
	Interval time.Duration
	// PollTimeout bounds each individual check. Zero means no bound.
	PollTimeout time.Duration
	// Deadline bounds the whole poll. Zero means only ctx bounds it.
	Deadline time.Duration
	// Backoff governs waits after failed checks. Attempts caps consecutive
	// failures.
	Backoff Backoff
}

// Poll calls check until it reports done. Retryable check errors back off
// exponentially; a run of Backoff.Attempts consecutive failures, or the
// overall deadline, ends the poll with ErrRetriesExhausted.
func Poll[T any](ctx context.Context, cfg PollConfig, check func(ctx context.Context) (T, bool, error)) (T, error) {
	var zero T
	parent := ctx
	if cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Deadline)
		defer cancel()
	}

	failures := 0
	for {
		v, done, err := pollOnce(ctx, cfg.PollTimeout, check)
		if err == nil && done {
			return v, nil
		}

		wait := cfg.Interval
		if err != nil {
			if parent.Err() != nil {
				return zero, parent.Err()
			}
			if !IsRetryable(err) {
				return zero, err
			}
			failures++
			if cfg.Backoff.Attempts > 0 && failures >= cfg.Backoff.Attempts {
				return zero, domain.Wrap(domain.ErrRetriesExhausted, err)
			}
			wait = cfg.Backoff.Delay(failures - 1)
		} else {
			failures = 0
		}

		if err := sleep(ctx, wait); err != nil {
			if parent.Err() != nil {
				return zero, parent.Err()
			}
			return zero, domain.Wrapf(domain.ErrRetriesExhausted, "poll deadline of %s exceeded", cfg.Deadline)
		}
	}
}

func pollOnce[T any](ctx context.Context, timeout time.Duration, check func(ctx context.Context) (T, bool, error)) (T, bool, error) {
	if timeout <= 0 {
		return check(ctx)
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return check(pctx)
}

func sleep(ctx context.Context, d time.Duration) error {
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

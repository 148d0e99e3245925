package async

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/polyrun/polyrun/executor"
	"github.com/polyrun/polyrun/value"
)

// ErrNoCandidates is returned by Race when given no tasks.
var ErrNoCandidates = errors.New("no candidates to race")

// TaskFactory produces a fresh, started task per attempt.
type TaskFactory func() *Task

// RetryOption configures Retry.
type RetryOption func(*retryConfig)

type retryConfig struct {
	delay         time.Duration
	retryTimeouts bool
}

// WithRetryDelay inserts a pause between attempts.
func WithRetryDelay(d time.Duration) RetryOption {
	return func(c *retryConfig) { c.delay = d }
}

// WithRetryTimeouts opts timeouts into the retry policy. By default a
// TimedOut attempt is terminal, so a deadline is not silently multiplied by
// the attempt count.
func WithRetryTimeouts() RetryOption {
	return func(c *retryConfig) { c.retryTimeouts = true }
}

// Retry invokes the factory until an attempt completes or maxAttempts is
// exhausted, then surfaces the last error. Failed attempts are retried;
// timed-out and cancelled attempts are terminal unless opted in.
func Retry(ctx context.Context, factory TaskFactory, maxAttempts int, opts ...RetryOption) (value.Value, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var cfg retryConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		val, err := factory().Wait(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The caller's context expired, not the attempt's.
			return value.Null(), err
		}
		retryable := executor.IsRetryable(err)
		if !retryable && cfg.retryTimeouts && errors.Is(err, executor.ErrTimedOut) {
			retryable = true
		}
		if !retryable {
			return value.Null(), err
		}

		if cfg.delay > 0 && attempt < maxAttempts {
			select {
			case <-time.After(cfg.delay):
			case <-ctx.Done():
				return value.Null(), ctx.Err()
			}
		}
	}
	return value.Null(), fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

// Parallel waits for every task to reach a terminal state and returns either
// all values in submission order or the joined set of failures. The tasks
// are expected to be already started (Submit or pool submission).
func Parallel(ctx context.Context, tasks []*Task) ([]value.Value, error) {
	values := make([]value.Value, len(tasks))
	var errs []error
	for i, t := range tasks {
		val, err := t.Wait(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		values[i] = val
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return values, nil
}

// Race returns the first task to complete successfully and cancels the
// rest. With no tasks it returns ErrNoCandidates immediately. If every task
// fails it returns the joined failures; if the timeout elapses first, all
// tasks are cancelled and the result is TimedOut. A timeout of zero means
// no limit.
func Race(ctx context.Context, tasks []*Task, timeout time.Duration) (value.Value, error) {
	if len(tasks) == 0 {
		return value.Null(), ErrNoCandidates
	}

	type settled struct {
		idx int
		val value.Value
		err error
	}
	resCh := make(chan settled, len(tasks))
	for i, t := range tasks {
		go func(i int, t *Task) {
			val, err := t.Wait(context.Background())
			resCh <- settled{i, val, err}
		}(i, t)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	cancelRest := func(winner int) {
		for i, t := range tasks {
			if i != winner {
				t.Cancel()
			}
		}
	}

	errs := make([]error, 0, len(tasks))
	for remaining := len(tasks); remaining > 0; {
		select {
		case s := <-resCh:
			if s.err == nil {
				cancelRest(s.idx)
				return s.val, nil
			}
			errs = append(errs, fmt.Errorf("%s: %w", tasks[s.idx].Name(), s.err))
			remaining--
		case <-timer:
			cancelRest(-1)
			return value.Null(), executor.Errf(executor.ErrTimedOut, "", "race timed out after %v", timeout)
		case <-ctx.Done():
			cancelRest(-1)
			return value.Null(), ctx.Err()
		}
	}
	return value.Null(), fmt.Errorf("all candidates failed: %w", errors.Join(errs...))
}

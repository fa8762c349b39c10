// Package retry runs calls to ads platforms with exponential backoff on
// rate-limit and transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Policy controls how many times and how long an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the fraction of each delay that is randomised, in [0, 1].
	Jitter float64
}

// DefaultPolicy allows 5 attempts starting at 1s and doubling up to 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// Backoff returns the delay before attempt+1, where attempt starts at 1.
func (p Policy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Retryable is implemented by errors that know whether a retry can help.
type Retryable interface {
	Retryable() bool
}

// RetryAfterer is implemented by errors carrying a server-requested delay.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Classifier decides whether err is worth retrying and, optionally, how long
// the server asked us to wait.
type Classifier func(err error) (retry bool, wait time.Duration)

// DefaultClassifier retries errors that declare themselves Retryable and
// never retries context cancellation.
func DefaultClassifier(err error) (bool, time.Duration) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, 0
	}
	var r Retryable
	if !errors.As(err, &r) || !r.Retryable() {
		return false, 0
	}
	var ra RetryAfterer
	if errors.As(err, &ra) {
		return true, ra.RetryAfter()
	}
	return true, 0
}

// ExhaustedError is returned when every attempt failed with a retryable
// error. It unwraps to the last error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Executor runs operations under a Policy.
type Executor struct {
	policy   Policy
	logger   *zap.Logger
	classify Classifier
	sleep    func(ctx context.Context, d time.Duration) error
	onRetry  func(op string, err error)

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures an Executor.
type Option func(*Executor)

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) { e.classify = c }
}

// WithSleep replaces the context-aware timer used between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithRetryHook is called before every retry, e.g. to count retries.
func WithRetryHook(fn func(op string, err error)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

// New creates an Executor. A nil logger disables logging.
func New(policy Policy, logger *zap.Logger, opts ...Option) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		policy:   policy,
		logger:   logger,
		classify: DefaultClassifier,
		sleep:    sleepCtx,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do runs fn until it succeeds, fails with a non-retryable error, the
// attempts are exhausted or ctx is done.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("%s: %w (last error: %v)", op, err, last)
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err

		retry, wait := e.classify(err)
		if !retry {
			return err
		}
		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.delay(attempt, wait)
		e.logger.Warn("retrying after failure",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if e.onRetry != nil {
			e.onRetry(op, err)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w (last error: %v)", op, err, last)
		}
	}
	return &ExhaustedError{Op: op, Attempts: e.policy.MaxAttempts, Last: last}
}

// Execute is Do for operations that return a value.
func Execute[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (e *Executor) delay(attempt int, serverWait time.Duration) time.Duration {
	d := e.policy.Backoff(attempt)
	if j := e.policy.Jitter; j > 0 && d > 0 {
		e.mu.Lock()
		f := 1 - j + 2*j*e.rnd.Float64()
		e.mu.Unlock()
		d = time.Duration(float64(d) * f)
	}
	if serverWait > d {
		d = serverWait
	}
	return d
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

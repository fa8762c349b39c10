package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testErr struct {
	retryable bool
	after     time.Duration
}

func (e *testErr) Error() string             { return "test error" }
func (e *testErr) Retryable() bool           { return e.retryable }
func (e *testErr) RetryAfter() time.Duration { return e.after }

type sleepRecorder struct{ delays []time.Duration }

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestExecutor(p Policy, rec *sleepRecorder, opts ...Option) *Executor {
	return New(p, nil, append([]Option{WithSleep(rec.sleep)}, opts...)...)
}

func noJitter() Policy {
	p := DefaultPolicy()
	p.Jitter = 0
	return p
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	rec := &sleepRecorder{}
	var retries []string
	ex := newTestExecutor(noJitter(), rec, WithRetryHook(func(op string, err error) { retries = append(retries, op) }))

	calls := 0
	err := ex.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &testErr{retryable: true}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
	assert.Equal(t, []string{"fetch", "fetch"}, retries)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	rec := &sleepRecorder{}
	ex := newTestExecutor(noJitter(), rec)
	perm := &testErr{retryable: false}

	calls := 0
	err := ex.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		return perm
	})

	assert.Same(t, perm, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestDoExhausted(t *testing.T) {
	rec := &sleepRecorder{}
	p := noJitter()
	p.MaxAttempts = 4
	ex := newTestExecutor(p, rec)
	last := &testErr{retryable: true}

	err := ex.Do(context.Background(), "fetch", func(ctx context.Context) error { return last })

	var ee *ExhaustedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 4, ee.Attempts)
	assert.True(t, errors.Is(err, last))
	assert.Len(t, rec.delays, 3)
}

func TestDoHonorsRetryAfter(t *testing.T) {
	rec := &sleepRecorder{}
	ex := newTestExecutor(noJitter(), rec)

	calls := 0
	_ = ex.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &testErr{retryable: true, after: 7 * time.Second}
		}
		return nil
	})

	assert.Equal(t, []time.Duration{7 * time.Second}, rec.delays)
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ex := New(noJitter(), nil)

	calls := 0
	err := ex.Do(ctx, "fetch", func(ctx context.Context) error {
		calls++
		cancel()
		return &testErr{retryable: true}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffCapped(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, 30*time.Second, p.Backoff(10))
}

func TestJitterStaysInBounds(t *testing.T) {
	ex := New(DefaultPolicy(), nil)
	for i := 0; i < 100; i++ {
		d := ex.delay(2, 0)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}

func TestExecuteReturnsValue(t *testing.T) {
	rec := &sleepRecorder{}
	ex := newTestExecutor(noJitter(), rec)

	calls := 0
	v, err := Execute(context.Background(), ex, "count", func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, &testErr{retryable: true}
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

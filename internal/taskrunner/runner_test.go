package taskrunner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunReturnsValue(t *testing.T) {
	r := New(2)
	v, err := r.Run(context.Background(), Options{}, func(ctx context.Context, attempt int) (any, error) {
		return attempt, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	r := New(1, WithRetryDelay(time.Millisecond))
	var calls atomic.Int32
	v, err := r.Run(context.Background(), Options{Retry: 1}, func(ctx context.Context, attempt int) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryExhausted(t *testing.T) {
	r := New(1, WithRetryDelay(time.Millisecond))
	var calls atomic.Int32
	_, err := r.Run(context.Background(), Options{Retry: 2}, func(ctx context.Context, attempt int) (any, error) {
		calls.Add(1)
		return nil, errors.New("always")
	})
	require.EqualError(t, err, "always")
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryByDefault(t *testing.T) {
	r := New(1)
	var calls atomic.Int32
	_, err := r.Run(context.Background(), Options{}, func(ctx context.Context, attempt int) (any, error) {
		calls.Add(1)
		return nil, errors.New("once")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConcurrencyBound(t *testing.T) {
	r := New(2)
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Run(context.Background(), Options{}, func(ctx context.Context, attempt int) (any, error) {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestQueueKeySerializes(t *testing.T) {
	r := New(4)
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Run(context.Background(), Options{QueueKey: "wallet"}, func(ctx context.Context, attempt int) (any, error) {
				if n := active.Add(1); n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.lanes)
}

func TestCanceledWhileQueued(t *testing.T) {
	r := New(1)
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Run(context.Background(), Options{QueueKey: "k"}, func(ctx context.Context, attempt int) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, Options{QueueKey: "k"}, func(ctx context.Context, attempt int) (any, error) {
		t.Error("queued task must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done
}

func TestCancellationStopsRetries(t *testing.T) {
	r := New(1, WithRetryDelay(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	_, err := r.Run(ctx, Options{Retry: 5}, func(ctx context.Context, attempt int) (any, error) {
		calls.Add(1)
		cancel()
		return nil, errors.New("aborted work")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPanicBecomesError(t *testing.T) {
	r := New(1)
	_, err := r.Run(context.Background(), Options{}, func(ctx context.Context, attempt int) (any, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestFuture(t *testing.T) {
	f := NewFuture[int]()
	go func() {
		time.Sleep(time.Millisecond)
		f.Resolve(3, nil)
		f.Resolve(4, nil)
	}()
	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewFuture[int]().Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	v, err = Resolved(9, nil).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, v)
}

func TestPriorityOrdersWaiters(t *testing.T) {
	r := New(1)
	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.Run(context.Background(), Options{}, func(ctx context.Context, attempt int) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []string
	submit := func(name string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Run(context.Background(), Options{Priority: priority}, func(ctx context.Context, attempt int) (any, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil, nil
			})
		}()
	}
	waiting := func(n int) func() bool {
		return func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.waiting.Len() == n
		}
	}
	submit("low-1", 0)
	require.Eventually(t, waiting(1), time.Second, time.Millisecond)
	submit("low-2", 0)
	require.Eventually(t, waiting(2), time.Second, time.Millisecond)
	submit("high", 10)
	require.Eventually(t, waiting(3), time.Second, time.Millisecond)

	close(release)
	wg.Wait()
	assert.Equal(t, []string{"high", "low-1", "low-2"}, order)
}

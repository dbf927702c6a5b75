package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg)
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestPool_Do(t *testing.T) {
	p := startPool(t, Config{Workers: 2, Timeout: time.Second})

	var ran atomic.Bool
	err := p.Do(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())
	assert.Equal(t, int64(1), p.Status().Completed)
}

func TestPool_Call(t *testing.T) {
	p := startPool(t, Config{Workers: 1})

	v, err := Call(context.Background(), p, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Call(context.Background(), p, func(ctx context.Context) (string, error) {
		return "", errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
}

func TestPool_UnavailableBeforeStartAndAfterStop(t *testing.T) {
	p := New(Config{Workers: 1})
	assert.False(t, p.Available())
	assert.ErrorIs(t, p.Do(context.Background(), func(context.Context) error { return nil }), ErrUnavailable)

	p.Start()
	assert.True(t, p.Available())
	p.Stop()
	p.Stop()
	assert.False(t, p.Available())
	assert.ErrorIs(t, p.Do(context.Background(), func(context.Context) error { return nil }), ErrUnavailable)

	var nilPool *Pool
	assert.False(t, nilPool.Available())
	assert.ErrorIs(t, nilPool.Do(context.Background(), func(context.Context) error { return nil }), ErrUnavailable)
}

func TestPool_Timeout(t *testing.T) {
	p := startPool(t, Config{Workers: 1, Timeout: 20 * time.Millisecond})

	start := time.Now()
	err := p.Do(context.Background(), func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, int64(1), p.Status().TimedOut)
}

func TestPool_PanicBecomesError(t *testing.T) {
	p := startPool(t, Config{Workers: 1})
	err := p.Do(context.Background(), func(context.Context) error {
		panic("bad band")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad band")
	assert.True(t, p.Available())
}

func TestPool_RunParallelism(t *testing.T) {
	p := startPool(t, Config{Workers: 4})

	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		}
	}

	start := time.Now()
	results := p.Run(context.Background(), tasks)
	elapsed := time.Since(start)

	// 8 tasks at 50ms on 4 workers should take ~100ms
	assert.Less(t, elapsed, 300*time.Millisecond)
	require.Len(t, results, len(tasks))
	assert.NoError(t, FirstError(results))
}

func TestPool_RunReportsErrorsInOrder(t *testing.T) {
	var progressCalls atomic.Int32
	var lastCompleted, lastFailed int
	p := startPool(t, Config{
		Workers: 2,
		OnProgress: func(completed, total, failed int) {
			progressCalls.Add(1)
			lastCompleted = completed
			lastFailed = failed
		},
	})

	fail := errors.New("simulated failure")
	results := p.Run(context.Background(), []Task{
		func(context.Context) error { return nil },
		func(context.Context) error { return fail },
		func(context.Context) error { return nil },
	})

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, fail)
	assert.Equal(t, 1, results[1].Index)
	assert.ErrorIs(t, FirstError(results), fail)

	assert.Equal(t, int32(3), progressCalls.Load())
	assert.Equal(t, 3, lastCompleted)
	assert.Equal(t, 1, lastFailed)
}

func TestPool_EmptyRun(t *testing.T) {
	p := startPool(t, Config{Workers: 1})
	assert.Nil(t, p.Run(context.Background(), nil))
}

func TestPool_CancelledContext(t *testing.T) {
	p := startPool(t, Config{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

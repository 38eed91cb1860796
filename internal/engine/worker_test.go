package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	pool := NewWorkerPool(3, nil)
	defer pool.Shutdown()

	var current, peak atomic.Int64
	for range 10 {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(10), pool.Metrics().Completed)
}

func TestWorkerPool_BackpressureRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- pool.Submit(ctx, func(context.Context) error { return nil }) }()

	assert.Eventually(t, func() bool { return pool.Metrics().Waiting == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, <-errc, context.DeadlineExceeded)
	assert.Zero(t, pool.Metrics().Waiting)

	close(block)
}

func TestWorkerPool_ShutdownReleasesWaiters(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-block
		return nil
	}))

	errc := make(chan error, 1)
	go func() { errc <- pool.Submit(context.Background(), func(context.Context) error { return nil }) }()
	require.Eventually(t, func() bool { return pool.Metrics().Waiting == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		pool.Shutdown()
		close(done)
	}()
	assert.ErrorIs(t, <-errc, ErrPoolShutdown)
	close(block)
	<-done

	m := pool.Metrics()
	assert.Equal(t, 1, m.Size)
	assert.Equal(t, int64(1), m.Completed)
}

func TestWorkerPool_PanicIsRecovered(t *testing.T) {
	var got atomic.Value
	pool := NewWorkerPool(2, func(r any) { got.Store(r) })

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	}))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		return errors.New("failed")
	}))
	pool.Shutdown()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(2), m.Failed)
	assert.Zero(t, m.Active)
	assert.Equal(t, "boom", got.Load())
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

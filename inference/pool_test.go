package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func stubFactory(created *atomic.Int32, fail *atomic.Bool) func() (*ModelSession, error) {
	return func() (*ModelSession, error) {
		if fail != nil && fail.Load() {
			return nil, errors.New("factory failed")
		}
		created.Inc()
		return &ModelSession{}, nil
	}
}

func TestSessionPool_AcquireRelease(t *testing.T) {
	var created atomic.Int32
	pool, err := NewSessionPool(2, 50*time.Millisecond, stubFactory(&created, nil))
	require.NoError(t, err)
	defer pool.Destroy()

	assert.Equal(t, int32(2), created.Load())

	a, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	b, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	assert.ErrorContains(t, err, "timeout")

	pool.Release(a)
	pool.Release(b)

	m := pool.GetMetrics()
	assert.Equal(t, 0, m.InUse)
	assert.Equal(t, int64(2), m.TotalAcquired)
	assert.Equal(t, int64(2), m.TotalReleased)
	assert.Equal(t, int64(1), m.AcquireFailures)
}

func TestSessionPool_AcquireCancelled(t *testing.T) {
	var created atomic.Int32
	pool, err := NewSessionPool(1, time.Minute, stubFactory(&created, nil))
	require.NoError(t, err)
	defer pool.Destroy()

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(s)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSessionPool_DiscardAndReplenish(t *testing.T) {
	var created atomic.Int32
	fail := atomic.NewBool(false)
	pool, err := NewSessionPool(2, 50*time.Millisecond, stubFactory(&created, fail))
	require.NoError(t, err)
	defer pool.Destroy()

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Discard(s, errors.New("run failed"))
	assert.Equal(t, 1, pool.Live())
	assert.Len(t, pool.LastErrors(), 1)

	fail.Store(true)
	pool.replenish()
	assert.Equal(t, 1, pool.Live())
	assert.Len(t, pool.LastErrors(), 2)

	fail.Store(false)
	pool.replenish()
	assert.Equal(t, 2, pool.Live())
	assert.Equal(t, int32(3), created.Load())
	assert.Equal(t, int64(1), pool.GetMetrics().TotalDiscarded)
}

func TestSessionPool_Destroy(t *testing.T) {
	var created atomic.Int32
	pool, err := NewSessionPool(2, 50*time.Millisecond, stubFactory(&created, nil))
	require.NoError(t, err)

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Destroy()
	pool.Destroy()
	assert.Equal(t, 1, pool.Live())

	_, err = pool.Acquire(context.Background())
	assert.ErrorContains(t, err, "closed")

	pool.Release(s)
	assert.Equal(t, 0, pool.Live())
}

func TestSessionPool_FactoryFailure(t *testing.T) {
	var created atomic.Int32
	fail := atomic.NewBool(true)
	_, err := NewSessionPool(2, time.Second, stubFactory(&created, fail))
	assert.ErrorContains(t, err, "initialize session 0")
}

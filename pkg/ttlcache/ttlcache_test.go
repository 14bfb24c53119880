package ttlcache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxford/conference/pkg/ttlcache"
)

func TestCoalescesConcurrentProducers(t *testing.T) {
	c := ttlcache.New[int, int](time.Second, 5)
	var f2Ran atomic.Bool

	var wg sync.WaitGroup
	results := make([]int, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		v, ok, err := c.GetOrInsert(context.Background(), 1, func(ctx context.Context) (int, bool, error) {
			time.Sleep(30 * time.Millisecond)
			return 1, true, nil
		})
		require.NoError(t, err)
		require.True(t, ok)
		results[0] = v
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		v, ok, err := c.GetOrInsert(context.Background(), 1, func(ctx context.Context) (int, bool, error) {
			f2Ran.Store(true)
			return 2, true, nil
		})
		require.NoError(t, err)
		require.True(t, ok)
		results[1] = v
	}()
	wg.Wait()

	assert.False(t, f2Ran.Load())
	assert.Equal(t, 1, results[0])
	assert.Equal(t, 1, results[1])
}

func TestDoesNotCacheFailedProducer(t *testing.T) {
	c := ttlcache.New[int, int](time.Second, 5)

	_, _, err := c.GetOrInsert(context.Background(), 1, func(ctx context.Context) (int, bool, error) {
		return 0, false, assertErr
	})
	require.Error(t, err)

	v, ok, err := c.GetOrInsert(context.Background(), 1, func(ctx context.Context) (int, bool, error) {
		return 5, true, nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, v)
}

var assertErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestDoesNotCacheAbsentValue(t *testing.T) {
	c := ttlcache.New[int, int](time.Second, 5)

	_, ok, err := c.GetOrInsert(context.Background(), 1, func(ctx context.Context) (int, bool, error) {
		return 0, false, nil
	})
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := c.GetOrInsert(context.Background(), 1, func(ctx context.Context) (int, bool, error) {
		return 5, true, nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, v)
}

func TestRecomputesWhenTTLExpired(t *testing.T) {
	c := ttlcache.New[int, int](10*time.Millisecond, 5)

	v1, _, err := c.GetOrInsert(context.Background(), 1, func(ctx context.Context) (int, bool, error) {
		return 1, true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	time.Sleep(20 * time.Millisecond)

	v2, _, err := c.GetOrInsert(context.Background(), 1, func(ctx context.Context) (int, bool, error) {
		return 2, true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	stats := c.Stats()
	assert.Equal(t, int64(0), stats.Replaces)
}

func TestDoesNotExceedCapacity(t *testing.T) {
	c := ttlcache.New[int, int](10*time.Millisecond, 3)
	for i := 1; i <= 3; i++ {
		_, _, err := c.GetOrInsert(context.Background(), i, func(ctx context.Context) (int, bool, error) {
			return i, true, nil
		})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, c.Stats().Len)

	_, _, err := c.GetOrInsert(context.Background(), 4, func(ctx context.Context) (int, bool, error) {
		return 4, true, nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, c.Stats().Len)
}

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/storage/memory"
)

func TestCheckQuota(t *testing.T) {
	ctx := context.Background()
	l := New(memory.New(), nil)

	q, err := l.CheckQuota(ctx, "k", 2)
	require.NoError(t, err)
	assert.True(t, q.Allowed)
	assert.Zero(t, q.Current)

	_, err = l.Increment(ctx, "k")
	require.NoError(t, err)
	q, err = l.CheckQuota(ctx, "k", 2)
	require.NoError(t, err)
	assert.True(t, q.Allowed)

	n, err := l.Increment(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	q, err = l.CheckQuota(ctx, "k", 2)
	require.NoError(t, err)
	assert.False(t, q.Allowed)
	assert.Equal(t, int64(2), q.Current)
}

func TestZeroMeansUnlimited(t *testing.T) {
	ctx := context.Background()
	l := New(memory.New(), nil)
	for i := 0; i < 5; i++ {
		_, err := l.Increment(ctx, "k")
		require.NoError(t, err)
	}
	q, err := l.CheckQuota(ctx, "k", 0)
	require.NoError(t, err)
	assert.True(t, q.Allowed)
}

func TestCountersRollOverAtUTCMidnight(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	l := New(memory.New(), func() time.Time { return now })

	_, err := l.Increment(ctx, "k")
	require.NoError(t, err)
	q, err := l.CheckQuota(ctx, "k", 1)
	require.NoError(t, err)
	assert.False(t, q.Allowed)

	now = now.Add(2 * time.Minute)
	q, err = l.CheckQuota(ctx, "k", 1)
	require.NoError(t, err)
	assert.True(t, q.Allowed)
	assert.Zero(t, q.Current)
}

func TestIncrementConcurrent(t *testing.T) {
	ctx := context.Background()
	l := New(memory.New(), nil)

	var wg sync.WaitGroup
	results := make(chan int64, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := l.Increment(ctx, "k")
			if err == nil {
				results <- n
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for n := range results {
		assert.False(t, seen[n], "increment returned %d twice", n)
		seen[n] = true
	}
	assert.Len(t, seen, 40)
}

package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	_, done, err := s.Begin(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, done)

	_, _, err = s.Begin(ctx, "k1")
	require.ErrorIs(t, err, ErrInProgress)

	require.NoError(t, s.Complete(ctx, "k1", 42))
	id, done, err := s.Begin(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, uint64(42), id)

	// Abort never drops a completed key.
	require.NoError(t, s.Abort(ctx, "k1"))
	id, done, err = s.Begin(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, uint64(42), id)
}

func TestMemoryStore_AbortReleasesClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	_, _, err := s.Begin(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, s.Abort(ctx, "k"))

	_, done, err := s.Begin(ctx, "k")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(time.Minute)
	s.SetClock(func() time.Time { return now })

	_, _, err := s.Begin(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "k", 7))
	assert.Equal(t, 1, s.Len())

	now = now.Add(time.Minute)
	assert.Equal(t, 0, s.Len())
	_, done, err := s.Begin(ctx, "k")
	require.NoError(t, err)
	assert.False(t, done, "expired key is claimable again")
}

func TestMemoryStore_ConcurrentBeginSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.Begin(ctx, "same"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	s := NewRedisStore("127.0.0.1:0", "", 0, time.Hour)
	defer s.Close()
	assert.Equal(t, "covenant:idem:0xabc:retry-1", s.key("0xabc:retry-1"))
}

package concierge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/Concierge/internal/models"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	l := NewMemoryLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "b1", time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.Held())
}

func TestMemoryLocker_BusyAndIndependentBookings(t *testing.T) {
	l := NewMemoryLocker()
	unlock, err := l.Lock(context.Background(), "b1", time.Second)
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), "b1", 10*time.Millisecond)
	assert.ErrorIs(t, err, models.ErrBookingBusy)

	other, err := l.Lock(context.Background(), "b2", 10*time.Millisecond)
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Lock(ctx, "b1", time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	unlock()
	unlock()
	assert.Equal(t, 0, l.Held())
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	l := NewRedisLocker(rdb, time.Minute)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "b1", time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists(redisLockPrefix+"b1"))

	_, err = l.Lock(ctx, "b1", 60*time.Millisecond)
	assert.ErrorIs(t, err, models.ErrBookingBusy)

	unlock()
	assert.False(t, mr.Exists(redisLockPrefix+"b1"))

	again, err := l.Lock(ctx, "b1", time.Second)
	require.NoError(t, err)
	again()
}

func TestRedisLocker_ReleaseKeepsForeignToken(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	l := NewRedisLocker(rdb, time.Minute)

	unlock, err := l.Lock(context.Background(), "b1", time.Second)
	require.NoError(t, err)
	// Simulate expiry and takeover by another instance.
	require.NoError(t, mr.Set(redisLockPrefix+"b1", "someone-else"))
	unlock()

	got, err := mr.Get(redisLockPrefix + "b1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

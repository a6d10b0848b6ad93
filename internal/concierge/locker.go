package concierge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/Concierge/internal/models"
)

// DefaultLockWait bounds how long a message waits for another message of the same booking.
const DefaultLockWait = 45 * time.Second

// BookingLocker serializes conversation handling per booking.
type BookingLocker interface {
	// Lock blocks until the booking is free, ctx is done or wait elapses. A timeout
	// yields models.ErrBookingBusy. The returned func releases the lock.
	Lock(ctx context.Context, bookingID string, wait time.Duration) (func(), error)
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// MemoryLocker is an in-process BookingLocker. Entries are dropped once unused.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*lockEntry)}
}

func (l *MemoryLocker) acquireEntry(bookingID string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[bookingID]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.locks[bookingID] = e
	}
	e.refs++
	return e
}

func (l *MemoryLocker) releaseEntry(bookingID string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, bookingID)
	}
}

// Lock implements BookingLocker.
func (l *MemoryLocker) Lock(ctx context.Context, bookingID string, wait time.Duration) (func(), error) {
	e := l.acquireEntry(bookingID)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
	case <-timer.C:
		l.releaseEntry(bookingID, e)
		return nil, fmt.Errorf("booking %s: %w", bookingID, models.ErrBookingBusy)
	case <-ctx.Done():
		l.releaseEntry(bookingID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.releaseEntry(bookingID, e)
		})
	}, nil
}

// Held reports how many bookings currently have a holder or waiter.
func (l *MemoryLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

const (
	// DefaultRedisLockTTL expires a lock whose holder died. It exceeds the model timeout.
	DefaultRedisLockTTL = 2 * time.Minute
	redisLockPrefix     = "concierge:booking-lock:"
	redisLockPoll       = 50 * time.Millisecond
)

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a BookingLocker shared by every instance using the same redis.
type RedisLocker struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisLocker creates a RedisLocker. A non-positive ttl selects DefaultRedisLockTTL.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultRedisLockTTL
	}
	return &RedisLocker{rdb: rdb, ttl: ttl}
}

// Lock implements BookingLocker with SET NX PX and polling.
func (l *RedisLocker) Lock(ctx context.Context, bookingID string, wait time.Duration) (func(), error) {
	key := redisLockPrefix + bookingID
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire booking lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("booking %s: %w", bookingID, models.ErrBookingBusy)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(redisLockPoll):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The request context may already be cancelled; release regardless.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.rdb, []string{key}, token).Err(); err != nil {
				slog.Warn("RedisLocker.Unlock: release failed", "bookingID", bookingID, "error", err)
			}
		})
	}, nil
}

package shared

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// ErrLockNotObtained is returned when a keyed lock could not be taken before the deadline.
var ErrLockNotObtained = errors.New("lock not obtained")

// StoreItemLockKey builds the lock key guarding one item of a store entry.
func StoreItemLockKey(entryID int64, item string) string {
	return fmt.Sprintf("store:entry:%d:item:%s:lock", entryID, NormalizeName(item))
}

// KeyedLocker serialises critical sections per key.
type KeyedLocker interface {
	// Acquire takes every key or none. Release must be called exactly once.
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

// sortedUnique orders keys so concurrent callers never deadlock on overlapping sets.
func sortedUnique(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LocalLocker is an in-process KeyedLocker for single-instance deployments.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker constructs LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

// Acquire implements KeyedLocker.
func (l *LocalLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = sortedUnique(keys)
	held := make([]string, 0, len(keys))
	for _, key := range keys {
		s := l.ref(key)
		select {
		case s.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.unref(key)
			l.release(held)
			return nil, fmt.Errorf("%w: %s: %v", ErrLockNotObtained, key, ctx.Err())
		}
	}
	var once sync.Once
	return func() { once.Do(func() { l.release(held) }) }, nil
}

func (l *LocalLocker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *LocalLocker) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		s := l.slots[keys[i]]
		l.mu.Unlock()
		<-s.ch
		l.unref(keys[i])
	}
}

// RedisLocker is a KeyedLocker shared by every instance talking to the same redis.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

// NewRedisLocker builds a RedisLocker. ttl bounds how long a crashed holder can block others.
func NewRedisLocker(client redislock.RedisClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{
		client: redislock.New(client),
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.ExponentialBackoff(10*time.Millisecond, 250*time.Millisecond), 100),
	}
}

// Acquire implements KeyedLocker.
func (l *RedisLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = sortedUnique(keys)
	locks := make([]*redislock.Lock, 0, len(keys))
	releaseAll := func() {
		// Release with a fresh context so a cancelled request still frees its keys.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(locks) - 1; i >= 0; i-- {
			_ = locks[i].Release(rctx)
		}
	}
	for _, key := range keys {
		lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{RetryStrategy: l.retry})
		if err != nil {
			releaseAll()
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
			}
			return nil, fmt.Errorf("shared: obtain lock %s: %w", key, err)
		}
		locks = append(locks, lock)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

// OrderedKeys returns keys deduplicated in the order every locker takes them.
func OrderedKeys(keys []string) []string {
	return sortedUnique(keys)
}

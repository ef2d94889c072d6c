package storage

import (
	"context"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/redis_lock"
)

var (
	redisClient *redis_lock.Client
	once        sync.Once
)

func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

// GetRedisClient returns a process-wide client for the default empty-config
// deployment; production callers build their own via NewRedisClient.
func GetRedisClient() *redis_lock.Client {
	once.Do(func() {
		redisClient = redis_lock.NewClient("tcp", "", "")
	})
	return redisClient
}

// BuildSweepLockKey names the cross-instance sweep lock.
func BuildSweepLockKey() string {
	return "invtx:sweep:lock"
}

// RedisSweepLocker serializes the timeout sweep across coordinator instances
// sharing one archive database. Satisfies the coordinator's SweepLocker
// capability.
type RedisSweepLocker struct {
	client *redis_lock.Client

	mux  sync.Mutex
	lock *redis_lock.RedisLock
}

func NewRedisSweepLocker(client *redis_lock.Client) *RedisSweepLocker {
	return &RedisSweepLocker{
		client: client,
	}
}

func (r *RedisSweepLocker) Lock(ctx context.Context, expireDuration time.Duration) error {
	lock := redis_lock.NewRedisLock(BuildSweepLockKey(), r.client, redis_lock.WithExpireSeconds(int64(expireDuration.Seconds())))
	if err := lock.Lock(ctx); err != nil {
		return err
	}

	r.mux.Lock()
	r.lock = lock
	r.mux.Unlock()
	return nil
}

func (r *RedisSweepLocker) Unlock(ctx context.Context) error {
	r.mux.Lock()
	lock := r.lock
	r.lock = nil
	r.mux.Unlock()

	if lock == nil {
		lock = redis_lock.NewRedisLock(BuildSweepLockKey(), r.client)
	}
	return lock.Unlock(ctx)
}

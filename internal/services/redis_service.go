package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	outboxLeaseKey     = "courier:outbox-lease"
	outboxLeaseTTL     = 30 * time.Second
	outboxLeaseRenewal = 10 * time.Second
)

// RedisService provides Redis connection and operations. It exists for one
// purpose here: the outbox lease, which guarantees at most one effect runner
// instance polls a shared outbox (a second instance would double-execute
// effects, since cooldown state and the executing claim assume one owner).
type RedisService struct {
	client *redis.Client
}

// NewRedisService creates a new Redis service instance
func NewRedisService(redisURL string) (*RedisService, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Println("✅ Redis connection established")
	return &RedisService{client: client}, nil
}

// Close closes the Redis connection
func (r *RedisService) Close() error {
	return r.client.Close()
}

// Ping checks if Redis is healthy
func (r *RedisService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// AcquireLock attempts to acquire a distributed lock.
// Returns true if the lock was acquired, false otherwise.
func (r *RedisService) AcquireLock(ctx context.Context, lockKey string, lockValue string, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, lockKey, lockValue, expiration).Result()
}

// ReleaseLock releases a distributed lock if it's still held by the given value
func (r *RedisService) ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	// Lua script to atomically check and delete
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, r.client, []string{lockKey}, lockValue).Int64()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

// OutboxLease holds the single-runner lease while the process runs
type OutboxLease struct {
	redis      *RedisService
	instanceID string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// AcquireOutboxLease claims the outbox for this instance and keeps renewing
// it in the background. Returns an error if another instance holds the lease.
func (r *RedisService) AcquireOutboxLease(ctx context.Context, instanceID string) (*OutboxLease, error) {
	acquired, err := r.AcquireLock(ctx, outboxLeaseKey, instanceID, outboxLeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire outbox lease: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("outbox lease already held by another instance")
	}

	lease := &OutboxLease{
		redis:      r,
		instanceID: instanceID,
		stopCh:     make(chan struct{}),
	}

	lease.wg.Add(1)
	go lease.renewLoop()

	log.Printf("🔒 Outbox lease acquired (instance %s)", instanceID)
	return lease, nil
}

func (l *OutboxLease) renewLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(outboxLeaseRenewal)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := l.redis.client.Set(ctx, outboxLeaseKey, l.instanceID, outboxLeaseTTL).Err()
			cancel()
			if err != nil {
				log.Printf("⚠️ Failed to renew outbox lease: %v", err)
			}
		}
	}
}

// Release stops renewal and gives the lease up
func (l *OutboxLease) Release() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, err := l.redis.ReleaseLock(ctx, outboxLeaseKey, l.instanceID); err != nil {
			log.Printf("⚠️ Failed to release outbox lease: %v", err)
		} else {
			log.Println("🔓 Outbox lease released")
		}
	})
}

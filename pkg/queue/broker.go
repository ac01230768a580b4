package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/detecteam/sigmaflow/pkg/config"
	"github.com/detecteam/sigmaflow/pkg/models"
)

// Broker is the Redis-backed FIFO workflow queue. It is a delivery mechanism
// only: consumers must tolerate duplicate and lost deliveries, because the
// queued→running claim in the database is the correctness primitive.
type Broker struct {
	rdb *redis.Client
	key string
}

// NewBroker connects to Redis and returns the broker.
func NewBroker(cfg *config.RedisConfig) *Broker {
	return &Broker{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		key: cfg.QueueKey,
	}
}

// NewBrokerFromClient wraps an existing Redis client (useful for testing).
func NewBrokerFromClient(rdb *redis.Client, queueKey string) *Broker {
	return &Broker{rdb: rdb, key: queueKey}
}

// Enqueue pushes one message onto the queue.
func (b *Broker) Enqueue(ctx context.Context, msg models.QueueMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	if err := b.rdb.LPush(ctx, b.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue execution %s: %w", msg.ExecutionID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next message. Returns
// ErrNoWorkAvailable when the queue stayed empty.
func (b *Broker) Dequeue(ctx context.Context, timeout time.Duration) (*models.QueueMessage, error) {
	vals, err := b.rdb.BRPop(ctx, timeout, b.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoWorkAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	// BRPOP returns [key, value].
	if len(vals) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply length %d", len(vals))
	}

	var msg models.QueueMessage
	if err := json.Unmarshal([]byte(vals[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode queue message: %w", err)
	}
	return &msg, nil
}

// Depth returns the number of messages waiting in the queue.
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	n, err := b.rdb.LLen(ctx, b.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}

// Ping verifies broker connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

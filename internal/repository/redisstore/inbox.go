// Package redisstore holds the consumer inbox on Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/egannguyen/order-saga/internal/repository"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a processed message id is remembered. It must
// exceed the broker's redelivery window.
const DefaultTTL = 7 * 24 * time.Hour

type inbox struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewInbox returns an Inbox storing one key per consumer and message id.
func NewInbox(client *redis.Client, prefix string, ttl time.Duration) repository.Inbox {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &inbox{client: client, prefix: prefix, ttl: ttl}
}

// Connect parses url, pings the server and returns the client.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (i *inbox) key(consumer, messageID string) string {
	return i.prefix + ":inbox:" + consumer + ":" + messageID
}

func (i *inbox) Seen(ctx context.Context, consumer, messageID string) (bool, error) {
	err := i.client.Get(ctx, i.key(consumer, messageID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read inbox: %w", err)
	}
	return true, nil
}

func (i *inbox) Mark(ctx context.Context, consumer, messageID string) error {
	if err := i.client.SetNX(ctx, i.key(consumer, messageID), time.Now().UTC().Format(time.RFC3339), i.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write inbox: %w", err)
	}
	return nil
}

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventQueue is the Redis list downstream consumers (push delivery, audit
// feeds) drain wallet events from.
const EventQueue = "wallet_events"

// RedisNotifier publishes wallet events onto a Redis list.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier constructs a Redis-backed notifier.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Send enqueues the message. A short timeout keeps a slow broker from
// delaying the transfer path that fired the event.
func (n *RedisNotifier) Send(ctx context.Context, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := n.client.RPush(ctx, EventQueue, data).Err(); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

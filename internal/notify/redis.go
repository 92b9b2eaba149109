package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/tildaslashalef/venuesync/internal/config"
)

// inboxSize bounds the per-recipient backlog kept for offline recipients
const inboxSize = 100

// RedisNotifier publishes messages on a per-recipient pub/sub channel and
// keeps a short backlog in a sorted set for recipients that are not
// listening.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

// NewRedisNotifier connects to redis and checks the connection
func NewRedisNotifier(ctx context.Context, cfg config.NotifyConfig) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}

	return NewRedisNotifierWithClient(client, cfg.ChannelPrefix), nil
}

// NewRedisNotifierWithClient wraps an existing client
func NewRedisNotifierWithClient(client *redis.Client, prefix string) *RedisNotifier {
	return &RedisNotifier{client: client, prefix: prefix}
}

// Channel returns the pub/sub channel of a recipient
func (n *RedisNotifier) Channel(recipientID string) string {
	return n.prefix + ":" + recipientID
}

func (n *RedisNotifier) inboxKey(recipientID string) string {
	return n.prefix + ":inbox:" + recipientID
}

// Notify publishes msg and appends it to the recipient's backlog
func (n *RedisNotifier) Notify(ctx context.Context, recipientID string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	key := n.inboxKey(recipientID)
	pipe := n.client.TxPipeline()
	pipe.Publish(ctx, n.Channel(recipientID), body)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(msg.CreatedAt.UnixMilli()),
		Member: body,
	})
	pipe.ZRemRangeByRank(ctx, key, 0, -inboxSize-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publishing notification to %s: %w", recipientID, err)
	}
	return nil
}

// Close releases the redis connection
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

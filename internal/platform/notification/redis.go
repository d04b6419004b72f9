package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink appends messages to a Redis stream consumed by the
// delivery workers (SMS, push).
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(client *redis.Client, stream string) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: 100_000}
}

func (s *RedisStreamSink) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("marshal notification data: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":         msg.ID,
			"template":   msg.Template,
			"recipient":  msg.Recipient,
			"subject":    msg.Subject,
			"body":       msg.Body,
			"data":       string(data),
			"created_at": msg.CreatedAt.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// RedisDeduper marks keys with SET NX and a TTL.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, prefix: "clinicq:notify:sent:", ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

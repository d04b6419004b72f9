package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ProgressKey identifies one doctor's queue on one date.
type ProgressKey struct {
	DoctorID uuid.UUID
	ClinicID uuid.UUID
	Date     time.Time
}

func (k ProgressKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.DoctorID, k.ClinicID, DateOnly(k.Date).Format(time.DateOnly))
}

// KeyFor returns the progress key a schedule's writes must invalidate.
func KeyFor(s *Schedule) ProgressKey {
	return ProgressKey{DoctorID: s.DoctorID, ClinicID: s.ClinicID, Date: s.Date}
}

// ProgressCache holds short-lived token progress snapshots. Every method is
// best effort: failures degrade to a database read.
type ProgressCache interface {
	Get(ctx context.Context, key ProgressKey) (*TokenProgress, bool)
	Set(ctx context.Context, key ProgressKey, p *TokenProgress)
	Invalidate(ctx context.Context, key ProgressKey)
}

type nopCache struct{}

func (nopCache) Get(context.Context, ProgressKey) (*TokenProgress, bool) { return nil, false }
func (nopCache) Set(context.Context, ProgressKey, *TokenProgress)        {}
func (nopCache) Invalidate(context.Context, ProgressKey)                 {}

// RedisProgressCache stores progress snapshots as JSON with a TTL.
type RedisProgressCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisProgressCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisProgressCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisProgressCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisProgressCache) key(k ProgressKey) string {
	return "clinicq:progress:" + k.String()
}

func (c *RedisProgressCache) Get(ctx context.Context, k ProgressKey) (*TokenProgress, bool) {
	raw, err := c.client.Get(ctx, c.key(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("key", k.String()).Msg("progress cache read failed")
		return nil, false
	}
	var p TokenProgress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	return &p, true
}

func (c *RedisProgressCache) Set(ctx context.Context, k ProgressKey, p *TokenProgress) {
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(k), raw, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", k.String()).Msg("progress cache write failed")
	}
}

func (c *RedisProgressCache) Invalidate(ctx context.Context, k ProgressKey) {
	if err := c.client.Del(ctx, c.key(k)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", k.String()).Msg("progress cache invalidate failed")
	}
}

package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/auroraai/profile-broker/internal/config"
	"github.com/redis/go-redis/v9"
)

const schemaKeyPrefix = "attribute-schema:"

// RedisSchemaCache caches attribute schemas fetched from the
// attributes-management service. Cache failures degrade to misses.
type RedisSchemaCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisSchemaCache(cfg config.Cache, logger *slog.Logger) *RedisSchemaCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &RedisSchemaCache{client: client, ttl: cfg.SchemaTTL, logger: logger}
}

func (c *RedisSchemaCache) Get(ctx context.Context, attribute string) ([]byte, bool) {
	raw, err := c.client.Get(ctx, schemaKeyPrefix+attribute).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "schema cache read failed", "attribute", attribute, "error", err)
		}
		return nil, false
	}
	return raw, true
}

func (c *RedisSchemaCache) Set(ctx context.Context, attribute string, schema []byte) {
	if err := c.client.Set(ctx, schemaKeyPrefix+attribute, schema, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "schema cache write failed", "attribute", attribute, "error", err)
	}
}

func (c *RedisSchemaCache) Close() error {
	return c.client.Close()
}

// NoopSchemaCache satisfies the cache interface when caching is disabled.
type NoopSchemaCache struct{}

func (NoopSchemaCache) Get(ctx context.Context, attribute string) ([]byte, bool) {
	return nil, false
}

func (NoopSchemaCache) Set(ctx context.Context, attribute string, schema []byte) {}

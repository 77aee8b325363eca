package redis

import (
	"context"

	"sitewatch/common/config"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient creates a redis client from config
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping checks connectivity
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

// Close closes the client if set
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}

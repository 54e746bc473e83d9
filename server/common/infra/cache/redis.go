package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"media_shuttle/server/common/env"
)

// NewClient builds a redis client for the dedup and ops-feed concerns.
// Password and DB come from the environment so single-binary deploys
// need only REDIS_ADDR.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     env.String("REDIS_PASSWORD", ""),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func Ping(ctx context.Context, c *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.Ping(ctx).Err()
}

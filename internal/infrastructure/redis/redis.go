package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "affiliate:ratelimit:"

type Cache struct {
	Client *redis.Client
}

func New(addr, pass string, db int) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return &Cache{Client: rdb}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.Client.Close()
}

// AllowRequest: fixed window counter per key. Fails open on redis errors so
// a cache outage never blocks click tracking. INCR and TTL run in one
// MULTI so a counter left without an expiry (failed EXPIRE, restart) gets
// one on the next hit instead of throttling the key forever.
func (c *Cache) AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := rateLimitPrefix + key

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := c.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		ttl = pipe.TTL(ctx, k)
		return nil
	})
	if err != nil {
		return true, nil // fail open
	}

	count := incr.Val()
	if ttl.Val() < 0 {
		// no expiry on the key: restart the window from this hit
		if err := c.Client.Expire(ctx, k, window).Err(); err != nil {
			return true, nil
		}
	}
	return count <= int64(limit), nil
}

package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultLocationUpdatesPerSecond caps location reports per bus. GPS units
// report at most once a second; anything faster is a misbehaving device.
const DefaultLocationUpdatesPerSecond = 5

// LocationRateLimit throttles location updates per bus using a per-second
// Redis counter. If Redis is unavailable the request is let through: losing
// rate limiting is better than losing tracking.
func LocationRateLimit(rdb *redis.Client, perSecond int) fiber.Handler {
	if perSecond <= 0 {
		perSecond = DefaultLocationUpdatesPerSecond
	}

	return func(c *fiber.Ctx) error {
		busID := c.Params("id")
		if busID == "" {
			return c.Next()
		}

		ctx := context.Background()
		now := time.Now()
		key := fmt.Sprintf("rl:bus:%s:second:%d", busID, now.Unix())

		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			return c.Next()
		}
		rdb.Expire(ctx, key, 2*time.Second)

		c.Set("X-RateLimit-Limit", strconv.Itoa(perSecond))
		if count > int64(perSecond) {
			c.Set("X-RateLimit-Remaining", "0")
			c.Set("Retry-After", "1")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "rate_limit_exceeded",
				"message":     fmt.Sprintf("Too many location updates for bus %s", busID),
				"limit":       perSecond,
				"retry_after": 1,
			})
		}
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(int64(perSecond)-count, 10))

		return c.Next()
	}
}

package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/quillpost/api/pkg/response"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RateLimiter counts requests per user in fixed Redis windows
type RateLimiter struct {
	redis *redis.Client
	log   logrus.FieldLogger
}

func NewRateLimiter(redisClient *redis.Client, log logrus.FieldLogger) *RateLimiter {
	return &RateLimiter{redis: redisClient, log: log}
}

// Limit allows maxRequests per user per window. Requests pass when Redis is
// unreachable.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" || maxRequests <= 0 {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			rl.log.WithError(err).Warn("Rate limiter unavailable, allowing request")
			return c.Next()
		}

		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set("Retry-After", fmt.Sprintf("%d", int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))
		return c.Next()
	}
}

// ImportLimit limits CSV submissions per user per hour.
func (rl *RateLimiter) ImportLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("import", maxPerHour, time.Hour)
}

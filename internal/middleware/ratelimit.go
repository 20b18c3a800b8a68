package middleware

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// TransferRateLimit caps transfer submissions per caller per minute using
// Redis if available. The daily and monthly transfer limits live in the
// ledger; this only blunts tight request loops.
func TransferRateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 30
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		caller, _ := c.Locals("user_id").(string)
		if caller == "" {
			caller = c.IP()
		}
		key := "rl:transfer:" + caller
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			return c.Next() // fail-open on cache errors
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many transfer attempts, try again later")
		}
		return c.Next()
	}
}

package taskd

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// rateLimiter enforces a fixed-window request budget per client IP, counted
// in redis so all workers share one window. While redis is unreachable it
// degrades to a per-process sliding window instead of failing requests —
// limiting gets looser during an outage, never stricter.
type rateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	log    *slog.Logger

	mu    sync.Mutex
	local map[string]*slidingwindow.Limiter
}

func newRateLimiter(rdb *redis.Client, limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		log:    slog.Default().With("system", "ratelimit"),
		local:  make(map[string]*slidingwindow.Limiter),
	}
}

func (rl *rateLimiter) localLimiter(ip string) *slidingwindow.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.local[ip]
	if !ok {
		lim, _ = slidingwindow.NewLimiter(rl.window, int64(rl.limit), func() (slidingwindow.Window, slidingwindow.StopFunc) {
			return slidingwindow.NewLocalWindow()
		})
		rl.local[ip] = lim
	}
	return lim
}

func (rl *rateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			ctx := c.Request().Context()

			count, err := rl.rdb.Incr(ctx, "rate:"+ip).Result()
			if err != nil {
				// redis down: local fallback keeps the API responsive
				if !rl.localLimiter(ip).Allow() {
					rateLimitedRequests.WithLabelValues("local").Inc()
					return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
				}
				return next(c)
			}
			if count == 1 {
				if err := rl.rdb.Expire(ctx, "rate:"+ip, rl.window).Err(); err != nil {
					rl.log.Warn("could not arm rate window expiry", "ip", ip, "err", err)
				}
			}
			if count > int64(rl.limit) {
				rateLimitedRequests.WithLabelValues("redis").Inc()
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
			}
			return next(c)
		}
	}
}

package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"storefront-ledger/internal/auth"
	"storefront-ledger/pkg/logger"
	"storefront-ledger/pkg/utils"
)

// InFlightLimiter caps concurrent requests per key.
type InFlightLimiter interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLimiter shares the cap across API replicas.
type RedisLimiter struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

// NewRedisLimiter allows limit concurrent holders per key. ttl bounds how long a slot leaked
// by a crashed process stays taken.
func NewRedisLimiter(rdb *redis.Client, limit int, ttl time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, ttl: ttl}
}

func (l *RedisLimiter) Acquire(ctx context.Context, key string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, key, l.limit, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context, key string) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, key)
}

// LimitInFlight rejects a payment call with 429 when the caller already has the maximum
// number in flight. A nil limiter disables the cap. Limiter failures let the request through:
// correctness never depends on the cap, only fairness does.
func LimitInFlight(l InFlightLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		uid, err := auth.UserID(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
			return
		}
		key := "inflight:payments:" + uid

		ok, err := l.Acquire(c.Request.Context(), key)
		if err != nil {
			logger.FromGin(c).Warn("in-flight cap unavailable", "err", err)
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many payment calls in flight"})
			return
		}
		defer func() {
			if err := l.Release(context.WithoutCancel(c.Request.Context()), key); err != nil {
				logger.FromGin(c).Warn("in-flight cap release failed", "err", err)
			}
		}()
		c.Next()
	}
}

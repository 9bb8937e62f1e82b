package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"telemed-backend/internal/database"
	apperrors "telemed-backend/pkg/errors"
	"telemed-backend/pkg/logger"
	"telemed-backend/pkg/response"
)

const maxLocalBuckets = 10000

// RateLimiter limits REST requests per caller. It counts in Redis when
// available and falls back to per-process token buckets while Redis is
// absent or degraded.
type RateLimiter struct {
	redis    *database.RedisClient
	requests int
	window   time.Duration

	mu        sync.Mutex
	local     map[string]*localBucket
	lastPrune time.Time
	now       func() time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requests per window.
// redisClient may be nil.
func NewRateLimiter(redisClient *database.RedisClient, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:    redisClient,
		requests: requests,
		window:   window,
		local:    make(map[string]*localBucket),
		now:      time.Now,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		}

		allowed, remaining := rl.allow(c.Request.Context(), identifier)

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			response.FromError(c, apperrors.RateLimitedError())
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) allow(ctx context.Context, identifier string) (bool, int) {
	if rl.redis != nil && !rl.redis.IsDegraded() {
		allowed, remaining, err := rl.checkRedis(ctx, identifier)
		if err == nil {
			return allowed, remaining
		}
		logger.Warn("Redis rate limit check failed, using local limiter",
			zap.Error(err),
			zap.String("identifier", identifier))
	}
	return rl.checkLocal(identifier)
}

// checkRedis is a fixed-window counter: INCR, and set the TTL on the first hit.
func (rl *RateLimiter) checkRedis(ctx context.Context, identifier string) (bool, int, error) {
	key := fmt.Sprintf("ratelimit:%s", identifier)

	pipe := rl.redis.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	count := int(incr.Val())
	remaining := rl.requests - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= rl.requests, remaining, nil
}

func (rl *RateLimiter) checkLocal(identifier string) (bool, int) {
	now := rl.now()

	rl.mu.Lock()
	rl.pruneLocal(now)
	bucket, ok := rl.local[identifier]
	if !ok {
		every := rl.window / time.Duration(rl.requests)
		bucket = &localBucket{limiter: rate.NewLimiter(rate.Every(every), rl.requests)}
		rl.local[identifier] = bucket
	}
	bucket.lastSeen = now
	limiter := bucket.limiter
	rl.mu.Unlock()

	allowed := limiter.AllowN(now, 1)
	remaining := int(limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}

// pruneLocal drops buckets idle for a full window. Such a bucket has refilled
// completely, so dropping it changes no decision. Runs at most once per
// window unless the map outgrows maxLocalBuckets. Caller holds rl.mu.
func (rl *RateLimiter) pruneLocal(now time.Time) {
	if now.Sub(rl.lastPrune) < rl.window && len(rl.local) < maxLocalBuckets {
		return
	}
	rl.lastPrune = now
	for id, bucket := range rl.local {
		if now.Sub(bucket.lastSeen) >= rl.window {
			delete(rl.local, id)
		}
	}
}

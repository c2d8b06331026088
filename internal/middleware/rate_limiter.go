package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/medipass/sync-api/internal/handler"
	"github.com/medipass/sync-api/pkg/apperror"
)

// RateLimiterConfig bounds the whole process with one token bucket. The
// daemon fronts a single user's screens, so there is no per-client split.
type RateLimiterConfig struct {
	Rate  rate.Limit
	Burst int
}

// RateLimiter sheds requests once the bucket drains, so a polling screen
// stuck in a tight loop cannot starve the session and write paths.
type RateLimiter struct {
	limiter *rate.Limiter
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Rate <= 0 {
		config.Rate = 100
	}
	if config.Burst <= 0 {
		config.Burst = int(config.Rate) * 2
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(config.Rate, config.Burst),
	}
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				handler.NewErrorResponse(apperror.New(apperror.CodeRateLimited, "too many requests")))
			return
		}
		c.Next()
	}
}

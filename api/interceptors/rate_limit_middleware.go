package interceptors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"

	"github.com/parsec-cloud/go-parsec-server/global"
)

const (
	LimitRequestsPerSecond         = 20
	LimitRequestAnonymousPerSecond = 2
)

var anonymousPathRe = regexp.MustCompile(`^/parsec/v[0-9]+/[^/]+/anonymous$`)

// RateLimitMiddleware throttles per client fingerprint (ip + a few stable
// headers). Anonymous endpoints get a much tighter budget since they carry
// no identity at all. A nil global limiter (redis disabled) turns the
// middleware into a no-op.
func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if global.RateLimiter == nil {
			c.Next()
			return
		}
		userAgent := c.GetHeader("User-Agent")
		acceptLanguage := c.GetHeader("Accept-Language")
		referer := c.GetHeader("Referer")
		all := fmt.Sprintf("%s%s%s%s", clientIP(c), userAgent, acceptLanguage, referer)

		limit := LimitRequestsPerSecond
		if anonymousPathRe.MatchString(c.Request.URL.Path) {
			limit = LimitRequestAnonymousPerSecond
			all = fmt.Sprintf("%s%s", all, "_anonymous")
		}

		hash := xxhash.Sum64String(all)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		result, err := global.RateLimiter.Allow(ctx, strconv.FormatUint(hash, 10), redis_rate.PerSecond(limit))
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, errors.New("failed to perform rate limit check"))
			return
		}
		if result.Allowed <= 0 {
			c.AbortWithError(http.StatusTooManyRequests, errors.New("too many requests"))
			return
		}

		c.Writer.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit.Rate))
		c.Writer.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Writer.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(result.ResetAfter.Milliseconds())))
		c.Next()
	}
}

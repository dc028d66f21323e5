package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"landing-ai-api/internal/interfaces/http/dto"
	"landing-ai-api/pkg/errors"
	"landing-ai-api/pkg/logger"
)

// IdempotencyKeyHeader 批量任务幂等键头
const IdempotencyKeyHeader = "Idempotency-Key"

// RateLimiter 限流器接口
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateLimitRule 单条限流规则
type RateLimitRule struct {
	Name   string
	Limit  int
	Window time.Duration
	// Key 从请求中提取限流维度，返回空串时不限流
	Key func(c *gin.Context) string
}

// ByClientIP 按客户端 IP 限流
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// ByParam 按路径参数限流
func ByParam(name string) func(c *gin.Context) string {
	return func(c *gin.Context) string {
		return c.Param(name)
	}
}

// RateLimit 限流中间件。limiter 为 nil 或规则无效时放行。
func RateLimit(limiter RateLimiter, rule RateLimitRule) gin.HandlerFunc {
	if limiter == nil || rule.Limit <= 0 || rule.Window <= 0 || rule.Key == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		scope := rule.Key(c)
		if scope == "" {
			c.Next()
			return
		}
		key := "ratelimit:" + rule.Name + ":" + scope

		allowed, err := limiter.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
		if err != nil {
			// 限流器故障时放行
			logger.Warn(c.Request.Context(), "rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, dto.ErrorResponse{
				Code:    http.StatusTooManyRequests,
				Message: "rate limit exceeded",
				Error:   &dto.ErrorDetail{ErrorCode: string(errors.CodeTooManyRequests)},
				TraceID: c.GetString("trace_id"),
			})
			return
		}

		c.Next()
	}
}

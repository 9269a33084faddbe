package middleware

import (
	"net/http"

	"golang.org/x/time/rate"

	"ip-geocache/internal/logger"
	"ip-geocache/internal/utils"
)

// DefaultQPS：未配置 RATE_LIMIT_QPS 时的入口速率
const DefaultQPS = 200

// 文档注释：令牌桶限流中间件
// 背景：上传与修复接口会放大为大量上游请求，入口先做整体限速；桶容量等于每秒速率。
// 约束：不排队，超限直接返回 429。
func RateLimit(qps int) func(http.Handler) http.Handler {
	if qps <= 0 {
		qps = DefaultQPS
	}
	lim := rate.NewLimiter(rate.Limit(qps), qps)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				logger.L().Debug("ratelimit_reject", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Wrap：按 RATE_LIMIT_ENABLED / RATE_LIMIT_QPS 装配入口中间件
func Wrap(next http.Handler) http.Handler {
	if !utils.EnvBool("RATE_LIMIT_ENABLED", false) {
		return next
	}
	qps := utils.EnvInt("RATE_LIMIT_QPS", DefaultQPS)
	logger.L().Info("ratelimit_enabled", "qps", qps)
	return RateLimit(qps)(next)
}

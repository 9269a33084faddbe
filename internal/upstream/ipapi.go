package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"ip-geocache/internal/logger"
	"ip-geocache/internal/metrics"
)

// DefaultIPAPIBase：ip-api.com 免费端点（仅 HTTP）
const DefaultIPAPIBase = "http://ip-api.com"

// ipAPIFields：请求的字段集合，与 Payload 对齐
const ipAPIFields = "status,message,continent,continentCode,country,countryCode,region,regionName,city,district,zip,lat,lon,timezone,offset,currency,isp,org,as,asname,mobile,proxy,hosting,query"

const maxBodyBytes = 1 << 20

// IPAPI：ip-api.com 客户端
type IPAPI struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
}

// 文档注释：构造 ip-api.com 客户端
// 参数：
// - base：服务根地址，空值使用 DefaultIPAPIBase；
// - client：共享 HTTP 客户端，可为 nil；单次调用超时由调用方 ctx 控制；
// - perMinute：进程级限速（每分钟请求数），0 表示不限速，仅依赖调用方的节奏等待。
func NewIPAPI(base string, client *http.Client, perMinute int) *IPAPI {
	if base == "" {
		base = DefaultIPAPIBase
	}
	if client == nil {
		client = &http.Client{}
	}
	c := &IPAPI{base: strings.TrimRight(base, "/"), client: client}
	if perMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1)
	}
	return c
}

// 文档注释：查询单个 IP
// 返回：429 为 ErrRateLimited；连接、超时与响应体读取失败为 *TransportError；
// 其他非 200 状态与无法解析的响应体为普通错误。
func (c *IPAPI) Fetch(ctx context.Context, ip string) (*Payload, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: "rate_wait", Err: err}
		}
	}
	u := c.base + "/json/" + url.PathEscape(ip) + "?fields=" + ipAPIFields
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	t0 := time.Now()
	metrics.UpstreamRequestsTotal.WithLabelValues("ipapi").Inc()
	logger.L().Debug("upstream_req", "source", "ipapi", "ip", ip)
	resp, err := c.client.Do(req)
	if err != nil {
		logger.L().Warn("upstream_http_error", "ip", ip, "err", err)
		metrics.UpstreamFailTotal.WithLabelValues("ipapi", "transport").Inc()
		return nil, &TransportError{Op: "request", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.UpstreamDurationMs.WithLabelValues("ipapi").Observe(float64(time.Since(t0).Milliseconds()))
	if err != nil {
		metrics.UpstreamFailTotal.WithLabelValues("ipapi", "transport").Inc()
		return nil, &TransportError{Op: "read", Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		logger.L().Warn("upstream_rate_limited", "ip", ip)
		metrics.UpstreamFailTotal.WithLabelValues("ipapi", "rate_limited").Inc()
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		metrics.UpstreamFailTotal.WithLabelValues("ipapi", "status").Inc()
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	var p Payload
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(body, &p); err != nil {
		logger.L().Error("upstream_decode_error", "ip", ip, "err", err)
		metrics.UpstreamFailTotal.WithLabelValues("ipapi", "decode").Inc()
		return nil, fmt.Errorf("upstream decode: %w", err)
	}
	if p.Status == "" {
		metrics.UpstreamFailTotal.WithLabelValues("ipapi", "decode").Inc()
		return nil, errors.New("upstream decode: missing status")
	}
	logger.L().Debug("upstream_resp", "source", "ipapi", "ip", ip, "status", p.Status, "country", p.Country, "city", p.City)
	return &p, nil
}

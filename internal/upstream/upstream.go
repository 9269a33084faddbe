// 包 upstream：外部归属地查询服务的统一契约与实现（ip-api.com 在线查询、MaxMind 本地库）
package upstream

import (
	"context"
	"errors"
	"fmt"

	"ip-geocache/internal/geo"
)

// ErrRateLimited：上游返回 429，调用方按退避策略重试
var ErrRateLimited = errors.New("upstream rate limited")

// 文档注释：传输层失败（超时、连接错误、响应体读取中断）
// 约束：仅此类错误由解析层视为可重试；其余错误一律按异常终态处理。
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("upstream %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport：判断错误链中是否包含传输层失败
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// 文档注释：上游查询返回结构
// 背景：字段对齐 ip-api.com 的 JSON 响应；本地 mmdb 实现按同一结构填充，解析层无需区分来源。
type Payload struct {
	Status        string  `json:"status"`
	Message       string  `json:"message"`
	Continent     string  `json:"continent"`
	ContinentCode string  `json:"continentCode"`
	Country       string  `json:"country"`
	CountryCode   string  `json:"countryCode"`
	Region        string  `json:"region"`
	RegionName    string  `json:"regionName"`
	City          string  `json:"city"`
	District      string  `json:"district"`
	Zip           string  `json:"zip"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	Timezone      string  `json:"timezone"`
	Offset        int64   `json:"offset"`
	Currency      string  `json:"currency"`
	ISP           string  `json:"isp"`
	Org           string  `json:"org"`
	AS            string  `json:"as"`
	ASName        string  `json:"asname"`
	Mobile        bool    `json:"mobile"`
	Proxy         bool    `json:"proxy"`
	Hosting       bool    `json:"hosting"`
	Query         string  `json:"query"`
}

// Success：上游是否给出成功结果
func (p *Payload) Success() bool { return p != nil && p.Status == geo.StatusSuccess }

// 文档注释：成功响应映射为缓存记录
// 约束：国家/地区/城市缺失时写入 Unknown；其余字段缺失保持零值。
func (p *Payload) Record(ip string) geo.Record {
	return geo.Record{
		IP:            ip,
		Status:        geo.StatusSuccess,
		Continent:     p.Continent,
		ContinentCode: p.ContinentCode,
		Country:       orUnknown(p.Country),
		CountryCode:   p.CountryCode,
		Region:        orUnknown(p.RegionName),
		RegionCode:    p.Region,
		City:          orUnknown(p.City),
		District:      p.District,
		Zip:           p.Zip,
		Latitude:      p.Lat,
		Longitude:     p.Lon,
		Timezone:      p.Timezone,
		UTCOffset:     p.Offset,
		Currency:      p.Currency,
		ISP:           p.ISP,
		Org:           p.Org,
		ASNumber:      p.AS,
		ASName:        p.ASName,
		Mobile:        p.Mobile,
		Proxy:         p.Proxy,
		Hosting:       p.Hosting,
	}
}

func orUnknown(v string) string {
	if v == "" {
		return geo.Unknown
	}
	return v
}

// Fetcher：单 IP 上游查询契约
// 返回：ErrRateLimited 表示限流；*TransportError 表示传输失败；其他 error 为不可重试异常。
// 约束：error 为 nil 时应返回非 nil 的 Payload；解析器把 (nil, nil) 当作异常结果处理。
type Fetcher interface {
	Fetch(ctx context.Context, ip string) (*Payload, error)
}

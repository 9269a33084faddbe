// 包 geo：IP 归属地记录模型，缓存层、解析层与批处理层共用同一结构
package geo

import "strings"

// 记录状态
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
	StatusError   = "error"
)

// 占位值：上游无数据或失败时写入描述字段的固定标记
const (
	Unknown      = "Unknown"
	Error        = "Error"
	NetworkError = "Network Error"
)

// 文档注释：单个 IP 的归属地记录
// 背景：每个 IP 在缓存中恰好一行；新解析结果整行替换旧记录，不做字段级合并。
// 约束：IP 与 Status 必填；其余字段缺失时为零值或占位值，不使用 map 承载动态字段。
type Record struct {
	IP            string  `json:"ip"`
	Status        string  `json:"status"`
	Continent     string  `json:"continent"`
	ContinentCode string  `json:"continent_code"`
	Country       string  `json:"country"`
	CountryCode   string  `json:"country_code"`
	Region        string  `json:"region"`
	RegionCode    string  `json:"region_code"`
	City          string  `json:"city"`
	District      string  `json:"district"`
	Zip           string  `json:"zip"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Timezone      string  `json:"timezone"`
	UTCOffset     int64   `json:"utc_offset"`
	Currency      string  `json:"currency"`
	ISP           string  `json:"isp"`
	Org           string  `json:"org"`
	ASNumber      string  `json:"as_number"`
	ASName        string  `json:"as_name"`
	Mobile        bool    `json:"mobile"`
	Proxy         bool    `json:"proxy"`
	Hosting       bool    `json:"hosting"`
	UpdatedAt     int64   `json:"updated_at,omitempty"`
}

// IsPlaceholder：判断字段值是否为占位值（含空串）
func IsPlaceholder(v string) bool {
	switch strings.TrimSpace(v) {
	case "", Unknown, Error, NetworkError:
		return true
	}
	return false
}

// Placeholders：参与“问题记录”筛选的占位值集合
func Placeholders() []string { return []string{Unknown, Error, NetworkError} }

// Resolved：国家/地区/城市中至少一个为真实值
func (r Record) Resolved() bool {
	return !IsPlaceholder(r.Country) || !IsPlaceholder(r.Region) || !IsPlaceholder(r.City)
}

// Problem：状态非 success，或国家/地区/城市任一为占位值；修复扫描据此挑选候选
func (r Record) Problem() bool {
	if r.Status != StatusSuccess {
		return true
	}
	for _, v := range []string{r.Country, r.Region, r.City} {
		switch v {
		case Unknown, Error, NetworkError:
			return true
		}
	}
	return false
}

// FailRecord：上游返回非 success 状态时的终态记录，描述字段统一为 Unknown，数值与标志归零
func FailRecord(ip string) Record {
	return Record{
		IP:            ip,
		Status:        StatusFail,
		Continent:     Unknown,
		ContinentCode: Unknown,
		Country:       Unknown,
		CountryCode:   Unknown,
		Region:        Unknown,
		RegionCode:    Unknown,
		City:          Unknown,
		District:      Unknown,
		Zip:           Unknown,
		Timezone:      Unknown,
		Currency:      Unknown,
		ISP:           Unknown,
		Org:           Unknown,
		ASNumber:      Unknown,
		ASName:        Unknown,
	}
}

// ErrorRecord：异常终态记录，国家/地区/城市写入给定占位值（Error 或 Network Error）
func ErrorRecord(ip string, sentinel string) Record {
	return Record{
		IP:      ip,
		Status:  StatusError,
		Country: sentinel,
		Region:  sentinel,
		City:    sentinel,
	}
}

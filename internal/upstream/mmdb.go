package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/oschwald/geoip2-golang"

	"ip-geocache/internal/geo"
	"ip-geocache/internal/logger"
	"ip-geocache/internal/metrics"
)

// 文档注释：MaxMind mmdb 本地查询
// 背景：离线环境或规避在线限流时，以 GeoLite2 City/ASN 库回答查询，返回与在线接口同构的 Payload。
// 约束：至少提供 City 库；ASN 库可选。库中无数据时返回 status=fail。
type MMDB struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

func NewMMDB(city, asn *geoip2.Reader) (*MMDB, error) {
	if city == nil {
		return nil, errors.New("mmdb: city reader is nil")
	}
	return &MMDB{city: city, asn: asn}, nil
}

// OpenMMDB：按路径打开；asnPath 为空时跳过 ASN
func OpenMMDB(cityPath, asnPath string) (*MMDB, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("mmdb: open city: %w", err)
	}
	var asn *geoip2.Reader
	if asnPath != "" {
		asn, err = geoip2.Open(asnPath)
		if err != nil {
			_ = city.Close()
			return nil, fmt.Errorf("mmdb: open asn: %w", err)
		}
	}
	return &MMDB{city: city, asn: asn}, nil
}

func (m *MMDB) Close() error {
	err := m.city.Close()
	if m.asn != nil {
		if e := m.asn.Close(); err == nil {
			err = e
		}
	}
	return err
}

func (m *MMDB) Fetch(ctx context.Context, ip string) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.UpstreamRequestsTotal.WithLabelValues("mmdb").Inc()
	t0 := time.Now()
	defer func() {
		metrics.UpstreamDurationMs.WithLabelValues("mmdb").Observe(float64(time.Since(t0).Milliseconds()))
	}()
	addr := net.ParseIP(ip)
	if addr == nil {
		return &Payload{Status: geo.StatusFail, Message: "invalid query", Query: ip}, nil
	}
	rec, err := m.city.City(addr)
	if err != nil {
		metrics.UpstreamFailTotal.WithLabelValues("mmdb", "lookup").Inc()
		return nil, fmt.Errorf("mmdb city lookup: %w", err)
	}
	p := &Payload{
		Status:        geo.StatusSuccess,
		Continent:     rec.Continent.Names["en"],
		ContinentCode: rec.Continent.Code,
		Country:       rec.Country.Names["en"],
		CountryCode:   rec.Country.IsoCode,
		City:          rec.City.Names["en"],
		Zip:           rec.Postal.Code,
		Lat:           rec.Location.Latitude,
		Lon:           rec.Location.Longitude,
		Timezone:      rec.Location.TimeZone,
		Query:         ip,
	}
	if len(rec.Subdivisions) > 0 {
		p.Region = rec.Subdivisions[0].IsoCode
		p.RegionName = rec.Subdivisions[0].Names["en"]
	}
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			_, off := time.Now().In(loc).Zone()
			p.Offset = int64(off)
		}
	}
	if m.asn != nil {
		if a, err := m.asn.ASN(addr); err == nil && a.AutonomousSystemNumber != 0 {
			p.AS = "AS" + strconv.FormatUint(uint64(a.AutonomousSystemNumber), 10) + " " + a.AutonomousSystemOrganization
			p.ASName = a.AutonomousSystemOrganization
			p.ISP = a.AutonomousSystemOrganization
			p.Org = a.AutonomousSystemOrganization
		} else if err != nil {
			logger.L().Debug("mmdb_asn_error", "ip", ip, "err", err)
		}
	}
	if p.Country == "" && p.AS == "" {
		return &Payload{Status: geo.StatusFail, Message: "reserved range", Query: ip}, nil
	}
	return p, nil
}

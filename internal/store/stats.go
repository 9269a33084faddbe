package store

import (
	"sort"

	"ip-geocache/internal/geo"
)

type CountryCount struct {
	Country string `json:"country"`
	Count   int64  `json:"count"`
}

type RegionCount struct {
	Region  string `json:"region"`
	Country string `json:"country"`
	Count   int64  `json:"count"`
}

type CityCount struct {
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
	Count   int64  `json:"count"`
}

// 文档注释：缓存统计
// 约束：排行排除 Unknown；Unknown 计数为国家/地区/城市任一为 Unknown 的行数，Errors 为任一为 Error 或 Network Error 的行数。
type Stats struct {
	Total        int64          `json:"total"`
	TopCountries []CountryCount `json:"top_countries"`
	TopRegions   []RegionCount  `json:"top_regions"`
	TopCities    []CityCount    `json:"top_cities"`
	Unknown      int64          `json:"unknown"`
	Errors       int64          `json:"errors"`
}

// statsAccumulator：无 SQL 聚合能力的后端逐条累加
type statsAccumulator struct {
	total     int64
	unknown   int64
	errors    int64
	countries map[string]int64
	regions   map[[2]string]int64
	cities    map[[3]string]int64
}

func newStatsAccumulator() *statsAccumulator {
	return &statsAccumulator{
		countries: make(map[string]int64),
		regions:   make(map[[2]string]int64),
		cities:    make(map[[3]string]int64),
	}
}

func (a *statsAccumulator) add(r geo.Record) {
	a.total++
	if r.Country != geo.Unknown {
		a.countries[r.Country]++
	}
	if r.Region != geo.Unknown {
		a.regions[[2]string{r.Region, r.Country}]++
	}
	if r.City != geo.Unknown {
		a.cities[[3]string{r.City, r.Region, r.Country}]++
	}
	if r.Country == geo.Unknown || r.Region == geo.Unknown || r.City == geo.Unknown {
		a.unknown++
	}
	if isErrorSentinel(r.Country) || isErrorSentinel(r.Region) || isErrorSentinel(r.City) {
		a.errors++
	}
}

func isErrorSentinel(v string) bool { return v == geo.Error || v == geo.NetworkError }

func (a *statsAccumulator) result(top int) *Stats {
	s := &Stats{Total: a.total, Unknown: a.unknown, Errors: a.errors}
	s.TopCountries = make([]CountryCount, 0, len(a.countries))
	for k, v := range a.countries {
		s.TopCountries = append(s.TopCountries, CountryCount{Country: k, Count: v})
	}
	sort.Slice(s.TopCountries, func(i, j int) bool {
		x, y := s.TopCountries[i], s.TopCountries[j]
		if x.Count != y.Count {
			return x.Count > y.Count
		}
		return x.Country < y.Country
	})
	s.TopRegions = make([]RegionCount, 0, len(a.regions))
	for k, v := range a.regions {
		s.TopRegions = append(s.TopRegions, RegionCount{Region: k[0], Country: k[1], Count: v})
	}
	sort.Slice(s.TopRegions, func(i, j int) bool {
		x, y := s.TopRegions[i], s.TopRegions[j]
		if x.Count != y.Count {
			return x.Count > y.Count
		}
		if x.Region != y.Region {
			return x.Region < y.Region
		}
		return x.Country < y.Country
	})
	s.TopCities = make([]CityCount, 0, len(a.cities))
	for k, v := range a.cities {
		s.TopCities = append(s.TopCities, CityCount{City: k[0], Region: k[1], Country: k[2], Count: v})
	}
	sort.Slice(s.TopCities, func(i, j int) bool {
		x, y := s.TopCities[i], s.TopCities[j]
		if x.Count != y.Count {
			return x.Count > y.Count
		}
		if x.City != y.City {
			return x.City < y.City
		}
		if x.Region != y.Region {
			return x.Region < y.Region
		}
		return x.Country < y.Country
	})
	if len(s.TopCountries) > top {
		s.TopCountries = s.TopCountries[:top]
	}
	if len(s.TopRegions) > top {
		s.TopRegions = s.TopRegions[:top]
	}
	if len(s.TopCities) > top {
		s.TopCities = s.TopCities[:top]
	}
	return s
}

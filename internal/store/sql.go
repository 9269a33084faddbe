package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"ip-geocache/internal/geo"
	"ip-geocache/internal/logger"
	"ip-geocache/internal/migrate"
)

// SQLStore：PostgreSQL / SQLite 共用实现，语句以 ? 书写并按方言改写占位符
type SQLStore struct {
	db      *sql.DB
	dialect migrate.Dialect
	closed  atomic.Bool
	now     func() time.Time

	selectSQL string
	upsertSQL string
}

// 文档注释：挂载已打开的连接并执行幂等迁移
// 约束：连接所有权转移给 SQLStore，Close 时一并关闭。
func NewSQL(ctx context.Context, db *sql.DB, d migrate.Dialect) (*SQLStore, error) {
	if err := migrate.EnsureSchema(ctx, db, d); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return AttachSQL(db, d), nil
}

// AttachSQL：不执行迁移直接挂载（测试与只读工具）
func AttachSQL(db *sql.DB, d migrate.Dialect) *SQLStore {
	cols := migrate.ColumnNames()
	s := &SQLStore{db: db, dialect: d, now: time.Now}
	s.selectSQL = s.rebind("SELECT " + strings.Join(cols, ", ") + " FROM " + migrate.Table + " WHERE ip = ?")
	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	s.upsertSQL = s.rebind("INSERT INTO " + migrate.Table + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ") ON CONFLICT (ip) DO UPDATE SET " +
		strings.Join(sets, ", "))
	return s
}

// rebind：PostgreSQL 使用 $n 占位符
func (s *SQLStore) rebind(q string) string {
	if s.dialect != migrate.Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Get(ctx context.Context, ip string) (geo.Record, bool, error) {
	if s.closed.Load() {
		return geo.Record{}, false, ErrClosed
	}
	var r geo.Record
	var status, continent, continentCode, country, countryCode sql.NullString
	var region, regionCode, city, district, zip, tz sql.NullString
	var currency, isp, org, asNumber, asName sql.NullString
	var lat, lon sql.NullFloat64
	var offset, updatedAt sql.NullInt64
	var mobile, proxy, hosting sql.NullBool
	err := s.db.QueryRowContext(ctx, s.selectSQL, ip).Scan(
		&r.IP, &status, &continent, &continentCode, &country, &countryCode,
		&region, &regionCode, &city, &district, &zip, &lat, &lon, &tz, &offset,
		&currency, &isp, &org, &asNumber, &asName, &mobile, &proxy, &hosting, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return geo.Record{}, false, nil
	}
	if err != nil {
		return geo.Record{}, false, fmt.Errorf("store: get %s: %w", ip, err)
	}
	r.Status = status.String
	r.Continent = continent.String
	r.ContinentCode = continentCode.String
	r.Country = country.String
	r.CountryCode = countryCode.String
	r.Region = region.String
	r.RegionCode = regionCode.String
	r.City = city.String
	r.District = district.String
	r.Zip = zip.String
	r.Latitude = lat.Float64
	r.Longitude = lon.Float64
	r.Timezone = tz.String
	r.UTCOffset = offset.Int64
	r.Currency = currency.String
	r.ISP = isp.String
	r.Org = org.String
	r.ASNumber = asNumber.String
	r.ASName = asName.String
	r.Mobile = mobile.Bool
	r.Proxy = proxy.Bool
	r.Hosting = hosting.Bool
	r.UpdatedAt = updatedAt.Int64
	return r, true, nil
}

func (s *SQLStore) Put(ctx context.Context, r geo.Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if r.IP == "" {
		return errors.New("store: empty ip")
	}
	_, err := s.db.ExecContext(ctx, s.upsertSQL,
		r.IP, r.Status, r.Continent, r.ContinentCode, r.Country, r.CountryCode,
		r.Region, r.RegionCode, r.City, r.District, r.Zip, r.Latitude, r.Longitude, r.Timezone, r.UTCOffset,
		r.Currency, r.ISP, r.Org, r.ASNumber, r.ASName, r.Mobile, r.Proxy, r.Hosting, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: put %s: %w", r.IP, err)
	}
	logger.L().Debug("store_put", "ip", r.IP, "status", r.Status)
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, ip string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM "+migrate.Table+" WHERE ip = ?"), ip); err != nil {
		return fmt.Errorf("store: delete %s: %w", ip, err)
	}
	return nil
}

func (s *SQLStore) DeleteAll(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+migrate.Table)
	if err != nil {
		return 0, fmt.Errorf("store: delete all: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete all: %w", err)
	}
	logger.L().Info("store_delete_all", "rows", n)
	return n, nil
}

func (s *SQLStore) SelectProblem(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ph := geo.Placeholders()
	in := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(ph)), ", ") + ")"
	q := s.rebind("SELECT ip FROM " + migrate.Table +
		" WHERE status <> ? OR country IN " + in + " OR region IN " + in + " OR city IN " + in + " ORDER BY ip")
	args := []any{geo.StatusSuccess}
	for i := 0; i < 3; i++ {
		for _, p := range ph {
			args = append(args, p)
		}
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: select problem: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("store: select problem: %w", err)
		}
		out = append(out, ip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: select problem: %w", err)
	}
	return out, nil
}

// 文档注释：缓存统计
// 背景：聚合在数据库侧完成；同计数按名称升序，保证排行稳定。
func (s *SQLStore) Stats(ctx context.Context, top int) (*Stats, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if top <= 0 {
		top = DefaultTop
	}
	st := &Stats{}
	t := migrate.Table
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t).Scan(&st.Total); err != nil {
		return nil, fmt.Errorf("store: stats total: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT country, COUNT(*) AS n FROM "+t+
		" WHERE country IS NOT NULL AND country <> ? GROUP BY country ORDER BY n DESC, country LIMIT ?"), geo.Unknown, top)
	if err != nil {
		return nil, fmt.Errorf("store: stats countries: %w", err)
	}
	st.TopCountries = []CountryCount{}
	for rows.Next() {
		var c CountryCount
		if err := rows.Scan(&c.Country, &c.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: stats countries: %w", err)
		}
		st.TopCountries = append(st.TopCountries, c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("store: stats countries: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, s.rebind("SELECT region, COALESCE(country, ''), COUNT(*) AS n FROM "+t+
		" WHERE region IS NOT NULL AND region <> ? GROUP BY region, country ORDER BY n DESC, region, country LIMIT ?"), geo.Unknown, top)
	if err != nil {
		return nil, fmt.Errorf("store: stats regions: %w", err)
	}
	st.TopRegions = []RegionCount{}
	for rows.Next() {
		var c RegionCount
		if err := rows.Scan(&c.Region, &c.Country, &c.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: stats regions: %w", err)
		}
		st.TopRegions = append(st.TopRegions, c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("store: stats regions: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, s.rebind("SELECT city, COALESCE(region, ''), COALESCE(country, ''), COUNT(*) AS n FROM "+t+
		" WHERE city IS NOT NULL AND city <> ? GROUP BY city, region, country ORDER BY n DESC, city, region, country LIMIT ?"), geo.Unknown, top)
	if err != nil {
		return nil, fmt.Errorf("store: stats cities: %w", err)
	}
	st.TopCities = []CityCount{}
	for rows.Next() {
		var c CityCount
		if err := rows.Scan(&c.City, &c.Region, &c.Country, &c.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: stats cities: %w", err)
		}
		st.TopCities = append(st.TopCities, c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("store: stats cities: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM "+t+
		" WHERE country = ? OR region = ? OR city = ?"), geo.Unknown, geo.Unknown, geo.Unknown).Scan(&st.Unknown); err != nil {
		return nil, fmt.Errorf("store: stats unknown: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM "+t+
		" WHERE country IN (?, ?) OR region IN (?, ?) OR city IN (?, ?)"),
		geo.Error, geo.NetworkError, geo.Error, geo.NetworkError, geo.Error, geo.NetworkError).Scan(&st.Errors); err != nil {
		return nil, fmt.Errorf("store: stats errors: %w", err)
	}
	return st, nil
}

func (s *SQLStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

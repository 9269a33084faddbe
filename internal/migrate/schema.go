// 包 migrate：缓存表结构的幂等迁移
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"ip-geocache/internal/logger"
)

// Dialect：SQL 方言，决定列探测方式与占位符风格
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Table：缓存表名；沿用历史名称，旧库原地升级
const Table = "ip_cache"

// Column：声明式列定义；Def 为 ADD COLUMN 时使用的类型与默认值
type Column struct {
	Name string
	Def  string
}

// 文档注释：缓存表的全部列（ip 主键除外），顺序即读写顺序
// 约束：只允许在末尾追加；类型名需同时被 PostgreSQL 与 SQLite 接受。
var Columns = []Column{
	{"status", "TEXT NOT NULL DEFAULT 'success'"},
	{"continent", "TEXT"},
	{"continent_code", "TEXT"},
	{"country", "TEXT"},
	{"country_code", "TEXT"},
	{"region", "TEXT"},
	{"region_code", "TEXT"},
	{"city", "TEXT"},
	{"district", "TEXT"},
	{"zip", "TEXT"},
	{"latitude", "DOUBLE PRECISION"},
	{"longitude", "DOUBLE PRECISION"},
	{"timezone", "TEXT"},
	{"utc_offset", "BIGINT"},
	{"currency", "TEXT"},
	{"isp", "TEXT"},
	{"org", "TEXT"},
	{"as_number", "TEXT"},
	{"as_name", "TEXT"},
	{"mobile", "BOOLEAN"},
	{"proxy", "BOOLEAN"},
	{"hosting", "BOOLEAN"},
	{"updated_at", "BIGINT"},
}

// ColumnNames：ip 在首位的完整列名列表
func ColumnNames() []string {
	out := make([]string, 0, len(Columns)+1)
	out = append(out, "ip")
	for _, c := range Columns {
		out = append(out, c.Name)
	}
	return out
}

// 背景：首次运行建表；历史库缺失的列逐个追加，已有数据保持可读
// 约束：只增不删不改名；重复执行无副作用
func EnsureSchema(ctx context.Context, db *sql.DB, d Dialect) error {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS " + Table + " (ip TEXT PRIMARY KEY")
	for _, c := range Columns {
		b.WriteString(", " + c.Name + " " + c.Def)
	}
	b.WriteString(")")
	if _, err := db.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("create %s: %w", Table, err)
	}
	have, err := existingColumns(ctx, db, d)
	if err != nil {
		return err
	}
	for _, c := range Columns {
		if have[c.Name] {
			continue
		}
		logger.L().Info("schema_add_column", "table", Table, "column", c.Name)
		if _, err := db.ExecContext(ctx, "ALTER TABLE "+Table+" ADD COLUMN "+c.Name+" "+c.Def); err != nil {
			return fmt.Errorf("add column %s: %w", c.Name, err)
		}
	}
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_ip_cache_status ON " + Table + "(status)",
		"CREATE INDEX IF NOT EXISTS idx_ip_cache_country ON " + Table + "(country)",
	}
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("schema index: %w", err)
		}
	}
	logger.L().Debug("schema_done", "dialect", string(d))
	return nil
}

func existingColumns(ctx context.Context, db *sql.DB, d Dialect) (map[string]bool, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch d {
	case Postgres:
		rows, err = db.QueryContext(ctx,
			"SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1", Table)
	case SQLite:
		rows, err = db.QueryContext(ctx, "SELECT name FROM pragma_table_info('"+Table+"')")
	default:
		return nil, fmt.Errorf("unknown dialect %q", d)
	}
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[strings.ToLower(name)] = true
	}
	return out, rows.Err()
}

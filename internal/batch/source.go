package batch

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultIPColumn：源数据中承载 IP 的列名
const DefaultIPColumn = "client_ip"

// Table：按列名组织的行数据，全部载入内存以便预先统计总量
type Table struct {
	Columns []string
	Rows    [][]string
}

// ColumnIndex：列名下标，不存在返回 -1
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Source：一批待解析的 IP 行，Label 用于事件与产物命名
type Source interface {
	Label() string
	Load(ctx context.Context) (*Table, error)
}

// ErrReadFailed：上传或读取阶段即失败的源
var ErrReadFailed = errors.New("failed to read file")

// CSVSource：CSV 字节内容；ReadErr 非空表示读取阶段已失败
type CSVSource struct {
	Name    string
	Data    []byte
	ReadErr error
}

func (s CSVSource) Label() string { return s.Name }

func (s CSVSource) Load(ctx context.Context) (*Table, error) {
	if s.ReadErr != nil || s.Data == nil {
		return nil, ErrReadFailed
	}
	return ParseCSV(bytes.NewReader(s.Data))
}

// FileSource：从本地路径读取 CSV（命令行使用）
func FileSource(path string) CSVSource {
	b, err := os.ReadFile(path)
	return CSVSource{Name: filepath.Base(path), Data: b, ReadErr: err}
}

// ParseCSV：首行为表头；短行补空，空文件视为错误
func ParseCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("empty csv")
	}
	if err != nil {
		return nil, fmt.Errorf("parse csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	t := &Table{Columns: header}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		for len(rec) < len(header) {
			rec = append(rec, "")
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// 文档注释：外部数据库查询结果作为批处理源
// 背景：连接由宿主提供（凭据存储不在本模块职责内）；所有值转为文本，NULL 为空串。
type QuerySource struct {
	DB    *sql.DB
	Name  string
	Query string
	Args  []any
}

func (s QuerySource) Label() string { return s.Name }

func (s QuerySource) Load(ctx context.Context) (*Table, error) {
	if s.DB == nil {
		return nil, errors.New("query source: db is nil")
	}
	rows, err := s.DB.QueryContext(ctx, s.Query, s.Args...)
	if err != nil {
		return nil, fmt.Errorf("query source: %w", err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query source: %w", err)
	}
	t := &Table{Columns: cols}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("query source: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = stringify(v)
		}
		t.Rows = append(t.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query source: %w", err)
	}
	return t, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

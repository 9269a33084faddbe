package batch

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactSink：每个源处理完成后的产物输出
type ArtifactSink interface {
	Write(ctx context.Context, name string, t *Table) error
}

// DefaultResultsDir：产物默认目录
const DefaultResultsDir = "results"

// 文档注释：写入本地目录的 CSV 产物
// 约束：先写临时文件再原子改名，半成品不可见；名称只取 base，防止路径穿越。
type DirSink struct {
	Dir string
}

func (s DirSink) Write(ctx context.Context, name string, t *Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.Dir
	if dir == "" {
		dir = DefaultResultsDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("artifact temp: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	w := csv.NewWriter(f)
	if err := w.Write(t.Columns); err != nil {
		f.Close()
		return fmt.Errorf("artifact write: %w", err)
	}
	if err := w.WriteAll(t.Rows); err != nil {
		f.Close()
		return fmt.Errorf("artifact write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("artifact close: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, filepath.Base(name))); err != nil {
		return fmt.Errorf("artifact rename: %w", err)
	}
	return nil
}

// ArtifactName：processed_<label>，缺少 .csv 后缀时补齐
func ArtifactName(label string) string {
	base := filepath.Base(label)
	if !strings.HasSuffix(strings.ToLower(base), ".csv") {
		base += ".csv"
	}
	return "processed_" + base
}

// 包 store：IP 归属地缓存的持久化层
// 背景：每个 IP 恰好一行，写入即整行替换；后端可选 PostgreSQL、SQLite、Pebble，Redis 作为可选热层叠加在任一后端之前。
package store

import (
	"context"
	"errors"

	"ip-geocache/internal/geo"
)

// ErrClosed：存储已关闭后的任何调用
var ErrClosed = errors.New("store: closed")

// 文档注释：缓存存储契约
// 约束：仅保证单记录原子性；Put 为按 ip 的幂等 upsert，后写者胜出，不做字段合并。
type Store interface {
	Get(ctx context.Context, ip string) (geo.Record, bool, error)
	Put(ctx context.Context, rec geo.Record) error
	Delete(ctx context.Context, ip string) error
	DeleteAll(ctx context.Context) (int64, error)
	// SelectProblem：状态非 success 或国家/地区/城市为占位值的 IP 列表
	SelectProblem(ctx context.Context) ([]string, error)
	Stats(ctx context.Context, top int) (*Stats, error)
	Close() error
}

// DefaultTop：统计排行默认条数
const DefaultTop = 10

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	jsoniter "github.com/json-iterator/go"

	"ip-geocache/internal/geo"
	"ip-geocache/internal/logger"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// 键空间：ip|<ip>；上界取 '|' 的后继字符
var (
	pebblePrefix = []byte("ip|")
	pebbleUpper  = []byte("ip}")
)

// 文档注释：Pebble 嵌入式 KV 后端
// 背景：无需外部服务的单机部署；值为 JSON 编码的完整记录。
// 约束：写入使用 pebble.Sync；全表扫描类操作（问题筛选、统计）在进程内完成。
type PebbleStore struct {
	mu     sync.RWMutex
	db     *pebble.DB
	cache  *pebble.Cache
	closed bool
	now    func() time.Time
}

// OpenPebble：打开或创建 path 下的 Pebble 库；cacheBytes<=0 时使用默认块缓存
func OpenPebble(path string, cacheBytes int64) (*PebbleStore, error) {
	if path == "" {
		return nil, errors.New("store: pebble path is empty")
	}
	opts := &pebble.Options{}
	if cacheBytes > 0 {
		opts.Cache = pebble.NewCache(cacheBytes)
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		if opts.Cache != nil {
			opts.Cache.Unref()
		}
		return nil, fmt.Errorf("store: pebble open: %w", err)
	}
	return &PebbleStore{db: db, cache: opts.Cache, now: time.Now}, nil
}

func pebbleKey(ip string) []byte {
	k := make([]byte, 0, len(pebblePrefix)+len(ip))
	k = append(k, pebblePrefix...)
	return append(k, ip...)
}

func (s *PebbleStore) Get(ctx context.Context, ip string) (geo.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return geo.Record{}, false, ErrClosed
	}
	value, closer, err := s.db.Get(pebbleKey(ip))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return geo.Record{}, false, nil
		}
		return geo.Record{}, false, fmt.Errorf("store: pebble get %s: %w", ip, err)
	}
	defer closer.Close()
	var r geo.Record
	if err := codec.Unmarshal(value, &r); err != nil {
		return geo.Record{}, false, fmt.Errorf("store: pebble decode %s: %w", ip, err)
	}
	return r, true, nil
}

func (s *PebbleStore) Put(ctx context.Context, r geo.Record) error {
	if r.IP == "" {
		return errors.New("store: empty ip")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	r.UpdatedAt = s.now().Unix()
	b, err := codec.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: pebble encode %s: %w", r.IP, err)
	}
	if err := s.db.Set(pebbleKey(r.IP), b, pebble.Sync); err != nil {
		return fmt.Errorf("store: pebble put %s: %w", r.IP, err)
	}
	logger.L().Debug("store_put", "ip", r.IP, "status", r.Status)
	return nil
}

func (s *PebbleStore) Delete(ctx context.Context, ip string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.db.Delete(pebbleKey(ip), pebble.Sync); err != nil {
		return fmt.Errorf("store: pebble delete %s: %w", ip, err)
	}
	return nil
}

// scan：遍历全部记录；fn 返回错误时终止
func (s *PebbleStore) scan(ctx context.Context, fn func(geo.Record) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: pebblePrefix, UpperBound: pebbleUpper})
	if err != nil {
		return fmt.Errorf("store: pebble iter: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var r geo.Record
		if err := codec.Unmarshal(iter.Value(), &r); err != nil {
			logger.L().Warn("store_pebble_decode_error", "key", string(iter.Key()), "err", err)
			continue
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) DeleteAll(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int64
	if err := s.scan(ctx, func(geo.Record) error { n++; return nil }); err != nil {
		return 0, err
	}
	if err := s.db.DeleteRange(pebblePrefix, pebbleUpper, pebble.Sync); err != nil {
		return 0, fmt.Errorf("store: pebble delete all: %w", err)
	}
	logger.L().Info("store_delete_all", "rows", n)
	return n, nil
}

func (s *PebbleStore) SelectProblem(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []string
	err := s.scan(ctx, func(r geo.Record) error {
		if r.Problem() {
			out = append(out, r.IP)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PebbleStore) Stats(ctx context.Context, top int) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if top <= 0 {
		top = DefaultTop
	}
	acc := newStatsAccumulator()
	if err := s.scan(ctx, func(r geo.Record) error { acc.add(r); return nil }); err != nil {
		return nil, err
	}
	return acc.result(top), nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
	}
	return err
}

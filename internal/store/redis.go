package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ip-geocache/internal/geo"
	"ip-geocache/internal/logger"
	"ip-geocache/internal/metrics"
)

// DefaultRedisTTL：热层记录过期时间
const DefaultRedisTTL = 24 * time.Hour

// 文档注释：Redis 热层
// 背景：读路径先查 Redis，未命中回落到持久后端并回填；写与删穿透到后端后使 Redis 条目失效。
// 约束：后端始终为权威数据源；Redis 的任何错误只记日志与指标，不影响调用结果。
// 每个 IP 带一个版本令牌（geo:ver:<ip>），写入时更新；回填前后令牌（含全局 epoch）不一致即放弃回填，
// 避免读到旧值的回填覆盖并发写入的结果。
type Tiered struct {
	Store
	rc  *redis.Client
	ttl time.Duration
}

// WithRedis：在 base 之前叠加热层；rc 为 nil 时原样返回 base
func WithRedis(base Store, rc *redis.Client, ttl time.Duration) Store {
	if rc == nil {
		return base
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &Tiered{Store: base, rc: rc, ttl: ttl}
}

// redisEpochKey：DeleteAll 时更新，不匹配 geo:* 扫描
const redisEpochKey = "geocache:epoch"

func redisKey(ip string) string        { return "geo:" + ip }
func redisVersionKey(ip string) string { return "geo:ver:" + ip }

var errTierStale = errors.New("redis tier: version changed")

// mgetter：*redis.Client 与 WATCH 中的 *redis.Tx 共有的读取能力
type mgetter interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

func (t *Tiered) Get(ctx context.Context, ip string) (geo.Record, bool, error) {
	s, err := t.rc.Get(ctx, redisKey(ip)).Result()
	switch {
	case err == nil:
		var r geo.Record
		if uerr := codec.UnmarshalFromString(s, &r); uerr == nil {
			metrics.CacheTierTotal.WithLabelValues("hit").Inc()
			return r, true, nil
		}
		logger.L().Warn("redis_tier_decode_error", "ip", ip)
	case errors.Is(err, redis.Nil):
		metrics.CacheTierTotal.WithLabelValues("miss").Inc()
	default:
		metrics.CacheTierTotal.WithLabelValues("error").Inc()
		logger.L().Warn("redis_tier_get_error", "ip", ip, "err", err)
	}
	// 令牌须在读后端之前取得
	stamp, serr := t.stamp(ctx, t.rc, ip)
	r, ok, err := t.Store.Get(ctx, ip)
	if err != nil || !ok {
		return r, ok, err
	}
	if serr == nil {
		t.backfill(ctx, r, stamp)
	}
	return r, true, nil
}

func (t *Tiered) Put(ctx context.Context, r geo.Record) error {
	if err := t.Store.Put(ctx, r); err != nil {
		return err
	}
	t.invalidate(ctx, r.IP)
	return nil
}

func (t *Tiered) Delete(ctx context.Context, ip string) error {
	if err := t.Store.Delete(ctx, ip); err != nil {
		return err
	}
	t.invalidate(ctx, ip)
	return nil
}

// DeleteAll：更新全局 epoch 并按 geo:* 前缀扫描清理热层（含版本令牌）
func (t *Tiered) DeleteAll(ctx context.Context) (int64, error) {
	n, err := t.Store.DeleteAll(ctx)
	if err != nil {
		return n, err
	}
	if err := t.rc.Set(ctx, redisEpochKey, uuid.NewString(), 0).Err(); err != nil {
		metrics.CacheTierTotal.WithLabelValues("error").Inc()
		logger.L().Warn("redis_tier_epoch_error", "err", err)
	}
	iter := t.rc.Scan(ctx, 0, redisKey("*"), 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 500 {
			t.del(ctx, keys)
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		metrics.CacheTierTotal.WithLabelValues("error").Inc()
		logger.L().Warn("redis_tier_scan_error", "err", err)
	}
	if len(keys) > 0 {
		t.del(ctx, keys)
	}
	return n, nil
}

func (t *Tiered) del(ctx context.Context, keys []string) {
	if err := t.rc.Del(ctx, keys...).Err(); err != nil {
		metrics.CacheTierTotal.WithLabelValues("error").Inc()
		logger.L().Warn("redis_tier_del_error", "keys", len(keys), "err", err)
	}
}

// stamp：IP 版本令牌与全局 epoch 的组合，缺失的键记为 "-"
func (t *Tiered) stamp(ctx context.Context, c mgetter, ip string) (string, error) {
	vals, err := c.MGet(ctx, redisVersionKey(ip), redisEpochKey).Result()
	if err != nil {
		return "", err
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			parts[i] = s
		} else {
			parts[i] = "-"
		}
	}
	return strings.Join(parts, "|"), nil
}

// invalidate：更新版本令牌并删除缓存值，进行中的回填随之作废
func (t *Tiered) invalidate(ctx context.Context, ip string) {
	_, err := t.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, redisVersionKey(ip), uuid.NewString(), t.ttl)
		p.Del(ctx, redisKey(ip))
		return nil
	})
	if err != nil {
		metrics.CacheTierTotal.WithLabelValues("error").Inc()
		logger.L().Warn("redis_tier_invalidate_error", "ip", ip, "err", err)
	}
}

// backfill：仅当令牌自读后端前未变化时写入（WATCH 事务）
func (t *Tiered) backfill(ctx context.Context, r geo.Record, stamp string) {
	b, err := codec.MarshalToString(r)
	if err != nil {
		return
	}
	err = t.rc.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := t.stamp(ctx, tx, r.IP)
		if err != nil {
			return err
		}
		if cur != stamp {
			return errTierStale
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, redisKey(r.IP), b, t.ttl)
			return nil
		})
		return err
	}, redisVersionKey(r.IP), redisEpochKey)
	switch {
	case err == nil:
	case errors.Is(err, errTierStale), errors.Is(err, redis.TxFailedErr):
		metrics.CacheTierTotal.WithLabelValues("stale").Inc()
		logger.L().Debug("redis_tier_backfill_skipped", "ip", r.IP)
	default:
		metrics.CacheTierTotal.WithLabelValues("error").Inc()
		logger.L().Warn("redis_tier_set_error", "ip", r.IP, "err", err)
	}
}

// Close：关闭后端；Redis 客户端由创建方管理
func (t *Tiered) Close() error { return t.Store.Close() }

// 包 resolver：单个 IP 的“查缓存 → 上游查询（含重试退避）→ 落库”流程
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ip-geocache/internal/geo"
	"ip-geocache/internal/logger"
	"ip-geocache/internal/metrics"
	"ip-geocache/internal/store"
	"ip-geocache/internal/upstream"
)

type Resolver struct {
	log    *slog.Logger
	store  store.Store
	up     upstream.Fetcher
	pacer  Pacer
	policy Policy
}

func New(st store.Store, up upstream.Fetcher, pacer Pacer, policy Policy) (*Resolver, error) {
	if st == nil {
		return nil, errors.New("store is nil")
	}
	if up == nil {
		return nil, errors.New("upstream is nil")
	}
	if pacer == nil {
		pacer = NewClockPacer(nil)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &Resolver{log: logger.L(), store: st, up: up, pacer: pacer, policy: policy}, nil
}

func (r *Resolver) Policy() Policy { return r.policy }

// 文档注释：解析单个 IP
// 背景：缓存命中直接返回，不访问上游也不等待；未命中时按策略查询上游，任何结果（含失败）都写入缓存。
// 参数：paced 为 true 时在首次上游调用前等待 RequestDelay（批处理使用）。
// 返回：仅在缓存读写失败或 ctx 取消时返回错误；取消时不写入任何记录。
func (r *Resolver) Resolve(ctx context.Context, ip string, paced bool) (geo.Record, error) {
	if err := ctx.Err(); err != nil {
		return geo.Record{}, err
	}
	rec, ok, err := r.store.Get(ctx, ip)
	if err != nil {
		return geo.Record{}, fmt.Errorf("resolve %s: %w", ip, err)
	}
	if ok {
		metrics.LookupsTotal.WithLabelValues("cache_hit").Inc()
		r.log.Debug("resolve_cache_hit", "ip", ip)
		return rec, nil
	}
	if paced {
		if err := r.pacer.Wait(ctx, r.policy.RequestDelay); err != nil {
			return geo.Record{}, err
		}
	}
	rec, err = r.fetch(ctx, ip)
	if err != nil {
		return geo.Record{}, err
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return geo.Record{}, fmt.Errorf("resolve %s: %w", ip, err)
	}
	metrics.LookupsTotal.WithLabelValues(rec.Status).Inc()
	r.log.Debug("resolve_done", "ip", ip, "status", rec.Status, "country", rec.Country, "city", rec.City)
	return rec, nil
}

// fetch：有界重试；返回的 error 只可能来自 ctx
func (r *Resolver) fetch(ctx context.Context, ip string) (geo.Record, error) {
	b := r.policy.newBackOff()
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		last := attempt == r.policy.MaxAttempts-1
		actx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		p, err := r.up.Fetch(actx, ip)
		cancel()
		if cerr := ctx.Err(); cerr != nil {
			return geo.Record{}, cerr
		}
		var reason string
		switch {
		case err == nil && p == nil:
			r.log.Error("resolve_empty_payload", "ip", ip)
			return geo.ErrorRecord(ip, geo.Error), nil
		case err == nil && p.Success():
			return p.Record(ip), nil
		case err == nil:
			r.log.Debug("resolve_upstream_fail", "ip", ip, "message", p.Message)
			return geo.FailRecord(ip), nil
		case errors.Is(err, upstream.ErrRateLimited):
			if last {
				r.log.Warn("resolve_rate_limit_exhausted", "ip", ip, "attempts", attempt+1)
				return geo.ErrorRecord(ip, geo.Error), nil
			}
			reason = "rate_limited"
		case upstream.IsTransport(err):
			if last {
				r.log.Warn("resolve_network_error", "ip", ip, "attempts", attempt+1, "err", err)
				return geo.ErrorRecord(ip, geo.NetworkError), nil
			}
			reason = "transport"
		default:
			r.log.Error("resolve_unexpected_error", "ip", ip, "err", err)
			return geo.ErrorRecord(ip, geo.Error), nil
		}
		wait := b.NextBackOff()
		metrics.RetryWaitsTotal.WithLabelValues(reason).Inc()
		r.log.Debug("resolve_retry_wait", "ip", ip, "attempt", attempt, "reason", reason, "wait", wait)
		if err := r.pacer.Wait(ctx, wait); err != nil {
			return geo.Record{}, err
		}
	}
	return geo.ErrorRecord(ip, geo.Error), nil
}

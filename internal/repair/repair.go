// 包 repair：对缓存中的问题记录重新查询上游，仅在拿到真实归属地时整行替换
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ip-geocache/internal/logger"
	"ip-geocache/internal/metrics"
	"ip-geocache/internal/resolver"
	"ip-geocache/internal/store"
	"ip-geocache/internal/upstream"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultInterval = 100 * time.Millisecond
)

// Result：Total 为候选数，Fixed 为成功替换数
type Result struct {
	Fixed int `json:"fixed"`
	Total int `json:"total"`
}

type Sweeper struct {
	Store    store.Store
	Upstream upstream.Fetcher
	Pacer    resolver.Pacer
	Timeout  time.Duration
	Interval time.Duration

	log *slog.Logger
}

func New(st store.Store, up upstream.Fetcher, pacer resolver.Pacer) (*Sweeper, error) {
	if st == nil {
		return nil, errors.New("store is nil")
	}
	if up == nil {
		return nil, errors.New("upstream is nil")
	}
	if pacer == nil {
		pacer = resolver.NewClockPacer(nil)
	}
	return &Sweeper{
		Store:    st,
		Upstream: up,
		Pacer:    pacer,
		Timeout:  DefaultTimeout,
		Interval: DefaultInterval,
		log:      logger.L(),
	}, nil
}

// 文档注释：执行一次修复扫描
// 背景：
// 1. 取出全部问题记录（状态非 success 或国家/地区/城市含占位值）；
// 2. 每个候选只查询一次上游，不重试；
// 3. 仅当返回 success 且国家/地区/城市不全为占位值时整行写回，否则保持原记录不动；
// 4. 相邻候选之间固定等待 Interval。
// 返回：候选查询失败或写回失败时终止并返回已完成的计数；ctx 取消时返回部分计数与 ctx 错误。
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	var res Result
	ips, err := s.Store.SelectProblem(ctx)
	if err != nil {
		return res, fmt.Errorf("repair: select candidates: %w", err)
	}
	res.Total = len(ips)
	metrics.RepairCandidatesTotal.Add(float64(len(ips)))
	s.log.Info("repair_start", "candidates", res.Total)

	for i, ip := range ips {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if i > 0 {
			if err := s.Pacer.Wait(ctx, s.Interval); err != nil {
				return res, err
			}
		}
		fixed, err := s.fixOne(ctx, ip)
		if err != nil {
			return res, err
		}
		if fixed {
			res.Fixed++
			metrics.RepairFixedTotal.Inc()
		}
	}
	s.log.Info("repair_done", "fixed", res.Fixed, "total", res.Total)
	return res, nil
}

func (s *Sweeper) fixOne(ctx context.Context, ip string) (bool, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	p, err := s.Upstream.Fetch(actx, ip)
	cancel()
	if cerr := ctx.Err(); cerr != nil {
		return false, cerr
	}
	if err != nil {
		s.log.Warn("repair_fetch_error", "ip", ip, "err", err)
		return false, nil
	}
	if !p.Success() {
		s.log.Debug("repair_upstream_fail", "ip", ip, "message", p.Message)
		return false, nil
	}
	rec := p.Record(ip)
	if !rec.Resolved() {
		s.log.Debug("repair_still_unknown", "ip", ip)
		return false, nil
	}
	if err := s.Store.Put(ctx, rec); err != nil {
		return false, fmt.Errorf("repair: %w", err)
	}
	s.log.Debug("repair_fixed", "ip", ip, "country", rec.Country, "city", rec.City)
	return true, nil
}

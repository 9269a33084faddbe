// 包 jobs：后台批处理任务，进度快照写入 MetaStore 供轮询
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"

	"ip-geocache/internal/batch"
	"ip-geocache/internal/logger"
	"ip-geocache/internal/metrics"
)

// DefaultWorkers：同时执行的任务数
const DefaultWorkers = 2

// Runner：批处理驱动契约（*batch.Driver）
type Runner interface {
	Run(ctx context.Context, sources []batch.Source, emit func(batch.Event)) error
}

type Manager struct {
	runner Runner
	meta   MetaStore
	pool   pond.Pool
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

func NewManager(r Runner, meta MetaStore, workers int) *Manager {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if meta == nil {
		meta = NewMemoryMeta()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runner: r,
		meta:   meta,
		pool:   pond.NewPool(workers),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		log:    logger.L(),
	}
}

// 文档注释：排队一次批处理并立即返回任务 ID
// 背景：任务在独立上下文中执行，与提交方请求的生命周期无关；没有轮询方时产物照常落盘。
func (m *Manager) Submit(ctx context.Context, sources []batch.Source) (string, error) {
	id := uuid.NewString()
	ts := m.now().Unix()
	snap := Snapshot{ID: id, Status: StatusQueued, Results: []batch.Event{}, CreatedAt: ts, UpdatedAt: ts}
	if err := m.meta.Save(ctx, snap); err != nil {
		return "", err
	}
	if err := m.pool.Go(func() { m.run(snap, sources) }); err != nil {
		return "", fmt.Errorf("jobs: submit: %w", err)
	}
	m.log.Info("job_submitted", "id", id, "sources", len(sources))
	return id, nil
}

func (m *Manager) Get(ctx context.Context, id string) (Snapshot, error) {
	return m.meta.Load(ctx, id)
}

func (m *Manager) run(snap Snapshot, sources []batch.Source) {
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	snap.Status = StatusRunning
	m.save(&snap)
	err := m.runner.Run(m.ctx, sources, func(e batch.Event) {
		snap.apply(e)
		m.save(&snap)
	})
	if err != nil {
		snap.Status = StatusFailed
		if snap.Error == "" {
			snap.Error = err.Error()
		}
		m.log.Error("job_failed", "id", snap.ID, "err", err)
	} else {
		snap.Status = StatusFinished
		m.log.Info("job_finished", "id", snap.ID, "sources", len(snap.Results))
	}
	m.save(&snap)
}

func (m *Manager) save(s *Snapshot) {
	s.UpdatedAt = m.now().Unix()
	if err := m.meta.Save(context.WithoutCancel(m.ctx), *s); err != nil {
		m.log.Warn("job_meta_save_error", "id", s.ID, "err", err)
	}
}

// Close：不再接受新任务，等待已排队任务完成；ctx 到期则取消运行中的任务
func (m *Manager) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.pool.StopAndWait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return fmt.Errorf("jobs: close: %w", ctx.Err())
	}
}

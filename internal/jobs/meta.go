package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"ip-geocache/internal/batch"
)

// ErrNotFound：任务不存在或快照已过期
var ErrNotFound = errors.New("job not found")

// DefaultMetaTTL：任务快照保留时长
const DefaultMetaTTL = 24 * time.Hour

// 任务状态
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// 文档注释：任务进度快照，供轮询方读取
// 约束：Start 与 Progress 只保留最近一次；Results 按源顺序累积 source_error / source_complete。
type Snapshot struct {
	ID        string        `json:"id"`
	Status    string        `json:"status"`
	Start     *batch.Event  `json:"start,omitempty"`
	Progress  *batch.Event  `json:"progress,omitempty"`
	Results   []batch.Event `json:"results"`
	Complete  bool          `json:"complete"`
	Error     string        `json:"error,omitempty"`
	CreatedAt int64         `json:"created_at"`
	UpdatedAt int64         `json:"updated_at"`
}

// apply：把一个事件合并进快照
func (s *Snapshot) apply(e batch.Event) {
	switch e.Type {
	case batch.EventStart:
		ev := e
		s.Start = &ev
	case batch.EventProgress:
		ev := e
		s.Progress = &ev
	case batch.EventSourceError, batch.EventSourceComplete:
		s.Results = append(s.Results, e)
	case batch.EventComplete:
		s.Complete = true
		if e.Message != "" {
			s.Error = e.Message
		}
	}
}

type MetaStore interface {
	Save(ctx context.Context, s Snapshot) error
	Load(ctx context.Context, id string) (Snapshot, error)
}

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// RedisMeta：快照以 JSON 存于 job:<id>，带 TTL
type RedisMeta struct {
	rc  *redis.Client
	ttl time.Duration
}

func NewRedisMeta(rc *redis.Client, ttl time.Duration) *RedisMeta {
	if ttl <= 0 {
		ttl = DefaultMetaTTL
	}
	return &RedisMeta{rc: rc, ttl: ttl}
}

func metaKey(id string) string { return "job:" + id }

func (m *RedisMeta) Save(ctx context.Context, s Snapshot) error {
	b, err := codec.Marshal(s)
	if err != nil {
		return fmt.Errorf("jobs: encode %s: %w", s.ID, err)
	}
	if err := m.rc.Set(ctx, metaKey(s.ID), b, m.ttl).Err(); err != nil {
		return fmt.Errorf("jobs: save %s: %w", s.ID, err)
	}
	return nil
}

func (m *RedisMeta) Load(ctx context.Context, id string) (Snapshot, error) {
	b, err := m.rc.Get(ctx, metaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("jobs: load %s: %w", id, err)
	}
	var s Snapshot
	if err := codec.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("jobs: decode %s: %w", id, err)
	}
	return s, nil
}

// MemoryMeta：单进程部署使用，不做过期
type MemoryMeta struct {
	mu   sync.RWMutex
	snap map[string]Snapshot
}

func NewMemoryMeta() *MemoryMeta { return &MemoryMeta{snap: make(map[string]Snapshot)} }

func (m *MemoryMeta) Save(_ context.Context, s Snapshot) error {
	s.Results = append([]batch.Event(nil), s.Results...)
	m.mu.Lock()
	m.snap[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryMeta) Load(_ context.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snap[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s, nil
}

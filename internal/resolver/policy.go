package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// 文档注释：解析节奏与重试策略
// 约束：RequestDelay 仅作用于首次上游调用之前；第 n 次失败后的等待为 BackoffBase*2^n，最后一次尝试之后不再等待。
type Policy struct {
	RequestDelay time.Duration
	MaxAttempts  int
	Timeout      time.Duration
	BackoffBase  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		RequestDelay: 500 * time.Millisecond,
		MaxAttempts:  3,
		Timeout:      15 * time.Second,
		BackoffBase:  time.Second,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if p.Timeout <= 0 {
		return errors.New("timeout must be greater than 0")
	}
	if p.RequestDelay < 0 {
		return errors.New("request delay must not be negative")
	}
	if p.BackoffBase < 0 {
		return errors.New("backoff base must not be negative")
	}
	return nil
}

// newBackOff：无抖动的指数序列，每次解析独立一份
func (p Policy) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BackoffBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Hour,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Pacer：可取消的等待，测试中替换为记录型实现
type Pacer interface {
	Wait(ctx context.Context, d time.Duration) error
}

// ClockPacer：基于 clockwork 时钟的等待
type ClockPacer struct {
	Clock clockwork.Clock
}

func NewClockPacer(clock clockwork.Clock) ClockPacer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return ClockPacer{Clock: clock}
}

func (p ClockPacer) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := p.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// 包 batch：批量解析驱动，顺序处理多个源并以事件流报告进度
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/jonboulle/clockwork"

	"ip-geocache/internal/geo"
	"ip-geocache/internal/logger"
	"ip-geocache/internal/metrics"
)

// Resolver：驱动依赖的单 IP 解析契约
type Resolver interface {
	Resolve(ctx context.Context, ip string, paced bool) (geo.Record, error)
}

// DefaultProgressEvery：每个源内每处理 N 行上报一次进度（最后一行总会上报）
const DefaultProgressEvery = 5

// 源级失败的对外消息
const (
	MsgReadFailed = "Failed to read file"
)

// Driver：批处理驱动
type Driver struct {
	Resolver      Resolver
	Sink          ArtifactSink
	Clock         clockwork.Clock
	IPColumn      string
	ProgressEvery int

	log *slog.Logger
}

func NewDriver(r Resolver, sink ArtifactSink, clock clockwork.Clock) *Driver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if sink == nil {
		sink = DirSink{Dir: DefaultResultsDir}
	}
	return &Driver{
		Resolver:      r,
		Sink:          sink,
		Clock:         clock,
		IPColumn:      DefaultIPColumn,
		ProgressEvery: DefaultProgressEvery,
		log:           logger.L(),
	}
}

type loaded struct {
	label string
	table *Table
	ipIdx int
	err   string
}

// 文档注释：同步执行一次批处理
// 背景：
// 1. 先逐个载入全部源并统计总行数，载入失败或缺少 IP 列的源延后报告 source_error，且不计入总数；
// 2. 按源顺序逐行解析（paced），每 N 行及最后一行上报 progress；源结束后写产物并上报 source_complete；
// 3. 最后上报 complete。
// 约束：单 IP 的失败结果是数据而非错误；缓存存储失败终止整个运行（先上报当前源的 error，再上报带消息的 complete）。
// ctx 取消时在下一个 IP 边界停止，不写当前源产物，也不再上报任何事件。
// 返回：取消时返回 ctx 错误；存储失败时返回该错误；其他情况返回 nil。
func (d *Driver) Run(ctx context.Context, sources []Source, emit func(Event)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ipCol := d.IPColumn
	if ipCol == "" {
		ipCol = DefaultIPColumn
	}
	every := d.ProgressEvery
	if every <= 0 {
		every = DefaultProgressEvery
	}
	send := func(e Event) bool {
		if ctx.Err() != nil {
			return false
		}
		emit(e)
		return true
	}

	items := make([]loaded, 0, len(sources))
	totalIPs := 0
	for _, src := range sources {
		it := loaded{label: src.Label(), ipIdx: -1}
		t, err := src.Load(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrReadFailed):
			it.err = MsgReadFailed
		case err != nil:
			it.err = err.Error()
		default:
			it.table = t
			it.ipIdx = t.ColumnIndex(ipCol)
			if it.ipIdx < 0 {
				it.err = "Missing " + ipCol + " column"
			} else {
				totalIPs += len(t.Rows)
			}
		}
		if it.err != "" {
			d.logger().Warn("batch_source_rejected", "source", it.label, "reason", it.err)
		}
		items = append(items, it)
	}

	start := d.Clock.Now()
	totalFiles := len(items)
	if !send(Event{Type: EventStart, TotalFiles: totalFiles, TotalIPs: totalIPs}) {
		return ctx.Err()
	}
	d.logger().Info("batch_start", "sources", totalFiles, "ips", totalIPs)

	processed := 0
	for idx, it := range items {
		if it.err != "" {
			metrics.BatchSourcesTotal.WithLabelValues("rejected").Inc()
			if !send(Event{Type: EventSourceError, Filename: it.label, Message: it.err}) {
				return ctx.Err()
			}
			continue
		}
		rows := it.table.Rows
		locs := make([][3]string, len(rows))
		for i, row := range rows {
			if err := ctx.Err(); err != nil {
				d.logger().Info("batch_cancelled", "source", it.label, "processed", processed)
				return err
			}
			ip := strings.TrimSpace(row[it.ipIdx])
			if ip == "" {
				locs[i] = [3]string{geo.Unknown, geo.Unknown, geo.Unknown}
			} else {
				rec, err := d.Resolver.Resolve(ctx, ip, true)
				if err != nil {
					if ctx.Err() != nil {
						d.logger().Info("batch_cancelled", "source", it.label, "processed", processed)
						return ctx.Err()
					}
					d.logger().Error("batch_store_error", "source", it.label, "ip", ip, "err", err)
					metrics.BatchSourcesTotal.WithLabelValues(StatusError).Inc()
					emit(Event{Type: EventSourceComplete, Filename: it.label, Status: StatusError, Message: err.Error()})
					emit(Event{Type: EventComplete, Message: "aborted: " + err.Error()})
					return fmt.Errorf("batch %s: %w", it.label, err)
				}
				locs[i] = [3]string{rec.Country, rec.Region, rec.City}
			}
			processed++
			metrics.BatchIPsTotal.Inc()
			if (i+1)%every == 0 || i == len(rows)-1 {
				ev := Event{
					Type:          EventProgress,
					FileIdx:       idx + 1,
					TotalFiles:    totalFiles,
					CurrentFile:   it.label,
					FileProgress:  i + 1,
					FileTotal:     len(rows),
					TotalProgress: processed,
					TotalIPs:      totalIPs,
				}
				ev.Percentage, ev.ETASeconds = progressMath(processed, totalIPs, d.Clock.Since(start).Seconds())
				if !send(ev) {
					return ctx.Err()
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		out := augment(it.table, locs)
		if err := d.Sink.Write(ctx, ArtifactName(it.label), out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger().Error("batch_artifact_error", "source", it.label, "err", err)
			metrics.BatchSourcesTotal.WithLabelValues(StatusError).Inc()
			if !send(Event{Type: EventSourceComplete, Filename: it.label, Status: StatusError, Message: err.Error()}) {
				return ctx.Err()
			}
			continue
		}
		metrics.BatchSourcesTotal.WithLabelValues(StatusSuccess).Inc()
		msg := fmt.Sprintf("Processed %d IPs", len(rows))
		if !send(Event{Type: EventSourceComplete, Filename: it.label, Status: StatusSuccess, Message: msg}) {
			return ctx.Err()
		}
	}
	if !send(Event{Type: EventComplete}) {
		return ctx.Err()
	}
	d.logger().Info("batch_complete", "processed", processed, "elapsed", d.Clock.Since(start))
	return nil
}

// Stream：异步执行并以通道输出事件；ctx 结束后停止并关闭通道
func (d *Driver) Stream(ctx context.Context, sources []Source) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		err := d.Run(ctx, sources, func(e Event) {
			select {
			case ch <- e:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			d.logger().Error("batch_stream_error", "err", err)
		}
	}()
	return ch
}

func (d *Driver) logger() *slog.Logger {
	if d.log == nil {
		d.log = logger.L()
	}
	return d.log
}

// progressMath：百分比保留一位小数；eta = 剩余 / (已处理 / 已用秒数)，速率为 0 时为 0
func progressMath(processed, total int, elapsed float64) (float64, int64) {
	pct := 0.0
	if total > 0 {
		pct = math.Round(float64(processed)/float64(total)*1000) / 10
	}
	rate := 0.0
	if elapsed > 0 {
		rate = float64(processed) / elapsed
	}
	eta := 0.0
	if rate > 0 {
		eta = float64(total-processed) / rate
	}
	return pct, int64(math.Round(eta))
}

// augment：复制原表并写入 country/region/city；已存在同名列时原位覆盖
func augment(t *Table, locs [][3]string) *Table {
	cols := append([]string(nil), t.Columns...)
	idx := [3]int{}
	for k, name := range []string{"country", "region", "city"} {
		i := t.ColumnIndex(name)
		if i < 0 {
			cols = append(cols, name)
			i = len(cols) - 1
		}
		idx[k] = i
	}
	out := &Table{Columns: cols, Rows: make([][]string, len(t.Rows))}
	for r, row := range t.Rows {
		nr := make([]string, len(cols))
		copy(nr, row)
		for k := 0; k < 3; k++ {
			nr[idx[k]] = locs[r][k]
		}
		out.Rows[r] = nr
	}
	return out
}

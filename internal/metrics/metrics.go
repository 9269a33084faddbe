package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocache_lookups_total",
		Help: "Resolver lookups by outcome (cache_hit, success, fail, error)",
	}, []string{"outcome"})
	UpstreamRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocache_upstream_requests_total",
		Help: "Upstream lookup requests by source",
	}, []string{"source"})
	UpstreamFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocache_upstream_fail_total",
		Help: "Upstream lookup failures by source and reason",
	}, []string{"source", "reason"})
	UpstreamDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geocache_upstream_duration_ms",
		Help:    "Upstream lookup duration in milliseconds",
		Buckets: []float64{5, 10, 20, 50, 100, 200, 500, 1000, 5000, 15000},
	}, []string{"source"})
	RetryWaitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocache_retry_waits_total",
		Help: "Backoff waits performed by the resolver by reason",
	}, []string{"reason"})
	CacheTierTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocache_redis_tier_total",
		Help: "Redis hot tier hits, misses, skipped backfills (stale) and errors",
	}, []string{"result"})
	BatchIPsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geocache_batch_ips_total",
		Help: "IPs processed by batch runs",
	})
	BatchSourcesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocache_batch_sources_total",
		Help: "Batch sources by outcome",
	}, []string{"status"})
	RepairFixedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geocache_repair_fixed_total",
		Help: "Cache records replaced by the repair sweep",
	})
	RepairCandidatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geocache_repair_candidates_total",
		Help: "Candidates visited by the repair sweep",
	})
	JobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geocache_jobs_running",
		Help: "Background batch jobs currently running",
	})
)

func init() {
	prometheus.MustRegister(LookupsTotal)
	prometheus.MustRegister(UpstreamRequestsTotal)
	prometheus.MustRegister(UpstreamFailTotal)
	prometheus.MustRegister(UpstreamDurationMs)
	prometheus.MustRegister(RetryWaitsTotal)
	prometheus.MustRegister(CacheTierTotal)
	prometheus.MustRegister(BatchIPsTotal)
	prometheus.MustRegister(BatchSourcesTotal)
	prometheus.MustRegister(RepairFixedTotal)
	prometheus.MustRegister(RepairCandidatesTotal)
	prometheus.MustRegister(JobsRunning)
}

// 文档注释：返回 Prometheus 指标监听器
// 背景：统一暴露注册指标到 /metrics 路径，供 Prometheus 抓取；在主入口挂载。
func Handler() http.Handler { return promhttp.Handler() }

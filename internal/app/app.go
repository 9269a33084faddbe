// 包 app：服务端与命令行共用的依赖装配，全部配置来自环境变量
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"ip-geocache/internal/api"
	"ip-geocache/internal/batch"
	"ip-geocache/internal/jobs"
	"ip-geocache/internal/logger"
	"ip-geocache/internal/migrate"
	"ip-geocache/internal/repair"
	"ip-geocache/internal/resolver"
	"ip-geocache/internal/store"
	"ip-geocache/internal/upstream"
	"ip-geocache/internal/utils"
)

// 缓存后端与上游取值
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendPebble   = "pebble"

	UpstreamIPAPI = "ipapi"
	UpstreamMMDB  = "mmdb"
)

type Config struct {
	Backend          string
	PebblePath       string
	PebbleCacheBytes int64
	RedisTier        bool
	RedisTTL         time.Duration

	Upstream        string
	IPAPIBase       string
	IPAPIRatePerMin int
	MMDBCityPath    string
	MMDBASNPath     string

	Policy         resolver.Policy
	RepairTimeout  time.Duration
	RepairInterval time.Duration

	ResultsDir  string
	JobsWorkers int
	JobsRedis   bool
}

// ConfigFromEnv：读取环境变量，缺省值见各字段
func ConfigFromEnv() Config {
	p := resolver.DefaultPolicy()
	p.RequestDelay = utils.EnvDuration("RESOLVE_REQUEST_DELAY", p.RequestDelay)
	p.MaxAttempts = utils.EnvInt("RESOLVE_MAX_ATTEMPTS", p.MaxAttempts)
	p.Timeout = utils.EnvDuration("RESOLVE_TIMEOUT", p.Timeout)
	p.BackoffBase = utils.EnvDuration("RESOLVE_BACKOFF_BASE", p.BackoffBase)
	return Config{
		Backend:          strings.ToLower(utils.EnvString("CACHE_BACKEND", BackendSQLite)),
		PebblePath:       utils.EnvString("PEBBLE_PATH", filepath.Join("data", "pebble")),
		PebbleCacheBytes: int64(utils.EnvInt("PEBBLE_CACHE_MB", 64)) << 20,
		RedisTier:        utils.EnvBool("CACHE_REDIS", false),
		RedisTTL:         utils.EnvDuration("CACHE_REDIS_TTL", store.DefaultRedisTTL),
		Upstream:         strings.ToLower(utils.EnvString("UPSTREAM", UpstreamIPAPI)),
		IPAPIBase:        utils.EnvString("IPAPI_BASE_URL", upstream.DefaultIPAPIBase),
		IPAPIRatePerMin:  utils.EnvInt("IPAPI_RATE_PER_MIN", 0),
		MMDBCityPath:     utils.EnvString("MMDB_CITY_PATH", filepath.Join("data", "mmdb", "GeoLite2-City.mmdb")),
		MMDBASNPath:      utils.EnvString("MMDB_ASN_PATH", ""),
		Policy:           p,
		RepairTimeout:    utils.EnvDuration("REPAIR_TIMEOUT", repair.DefaultTimeout),
		RepairInterval:   utils.EnvDuration("REPAIR_INTERVAL", repair.DefaultInterval),
		ResultsDir:       utils.EnvString("RESULTS_DIR", batch.DefaultResultsDir),
		JobsWorkers:      utils.EnvInt("JOBS_WORKERS", jobs.DefaultWorkers),
		JobsRedis:        utils.EnvBool("JOBS_REDIS", false),
	}
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendSQLite, BackendPostgres, BackendPebble:
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.Backend)
	}
	switch c.Upstream {
	case UpstreamIPAPI:
	case UpstreamMMDB:
		if c.MMDBCityPath == "" {
			return errors.New("MMDB_CITY_PATH is required for the mmdb upstream")
		}
	default:
		return fmt.Errorf("unknown UPSTREAM %q", c.Upstream)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("resolve policy: %w", err)
	}
	return nil
}

// App：装配完成的组件集合
type App struct {
	Config   Config
	Store    store.Store
	Upstream upstream.Fetcher
	Resolver *resolver.Resolver
	Batch    *batch.Driver
	Repair   *repair.Sweeper
	Jobs     *jobs.Manager

	rc      *redis.Client
	closers []func() error
	log     *slog.Logger
}

func FromEnv(ctx context.Context) (*App, error) {
	return New(ctx, ConfigFromEnv())
}

// 文档注释：按配置装配全部组件
// 背景：Redis 仅在热层或任务快照需要时连接；连接失败时降级为纯后端存储与内存快照，不阻止启动。
// 返回：任一步失败时已打开的资源全部关闭。
func New(ctx context.Context, cfg Config) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, log: logger.L()}
	defer func() {
		if err != nil {
			_ = a.closeAll()
		}
	}()

	base, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = base
	a.closers = append(a.closers, base.Close)
	a.log.Info("store_ready", "backend", cfg.Backend)

	if cfg.RedisTier || cfg.JobsRedis {
		rc := utils.OpenRedisFromEnv()
		if perr := rc.Ping(ctx).Err(); perr != nil {
			a.log.Warn("redis_ping_error", "err", perr)
			_ = rc.Close()
		} else {
			a.log.Info("redis_ping_ok")
			a.rc = rc
			a.closers = append(a.closers, rc.Close)
		}
	}
	if cfg.RedisTier && a.rc != nil {
		a.Store = store.WithRedis(base, a.rc, cfg.RedisTTL)
	}

	switch cfg.Upstream {
	case UpstreamMMDB:
		m, oerr := upstream.OpenMMDB(cfg.MMDBCityPath, cfg.MMDBASNPath)
		if oerr != nil {
			return nil, oerr
		}
		a.Upstream = m
		a.closers = append(a.closers, m.Close)
	default:
		a.Upstream = upstream.NewIPAPI(cfg.IPAPIBase, &http.Client{}, cfg.IPAPIRatePerMin)
	}
	a.log.Info("upstream_ready", "kind", cfg.Upstream)

	pacer := resolver.NewClockPacer(clockwork.NewRealClock())
	if a.Resolver, err = resolver.New(a.Store, a.Upstream, pacer, cfg.Policy); err != nil {
		return nil, err
	}
	a.Batch = batch.NewDriver(a.Resolver, batch.DirSink{Dir: cfg.ResultsDir}, clockwork.NewRealClock())
	if a.Repair, err = repair.New(a.Store, a.Upstream, pacer); err != nil {
		return nil, err
	}
	a.Repair.Timeout = cfg.RepairTimeout
	a.Repair.Interval = cfg.RepairInterval

	var meta jobs.MetaStore = jobs.NewMemoryMeta()
	if cfg.JobsRedis && a.rc != nil {
		meta = jobs.NewRedisMeta(a.rc, jobs.DefaultMetaTTL)
	}
	a.Jobs = jobs.NewManager(a.Batch, meta, cfg.JobsWorkers)
	return a, nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.Backend {
	case BackendPebble:
		s, err := store.OpenPebble(cfg.PebblePath, cfg.PebbleCacheBytes)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		db, err := utils.OpenPostgresFromEnv()
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		s, err := store.NewSQL(ctx, db, migrate.Postgres)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	default:
		db, err := utils.OpenSQLiteFromEnv()
		if err != nil {
			return nil, err
		}
		s, err := store.NewSQL(ctx, db, migrate.SQLite)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	}
}

// Routes：API 路由（挂载前缀由调用方决定）
func (a *App) Routes() *http.ServeMux {
	return api.BuildRoutes(api.Deps{
		Resolver: a.Resolver,
		Store:    a.Store,
		Batch:    a.Batch,
		Repair:   a.Repair,
		Jobs:     a.Jobs,
	})
}

// Close：先等待后台任务，再按打开的逆序释放资源
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Jobs != nil {
		if err := a.Jobs.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

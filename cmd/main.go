// 程序入口：仅负责读取配置、装配依赖并启动服务；API 注册在 internal/api
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ip-geocache/internal/app"
	"ip-geocache/internal/logger"
	"ip-geocache/internal/metrics"
	"ip-geocache/internal/middleware"
	"ip-geocache/internal/utils"
	"ip-geocache/internal/version"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()
	l.Info("starting", "version", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiBase := utils.EnvString("API_BASE", "/api")
	ui := utils.EnvString("UI_DIST", filepath.Join("ui", "dist"))
	l.Debug("config_paths", "api_base", apiBase, "ui", ui)

	a, err := app.FromEnv(ctx)
	if err != nil {
		l.Error("app_init_error", "err", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle(apiBase+"/", http.StripPrefix(apiBase, a.Routes()))
	mux.Handle(apiBase+"/metrics", metrics.Handler())
	mux.Handle("/", http.FileServer(http.Dir(ui)))
	// 向前端暴露 API 基础路径，避免硬编码
	mux.HandleFunc("/config.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/javascript; charset=utf-8")
		w.Header().Set("cache-control", "no-store")
		_, _ = w.Write([]byte("window.__API_BASE__='" + apiBase + "'\n"))
		_, _ = w.Write([]byte("window.__COMMIT_SHA__='" + version.Commit + "'\n"))
	})

	addr := utils.EnvString("ADDR", ":8080")
	handler := logger.AccessMiddleware(l)(mux)
	handler = middleware.Wrap(handler)
	s := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		if utils.EnvBool("TLS_ENABLE", false) {
			certPath := utils.EnvString("TLS_CERT_PATH", filepath.Join("data", "certs", "server.crt"))
			keyPath := utils.EnvString("TLS_KEY_PATH", filepath.Join("data", "certs", "server.key"))
			if err := utils.EnsureSelfSignedCert(certPath, keyPath, "ip-geocache.local"); err != nil {
				errc <- err
				return
			}
			l.Info("listening_tls", "addr", addr, "cert", certPath)
			errc <- s.ListenAndServeTLS(certPath, keyPath)
			return
		}
		l.Info("listening", "addr", addr)
		errc <- s.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			l.Error("server_error", "err", err)
		}
	case <-ctx.Done():
		l.Info("shutdown_begin")
	}

	// 等待进行中的请求与后台任务结束
	sctx, cancel := context.WithTimeout(context.Background(), utils.EnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second))
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		l.Warn("server_shutdown_error", "err", err)
	}
	if err := a.Close(sctx); err != nil {
		l.Warn("app_close_error", "err", err)
	}
	l.Info("shutdown_done")
}

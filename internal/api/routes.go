// 包 api：集中注册 HTTP API 路由，主入口挂载到 API_BASE 前缀
package api

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"ip-geocache/internal/batch"
	"ip-geocache/internal/jobs"
	"ip-geocache/internal/logger"
	"ip-geocache/internal/repair"
	"ip-geocache/internal/store"
)

// MaxUploadBytes：单次上传在内存中保留的上限，超出部分落临时文件
const MaxUploadBytes = 32 << 20

// MsgNoFiles：上传中没有任何 .csv 文件
const MsgNoFiles = "No files uploaded"

type Runner interface {
	Run(ctx context.Context, sources []batch.Source, emit func(batch.Event)) error
}

type Repairer interface {
	Run(ctx context.Context) (repair.Result, error)
}

// Deps：路由依赖；Jobs 为空时不注册任务接口
type Deps struct {
	Resolver batch.Resolver
	Store    store.Store
	Batch    Runner
	Repair   Repairer
	Jobs     *jobs.Manager
}

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

func BuildRoutes(d Deps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /lookup", d.lookup)
	mux.HandleFunc("POST /lookup", d.lookup)
	mux.HandleFunc("POST /upload", d.upload)
	mux.HandleFunc("POST /fix-cache", d.fixCache)
	mux.HandleFunc("POST /clean-cache", d.cleanCache)
	mux.HandleFunc("DELETE /cache/{ip}", d.deleteIP)
	mux.HandleFunc("GET /stats", d.stats)
	if d.Jobs != nil {
		mux.HandleFunc("POST /jobs", d.submitJob)
		mux.HandleFunc("GET /jobs/{id}", d.getJob)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(code)
	if err := wire.NewEncoder(w).Encode(v); err != nil {
		logger.L().Warn("api_encode_error", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

// 文档注释：单 IP 查询
// 背景：POST 读取 JSON 体中的 ip；GET 读取 ?ip=，缺省时查询请求方自身 IP。单次查询不做节奏等待。
func (d Deps) lookup(w http.ResponseWriter, r *http.Request) {
	var ip string
	if r.Method == http.MethodPost {
		var body struct {
			IP string `json:"ip"`
		}
		if err := wire.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		ip = strings.TrimSpace(body.IP)
	} else {
		ip = strings.TrimSpace(r.URL.Query().Get("ip"))
		if ip == "" {
			ip = clientIP(r)
		}
	}
	if ip == "" {
		writeError(w, http.StatusBadRequest, "IP address is required")
		return
	}
	if net.ParseIP(ip) == nil {
		writeError(w, http.StatusBadRequest, "invalid IP address")
		return
	}
	rec, err := d.Resolver.Resolve(r.Context(), ip, false)
	if err != nil {
		logger.L().Error("api_lookup_error", "ip", ip, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// 文档注释：上传 CSV 并以 SSE 推送批处理进度
// 约束：仅接收 .csv；客户端断开即取消运行，当前源不产出文件。
func (d Deps) upload(w http.ResponseWriter, r *http.Request) {
	sources, err := collectSources(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("content-type", "text/event-stream")
	h.Set("cache-control", "no-cache")
	h.Set("connection", "keep-alive")
	h.Set("x-accel-buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(v any) {
		b, err := wire.Marshal(v)
		if err != nil {
			return
		}
		if _, err := io.WriteString(w, "data: "+string(b)+"\n\n"); err != nil {
			return
		}
		_ = rc.Flush()
	}
	if len(sources) == 0 {
		send(map[string]string{"type": "error", "message": MsgNoFiles})
		return
	}
	err = d.Batch.Run(r.Context(), sources, func(e batch.Event) { send(e) })
	if err != nil && r.Context().Err() == nil {
		logger.L().Error("api_upload_error", "err", err)
	}
}

func (d Deps) submitJob(w http.ResponseWriter, r *http.Request) {
	sources, err := collectSources(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(sources) == 0 {
		writeError(w, http.StatusBadRequest, MsgNoFiles)
		return
	}
	id, err := d.Jobs.Submit(r.Context(), sources)
	if err != nil {
		logger.L().Error("api_job_submit_error", "err", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (d Deps) getJob(w http.ResponseWriter, r *http.Request) {
	snap, err := d.Jobs.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d Deps) fixCache(w http.ResponseWriter, r *http.Request) {
	res, err := d.Repair.Run(r.Context())
	if err != nil {
		logger.L().Error("api_fix_cache_error", "fixed", res.Fixed, "total", res.Total, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "fixed": res.Fixed, "total": res.Total})
}

func (d Deps) cleanCache(w http.ResponseWriter, r *http.Request) {
	n, err := d.Store.DeleteAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": n})
}

func (d Deps) deleteIP(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if net.ParseIP(ip) == nil {
		writeError(w, http.StatusBadRequest, "invalid IP address")
		return
	}
	if err := d.Store.Delete(r.Context(), ip); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "ip": ip})
}

func (d Deps) stats(w http.ResponseWriter, r *http.Request) {
	top := store.DefaultTop
	if s := r.URL.Query().Get("top"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			top = n
		}
	}
	st, err := d.Store.Stats(r.Context(), top)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// collectSources：读取 multipart 中 files 字段的 .csv 文件；读取失败的文件保留为失败源
func collectSources(r *http.Request) ([]batch.Source, error) {
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		return nil, errors.New("invalid multipart form")
	}
	var out []batch.Source
	for _, fh := range r.MultipartForm.File["files"] {
		if fh.Filename == "" || !strings.EqualFold(filepath.Ext(fh.Filename), ".csv") {
			continue
		}
		out = append(out, readPart(fh))
	}
	return out, nil
}

func readPart(fh *multipart.FileHeader) batch.CSVSource {
	name := filepath.Base(fh.Filename)
	f, err := fh.Open()
	if err != nil {
		return batch.CSVSource{Name: name, ReadErr: err}
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return batch.CSVSource{Name: name, ReadErr: err}
	}
	if b == nil {
		b = []byte{}
	}
	return batch.CSVSource{Name: name, Data: b}
}

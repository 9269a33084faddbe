package api

import (
	"bufio"
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ip-geocache/internal/batch"
	"ip-geocache/internal/geo"
	"ip-geocache/internal/jobs"
	"ip-geocache/internal/repair"
	"ip-geocache/internal/resolver"
	"ip-geocache/internal/store"
	"ip-geocache/internal/upstream"
)

type instantPacer struct{}

func (instantPacer) Wait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type cityFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *cityFetcher) Fetch(_ context.Context, ip string) (*upstream.Payload, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if strings.HasPrefix(ip, "10.") {
		return &upstream.Payload{Status: geo.StatusFail, Message: "private range"}, nil
	}
	return &upstream.Payload{Status: geo.StatusSuccess, Country: "Netherlands", RegionName: "North Holland", City: "Amsterdam"}, nil
}

type fixture struct {
	srv     *httptest.Server
	store   store.Store
	fetcher *cityFetcher
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenPebble(filepath.Join(t.TempDir(), "cache"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	f := &cityFetcher{}
	res, err := resolver.New(st, f, instantPacer{}, resolver.DefaultPolicy())
	require.NoError(t, err)
	dir := t.TempDir()
	drv := batch.NewDriver(res, batch.DirSink{Dir: dir}, clockwork.NewFakeClock())
	sw, err := repair.New(st, f, instantPacer{})
	require.NoError(t, err)
	jm := jobs.NewManager(drv, jobs.NewMemoryMeta(), 1)
	t.Cleanup(func() { _ = jm.Close(context.Background()) })

	mux := http.NewServeMux()
	mux.Handle("/api/", http.StripPrefix("/api", BuildRoutes(Deps{
		Resolver: res, Store: st, Batch: drv, Repair: sw, Jobs: jm,
	})))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, fetcher: f, dir: dir}
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, wire.NewDecoder(resp.Body).Decode(v))
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func readEvents(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var m map[string]any
		require.NoError(t, wire.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestLookup(t *testing.T) {
	fx := newFixture(t)

	resp, err := http.Post(fx.srv.URL+"/api/lookup", "application/json", strings.NewReader(`{"ip":"8.8.8.8"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec geo.Record
	decode(t, resp, &rec)
	assert.Equal(t, "8.8.8.8", rec.IP)
	assert.Equal(t, "Amsterdam", rec.City)
	assert.Equal(t, "North Holland", rec.Region)

	resp, err = http.Get(fx.srv.URL + "/api/lookup?ip=8.8.8.8")
	require.NoError(t, err)
	decode(t, resp, &rec)
	assert.Equal(t, "Amsterdam", rec.City)
	assert.Equal(t, 1, fx.fetcher.calls)

	resp, err = http.Post(fx.srv.URL+"/api/lookup", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(fx.srv.URL+"/api/lookup", "application/json", strings.NewReader(`{"ip":"not-an-ip"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, fx.srv.URL+"/api/lookup", nil)
	req.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	decode(t, resp, &rec)
	assert.Equal(t, "9.9.9.9", rec.IP)
}

func TestUploadStreamsEvents(t *testing.T) {
	fx := newFixture(t)
	body, ct := multipartBody(t, map[string]string{
		"a.csv":     "client_ip,user\n1.1.1.1,a\n10.0.0.1,b\n",
		"notes.txt": "ignored",
	})
	resp, err := http.Post(fx.srv.URL+"/api/upload", ct, body)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	events := readEvents(t, resp)

	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e["type"].(string))
	}
	assert.Equal(t, []string{"start", "progress", "source_complete", "complete"}, kinds)
	assert.EqualValues(t, 1, events[0]["total_files"])
	assert.EqualValues(t, 2, events[0]["total_ips"])
	assert.EqualValues(t, 100, events[1]["percentage"])
	assert.Equal(t, "Processed 2 IPs", events[2]["message"])
	assert.FileExists(t, filepath.Join(fx.dir, "processed_a.csv"))
}

func TestUploadWithoutFiles(t *testing.T) {
	fx := newFixture(t)
	body, ct := multipartBody(t, map[string]string{"readme.md": "x"})
	resp, err := http.Post(fx.srv.URL+"/api/upload", ct, body)
	require.NoError(t, err)
	events := readEvents(t, resp)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0]["type"])
	assert.Equal(t, MsgNoFiles, events[0]["message"])
}

func TestFixAndCleanCache(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.store.Put(ctx, geo.ErrorRecord("1.1.1.1", geo.NetworkError)))
	require.NoError(t, fx.store.Put(ctx, geo.FailRecord("10.0.0.1")))

	resp, err := http.Post(fx.srv.URL+"/api/fix-cache", "", nil)
	require.NoError(t, err)
	var fix struct {
		Success bool `json:"success"`
		Fixed   int  `json:"fixed"`
		Total   int  `json:"total"`
	}
	decode(t, resp, &fix)
	assert.True(t, fix.Success)
	assert.Equal(t, 1, fix.Fixed)
	assert.Equal(t, 2, fix.Total)

	resp, err = http.Get(fx.srv.URL + "/api/stats")
	require.NoError(t, err)
	var st store.Stats
	decode(t, resp, &st)
	assert.EqualValues(t, 2, st.Total)
	assert.EqualValues(t, 1, st.Unknown)
	require.Len(t, st.TopCities, 1)
	assert.Equal(t, "Amsterdam", st.TopCities[0].City)

	req, _ := http.NewRequest(http.MethodDelete, fx.srv.URL+"/api/cache/10.0.0.1", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(fx.srv.URL+"/api/clean-cache", "", nil)
	require.NoError(t, err)
	var clean struct {
		Success bool  `json:"success"`
		Deleted int64 `json:"deleted"`
	}
	decode(t, resp, &clean)
	assert.True(t, clean.Success)
	assert.EqualValues(t, 1, clean.Deleted)
}

func TestJobsLifecycle(t *testing.T) {
	fx := newFixture(t)
	body, ct := multipartBody(t, map[string]string{"logs.csv": "client_ip\n4.4.4.4\n"})
	resp, err := http.Post(fx.srv.URL+"/api/jobs", ct, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sub struct {
		ID string `json:"id"`
	}
	decode(t, resp, &sub)
	require.NotEmpty(t, sub.ID)

	require.Eventually(t, func() bool {
		resp, err := http.Get(fx.srv.URL + "/api/jobs/" + sub.ID)
		if err != nil {
			return false
		}
		var snap jobs.Snapshot
		decode(t, resp, &snap)
		return snap.Status == jobs.StatusFinished && snap.Complete
	}, 5*time.Second, 20*time.Millisecond)

	resp, err = http.Get(fx.srv.URL + "/api/jobs/unknown")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

package repair

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ip-geocache/internal/geo"
	"ip-geocache/internal/migrate"
	"ip-geocache/internal/store"
	"ip-geocache/internal/upstream"
	"ip-geocache/internal/utils"
)

type answer struct {
	p   *upstream.Payload
	err error
}

type mapFetcher struct {
	mu      sync.Mutex
	answers map[string]answer
	calls   []string
	hook    func(ip string)
}

func (f *mapFetcher) Fetch(ctx context.Context, ip string) (*upstream.Payload, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ip)
	a := f.answers[ip]
	f.mu.Unlock()
	if f.hook != nil {
		f.hook(ip)
	}
	if a.p == nil && a.err == nil {
		return &upstream.Payload{Status: geo.StatusFail, Message: "reserved range"}, nil
	}
	return a.p, a.err
}

type recordingPacer struct {
	waits []time.Duration
}

func (p *recordingPacer) Wait(ctx context.Context, d time.Duration) error {
	p.waits = append(p.waits, d)
	return ctx.Err()
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	db, err := utils.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	s, err := store.NewSQL(context.Background(), db, migrate.SQLite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s store.Store, recs ...geo.Record) {
	t.Helper()
	for _, r := range recs {
		require.NoError(t, s.Put(context.Background(), r))
	}
}

func TestRunReplacesOnlyResolvedRecords(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	good := geo.Record{IP: "1.1.1.1", Status: geo.StatusSuccess, Country: "Australia", Region: "Queensland", City: "Brisbane"}
	seed(t, s,
		good,
		geo.ErrorRecord("2.2.2.2", geo.NetworkError),
		geo.FailRecord("3.3.3.3"),
		geo.ErrorRecord("4.4.4.4", geo.Error),
		geo.ErrorRecord("5.5.5.5", geo.Error),
	)
	f := &mapFetcher{answers: map[string]answer{
		"2.2.2.2": {p: &upstream.Payload{Status: geo.StatusSuccess, Country: "Germany", RegionName: "Hesse", City: "Frankfurt", ISP: "DE-CIX"}},
		"3.3.3.3": {p: &upstream.Payload{Status: geo.StatusSuccess}},
		"4.4.4.4": {err: &upstream.TransportError{Op: "request", Err: errors.New("timeout")}},
	}}
	p := &recordingPacer{}
	sw, err := New(s, f, p)
	require.NoError(t, err)

	res, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Fixed: 1, Total: 4}, res)
	assert.Equal(t, []string{"2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5"}, f.calls)
	assert.Equal(t, []time.Duration{DefaultInterval, DefaultInterval, DefaultInterval}, p.waits)

	got, _, err := s.Get(ctx, "2.2.2.2")
	require.NoError(t, err)
	assert.Equal(t, geo.StatusSuccess, got.Status)
	assert.Equal(t, "Frankfurt", got.City)
	assert.Equal(t, "DE-CIX", got.ISP)

	// 上游仍然全是 Unknown：原记录保持不变
	got, _, err = s.Get(ctx, "3.3.3.3")
	require.NoError(t, err)
	assert.Equal(t, geo.StatusFail, got.Status)

	got, _, err = s.Get(ctx, "4.4.4.4")
	require.NoError(t, err)
	assert.Equal(t, geo.Error, got.Country)

	ips, err := s.SelectProblem(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"3.3.3.3", "4.4.4.4", "5.5.5.5"}, ips)
}

func TestRunNoCandidates(t *testing.T) {
	s := newStore(t)
	seed(t, s, geo.Record{IP: "1.1.1.1", Status: geo.StatusSuccess, Country: "A", Region: "B", City: "C"})
	f := &mapFetcher{}
	p := &recordingPacer{}
	sw, err := New(s, f, p)
	require.NoError(t, err)
	res, err := sw.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, f.calls)
	assert.Empty(t, p.waits)
}

func TestRunCancelledReturnsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newStore(t)
	seed(t, s, geo.FailRecord("1.0.0.1"), geo.FailRecord("1.0.0.2"), geo.FailRecord("1.0.0.3"))
	ok := &upstream.Payload{Status: geo.StatusSuccess, Country: "Chile"}
	f := &mapFetcher{answers: map[string]answer{"1.0.0.1": {p: ok}, "1.0.0.2": {p: ok}, "1.0.0.3": {p: ok}}}
	f.hook = func(ip string) {
		if ip == "1.0.0.2" {
			cancel()
		}
	}
	sw, err := New(s, f, &recordingPacer{})
	require.NoError(t, err)

	res, err := sw.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Result{Fixed: 1, Total: 3}, res)

	got, _, err := s.Get(context.Background(), "1.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, geo.StatusFail, got.Status)
}

type putFailStore struct {
	store.Store
	err error
}

func (s putFailStore) Put(context.Context, geo.Record) error { return s.err }

func TestRunStoreFailureAborts(t *testing.T) {
	s := newStore(t)
	seed(t, s, geo.FailRecord("1.0.0.1"), geo.FailRecord("1.0.0.2"))
	ok := &upstream.Payload{Status: geo.StatusSuccess, City: "Lima"}
	f := &mapFetcher{answers: map[string]answer{"1.0.0.1": {p: ok}, "1.0.0.2": {p: ok}}}
	boom := errors.New("database is locked")
	sw, err := New(putFailStore{Store: s, err: boom}, f, &recordingPacer{})
	require.NoError(t, err)

	res, err := sw.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, Result{Fixed: 0, Total: 2}, res)
	assert.Equal(t, []string{"1.0.0.1"}, f.calls)

	require.NoError(t, s.Close())
	_, err = sw.Run(context.Background())
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, &mapFetcher{}, nil)
	assert.Error(t, err)
	_, err = New(newStore(t), nil, nil)
	assert.Error(t, err)
	sw, err := New(newStore(t), &mapFetcher{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, sw.Timeout)
}

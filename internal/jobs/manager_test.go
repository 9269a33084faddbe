package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ip-geocache/internal/batch"
	"ip-geocache/internal/geo"
)

type fixedResolver struct{}

func (fixedResolver) Resolve(_ context.Context, ip string, _ bool) (geo.Record, error) {
	return geo.Record{IP: ip, Status: geo.StatusSuccess, Country: "Canada", Region: "Ontario", City: "Toronto"}, nil
}

type failingRunner struct{ err error }

func (r failingRunner) Run(_ context.Context, _ []batch.Source, emit func(batch.Event)) error {
	emit(batch.Event{Type: batch.EventStart, TotalFiles: 1, TotalIPs: 1})
	return r.err
}

// blockingRunner：直到 ctx 结束才返回
type blockingRunner struct{ started chan struct{} }

func (r blockingRunner) Run(ctx context.Context, _ []batch.Source, _ func(batch.Event)) error {
	close(r.started)
	<-ctx.Done()
	return ctx.Err()
}

func waitStatus(t *testing.T, m *Manager, id string, want string) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		s, err := m.Get(context.Background(), id)
		if err != nil {
			return false
		}
		snap = s
		return s.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestManagerRunsBatchInBackground(t *testing.T) {
	dir := t.TempDir()
	d := batch.NewDriver(fixedResolver{}, batch.DirSink{Dir: dir}, clockwork.NewFakeClock())
	m := NewManager(d, NewMemoryMeta(), 1)
	defer m.Close(context.Background())

	id, err := m.Submit(context.Background(), []batch.Source{
		batch.CSVSource{Name: "a.csv", Data: []byte("client_ip\n1.1.1.1\n2.2.2.2\n")},
		batch.CSVSource{Name: "b.csv", Data: []byte("addr\n3.3.3.3\n")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap := waitStatus(t, m, id, StatusFinished)
	assert.True(t, snap.Complete)
	assert.Empty(t, snap.Error)
	require.NotNil(t, snap.Start)
	assert.Equal(t, 2, snap.Start.TotalIPs)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, 100.0, snap.Progress.Percentage)
	require.Len(t, snap.Results, 2)
	assert.Equal(t, batch.EventSourceComplete, snap.Results[0].Type)
	assert.Equal(t, batch.EventSourceError, snap.Results[1].Type)
	assert.NotZero(t, snap.UpdatedAt)

	_, err = os.Stat(filepath.Join(dir, "processed_a.csv"))
	assert.NoError(t, err)
}

func TestManagerRecordsFailure(t *testing.T) {
	m := NewManager(failingRunner{err: errors.New("store: put 1.1.1.1: disk full")}, nil, 0)
	defer m.Close(context.Background())

	id, err := m.Submit(context.Background(), nil)
	require.NoError(t, err)
	snap := waitStatus(t, m, id, StatusFailed)
	assert.False(t, snap.Complete)
	assert.Contains(t, snap.Error, "disk full")
	require.NotNil(t, snap.Start)
}

func TestManagerUnknownJob(t *testing.T) {
	m := NewManager(failingRunner{}, nil, 1)
	defer m.Close(context.Background())
	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerCloseCancelsOnDeadline(t *testing.T) {
	r := blockingRunner{started: make(chan struct{})}
	m := NewManager(r, nil, 1)
	id, err := m.Submit(context.Background(), nil)
	require.NoError(t, err)
	<-r.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Close(ctx), context.DeadlineExceeded)

	snap, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)

	_, err = m.Submit(context.Background(), nil)
	assert.Error(t, err)
}

func TestSnapshotApplyKeepsAbortMessage(t *testing.T) {
	var s Snapshot
	s.apply(batch.Event{Type: batch.EventProgress, TotalProgress: 3})
	s.apply(batch.Event{Type: batch.EventProgress, TotalProgress: 5})
	s.apply(batch.Event{Type: batch.EventComplete, Message: "aborted: store unavailable"})
	assert.Equal(t, 5, s.Progress.TotalProgress)
	assert.True(t, s.Complete)
	assert.Equal(t, "aborted: store unavailable", s.Error)
}

func TestRedisMetaRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rc := redis.NewClient(&redis.Options{Addr: addr})
	defer rc.Close()
	ctx := context.Background()
	meta := NewRedisMeta(rc, time.Minute)

	in := Snapshot{
		ID:       "test-" + time.Now().Format("150405.000000"),
		Status:   StatusRunning,
		Progress: &batch.Event{Type: batch.EventProgress, TotalProgress: 5, TotalIPs: 10, Percentage: 50},
		Results:  []batch.Event{{Type: batch.EventSourceError, Filename: "x.csv", Message: "Missing client_ip column"}},
	}
	require.NoError(t, meta.Save(ctx, in))
	defer rc.Del(ctx, metaKey(in.ID))

	out, err := meta.Load(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	ttl, err := rc.TTL(ctx, metaKey(in.ID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	_, err = meta.Load(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisMetaUnavailable(t *testing.T) {
	rc := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rc.Close()
	meta := NewRedisMeta(rc, 0)
	assert.Error(t, meta.Save(context.Background(), Snapshot{ID: "x"}))
	_, err := meta.Load(context.Background(), "x")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

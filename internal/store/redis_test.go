package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ip-geocache/internal/geo"
)

// gatedStore：第一次 Get 读完后端后停住，直到 release 关闭
type gatedStore struct {
	Store
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func newGatedStore(base Store) *gatedStore {
	return &gatedStore{Store: base, reached: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) Get(ctx context.Context, ip string) (geo.Record, bool, error) {
	r, ok, err := g.Store.Get(ctx, ip)
	g.once.Do(func() {
		close(g.reached)
		<-g.release
	})
	return r, ok, err
}

func newRedisTier(t *testing.T, base Store) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return WithRedis(base, rc, time.Hour), mr
}

// getAsync：在后台执行 Get，返回其读到的记录
func getAsync(ctx context.Context, s Store, ip string) <-chan geo.Record {
	out := make(chan geo.Record, 1)
	go func() {
		r, _, _ := s.Get(ctx, ip)
		out <- r
	}()
	return out
}

func TestTieredBackfillDoesNotOverwriteConcurrentPut(t *testing.T) {
	ctx := context.Background()
	const ip = "9.9.9.9"
	base := newSQLiteStore(t)
	require.NoError(t, base.Put(ctx, geo.ErrorRecord(ip, geo.NetworkError)))

	gate := newGatedStore(base)
	tier, mr := newRedisTier(t, gate)

	inflight := getAsync(ctx, tier, ip)
	<-gate.reached
	require.NoError(t, tier.Put(ctx, successRecord(ip, "Germany", "Berlin", "Berlin")))
	close(gate.release)

	assert.Equal(t, geo.NetworkError, (<-inflight).Country)
	assert.False(t, mr.Exists(redisKey(ip)))

	got, ok, err := tier.Get(ctx, ip)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Germany", got.Country)

	cached, err := mr.Get(redisKey(ip))
	require.NoError(t, err)
	assert.Contains(t, cached, "Germany")
	assert.Equal(t, time.Hour, mr.TTL(redisKey(ip)))
}

func TestTieredBackfillDoesNotSurviveDeleteAll(t *testing.T) {
	ctx := context.Background()
	const ip = "8.8.4.4"
	base := newSQLiteStore(t)
	require.NoError(t, base.Put(ctx, successRecord(ip, "United States", "California", "Mountain View")))

	gate := newGatedStore(base)
	tier, mr := newRedisTier(t, gate)

	inflight := getAsync(ctx, tier, ip)
	<-gate.reached
	n, err := tier.DeleteAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	close(gate.release)
	<-inflight

	assert.False(t, mr.Exists(redisKey(ip)))
	_, ok, err := tier.Get(ctx, ip)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists(redisEpochKey))
}

func TestTieredWritesInvalidate(t *testing.T) {
	ctx := context.Background()
	const ip = "1.0.0.1"
	tier, mr := newRedisTier(t, newPebbleStore(t))

	require.NoError(t, tier.Put(ctx, successRecord(ip, "Australia", "Queensland", "Brisbane")))
	assert.False(t, mr.Exists(redisKey(ip)))
	assert.True(t, mr.Exists(redisVersionKey(ip)))

	got, ok, err := tier.Get(ctx, ip)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Brisbane", got.City)
	require.True(t, mr.Exists(redisKey(ip)))

	// 命中热层后再写入，新值必须可见
	require.NoError(t, tier.Put(ctx, successRecord(ip, "Australia", "Victoria", "Melbourne")))
	assert.False(t, mr.Exists(redisKey(ip)))
	got, _, err = tier.Get(ctx, ip)
	require.NoError(t, err)
	assert.Equal(t, "Melbourne", got.City)

	require.NoError(t, tier.Delete(ctx, ip))
	assert.False(t, mr.Exists(redisKey(ip)))
	_, ok, err = tier.Get(ctx, ip)
	require.NoError(t, err)
	assert.False(t, ok)
}

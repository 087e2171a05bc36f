package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobKey(t *testing.T) {
	assert.Equal(t, "job:abc", jobKey("abc"))
}

func newMiniRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr(), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, mr := newMiniRedisStore(t, time.Minute)

	missing, err := store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Nil(t, missing, "redis.Nil is reported as a missing record")

	require.NoError(t, store.Save(ctx, Job{ID: "job1", Status: StatusCompleted, Current: 300, Total: 300, TotalEstimated: true}))
	got, err := store.Get(ctx, "job1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 300, got.Total)
	assert.True(t, got.TotalEstimated)
	assert.Equal(t, time.Minute, mr.TTL(jobKey("job1")))

	require.NoError(t, store.Delete(ctx, "job1"))
	got, err = store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, store.Delete(ctx, "job1"), "deleting a missing record succeeds")
}

func TestRedisStoreRecordsExpire(t *testing.T) {
	ctx := context.Background()
	store, mr := newMiniRedisStore(t, time.Minute)

	require.NoError(t, store.Save(ctx, Job{ID: "old", Status: StatusFailed, Total: 1}))
	mr.FastForward(2 * time.Minute)

	got, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStoreRejectsCorruptRecord(t *testing.T) {
	store, mr := newMiniRedisStore(t, time.Minute)
	require.NoError(t, mr.Set(jobKey("bad"), "{not json"))

	_, err := store.Get(context.Background(), "bad")
	assert.Error(t, err)
}

func TestRedisStoreRequiresID(t *testing.T) {
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), time.Minute)
	t.Cleanup(func() { _ = store.Close() })

	assert.Error(t, store.Save(context.Background(), Job{}))
	_, err := store.Get(context.Background(), "")
	assert.Error(t, err)
}

func TestNewRedisStoreFromURLRejectsBadURL(t *testing.T) {
	_, err := NewRedisStoreFromURL(context.Background(), "not a url", time.Minute)
	assert.Error(t, err)
}

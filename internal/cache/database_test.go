package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evanigwilo/meet-up-sub001/internal/database/testutil"
)

func newTestDatabaseStore(t *testing.T) (*DatabaseStore, *time.Time) {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := NewDatabaseStore(db)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	return store, &now
}

func TestDatabaseStoreSetGetDelete(t *testing.T) {
	store, _ := newTestDatabaseStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", []byte("v1"), time.Minute))
	require.NoError(t, store.Set(ctx, "k", []byte("v2"), time.Minute))

	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), value)

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDatabaseStoreExpiry(t *testing.T) {
	store, now := newTestDatabaseStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("x"), time.Second))
	require.NoError(t, store.Set(ctx, "forever", []byte("y"), 0))

	*now = now.Add(2 * time.Second)

	_, ok, err := store.Get(ctx, "short")
	require.NoError(t, err)
	require.False(t, ok)

	value, ok, err := store.Get(ctx, "forever")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("y"), value)
}

func TestDatabaseStoreExpire(t *testing.T) {
	store, now := newTestDatabaseStore(t)
	ctx := context.Background()

	ok, err := store.Expire(ctx, "absent", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Second))
	ok, err = store.Expire(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	*now = now.Add(time.Minute)
	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
}

func TestDatabaseStoreHashes(t *testing.T) {
	store, now := newTestDatabaseStore(t)
	ctx := context.Background()

	empty, err := store.HGetAll(ctx, "session")
	require.NoError(t, err)
	require.Empty(t, empty)

	require.NoError(t, store.HSet(ctx, "session", map[string]string{"id": "u1", "name": "Ada"}))
	ok, err := store.Expire(ctx, "session", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.HSet(ctx, "session", map[string]string{"kind": "WS_AUTH_TOKEN"}))

	hash, err := store.HGetAll(ctx, "session")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"id": "u1", "name": "Ada", "kind": "WS_AUTH_TOKEN"}, hash)

	*now = now.Add(2 * time.Minute)
	hash, err = store.HGetAll(ctx, "session")
	require.NoError(t, err)
	require.Empty(t, hash)
}

func TestDatabaseStoreHGetAllRejectsPlainValue(t *testing.T) {
	store, _ := newTestDatabaseStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "plain", []byte("not-json"), 0))
	_, err := store.HGetAll(ctx, "plain")
	require.Error(t, err)
}

func TestDatabaseStorePurgeExpired(t *testing.T) {
	store, now := newTestDatabaseStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), time.Hour))
	require.NoError(t, store.Set(ctx, "c", []byte("3"), 0))

	removed, err := store.PurgeExpired(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, ok, err := store.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = store.Get(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNilDatabaseStore(t *testing.T) {
	require.Nil(t, NewDatabaseStore(nil))

	var store *DatabaseStore
	_, _, err := store.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrNotInitialised)
}

func TestDatabaseStoreIncrementWithTTLUsesFixedWindow(t *testing.T) {
	store, now := newTestDatabaseStore(t)
	ctx := context.Background()

	count, ttl, err := store.IncrementWithTTL(ctx, "rl", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.Equal(t, time.Minute, ttl)

	*now = now.Add(20 * time.Second)
	count, ttl, err = store.IncrementWithTTL(ctx, "rl", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
	require.Equal(t, 40*time.Second, ttl)

	count, _, err = store.IncrementWithTTL(ctx, "other", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	*now = now.Add(40 * time.Second)
	count, ttl, err = store.IncrementWithTTL(ctx, "rl", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.Equal(t, time.Minute, ttl)

	require.NoError(t, store.Set(ctx, "plain", []byte("v"), 0))
	count, _, err = store.IncrementWithTTL(ctx, "plain", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

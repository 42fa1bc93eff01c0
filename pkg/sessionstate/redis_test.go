package sessionstate

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) *RedisBackend {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := NewRedisBackendFromClient(client, "test:", 0)

	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestRedisBackend_SetGet(t *testing.T) {
	backend := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "sess-1", KeySession, []byte(`{"status":"idle"}`)))

	value, err := backend.Get(ctx, "sess-1", KeySession)
	require.NoError(t, err)
	require.Equal(t, `{"status":"idle"}`, string(value))
}

func TestRedisBackend_GetMissing(t *testing.T) {
	backend := setupMiniredis(t)
	ctx := context.Background()

	_, err := backend.Get(ctx, "sess-missing", KeySession)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisBackend_Overwrite(t *testing.T) {
	backend := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "sess-1", KeySession, []byte("v1")))
	require.NoError(t, backend.Set(ctx, "sess-1", KeySession, []byte("v2")))

	value, err := backend.Get(ctx, "sess-1", KeySession)
	require.NoError(t, err)
	require.Equal(t, "v2", string(value))
}

func TestRedisBackend_Delete(t *testing.T) {
	backend := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "sess-1", KeySession, []byte("v1")))
	require.NoError(t, backend.Set(ctx, "sess-1", KeyDBSiteURL, []byte("https://db.example")))
	require.NoError(t, backend.Delete(ctx, "sess-1"))

	_, err := backend.Get(ctx, "sess-1", KeySession)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = backend.Get(ctx, "sess-1", KeyDBSiteURL)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisBackend_DeleteUnknownSessionIsNotError(t *testing.T) {
	backend := setupMiniredis(t)
	require.NoError(t, backend.Delete(context.Background(), "never-existed"))
}

func TestRedisBackend_ClosedRejectsOperations(t *testing.T) {
	backend := setupMiniredis(t)
	require.NoError(t, backend.Close())

	ctx := context.Background()
	require.ErrorIs(t, backend.Set(ctx, "sess-1", KeySession, []byte("v1")), ErrClosed)
	_, err := backend.Get(ctx, "sess-1", KeySession)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, backend.Delete(ctx, "sess-1"), ErrClosed)
}

func TestRedisBackend_IsolatesSessions(t *testing.T) {
	backend := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "sess-a", KeySession, []byte("a")))
	require.NoError(t, backend.Set(ctx, "sess-b", KeySession, []byte("b")))
	require.NoError(t, backend.Delete(ctx, "sess-a"))

	_, err := backend.Get(ctx, "sess-a", KeySession)
	require.ErrorIs(t, err, ErrNotFound)

	value, err := backend.Get(ctx, "sess-b", KeySession)
	require.NoError(t, err)
	require.Equal(t, "b", string(value))
}

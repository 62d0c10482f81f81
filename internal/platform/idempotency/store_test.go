package idempotency

import (
	"context"
	"database/sql"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "idem.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLiteStore(context.Background(), db)
	require.NoError(t, err)
	return store
}

func TestStores(t *testing.T) {
	backends := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": newSQLiteStore,
	}
	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			runStoreContract(t, build)
		})
	}
}

func runStoreContract(t *testing.T, build func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("reserve then replay", func(t *testing.T) {
		store := build(t)
		res, err := store.Reserve(ctx, "k|user:u1", "fp", fixedTime, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, ReservationStateNew, res.State)

		res, err = store.Reserve(ctx, "k|user:u1", "fp", fixedTime, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, ReservationStatePending, res.State)

		headers := http.Header{"Content-Type": {"application/json"}, "Content-Length": {"12"}}
		require.NoError(t, store.SaveResponse(ctx, "k|user:u1", "fp", Response{Status: 201, Headers: headers, Body: []byte(`{"id":"o1"}`)}, fixedTime, time.Hour))

		res, err = store.Reserve(ctx, "k|user:u1", "fp", fixedTime.Add(time.Minute), time.Hour)
		require.NoError(t, err)
		assert.Equal(t, ReservationStateCompleted, res.State)
		assert.Equal(t, 201, res.Record.ResponseStatus)
		assert.Equal(t, `{"id":"o1"}`, string(res.Record.ResponseBody))
		assert.Equal(t, []string{"application/json"}, res.Record.ResponseHeaders["Content-Type"])
		assert.NotContains(t, res.Record.ResponseHeaders, "Content-Length")
	})

	t.Run("fingerprint mismatch", func(t *testing.T) {
		store := build(t)
		_, err := store.Reserve(ctx, "k", "fp-1", fixedTime, time.Hour)
		require.NoError(t, err)
		_, err = store.Reserve(ctx, "k", "fp-2", fixedTime, time.Hour)
		assert.ErrorIs(t, err, ErrFingerprintMismatch)
	})

	t.Run("expired records are reusable", func(t *testing.T) {
		store := build(t)
		_, err := store.Reserve(ctx, "k", "fp-1", fixedTime, time.Minute)
		require.NoError(t, err)
		res, err := store.Reserve(ctx, "k", "fp-2", fixedTime.Add(2*time.Minute), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ReservationStateNew, res.State)
	})

	t.Run("release and cleanup", func(t *testing.T) {
		store := build(t)
		_, err := store.Reserve(ctx, "a", "fp", fixedTime, time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, "a", "fp"))
		res, err := store.Reserve(ctx, "a", "fp", fixedTime, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ReservationStateNew, res.State)

		_, err = store.Reserve(ctx, "b", "fp", fixedTime, time.Hour)
		require.NoError(t, err)
		removed, err := store.CleanupExpired(ctx, fixedTime.Add(30*time.Minute), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
	})
}

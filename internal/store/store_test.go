package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type record struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func setupTestStore(t *testing.T, clock func() time.Time) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts := []Option{WithLogger(zap.NewNop())}
	if clock != nil {
		opts = append(opts, WithClock(clock))
	}
	s := New(&redis.Options{Addr: mr.Addr()}, "test", opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore_PutGet(t *testing.T) {
	s, mr := setupTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "mixture", "m1", record{Name: "alpha", Score: 0.5}))
	assert.True(t, mr.Exists("swarm:test:mixture:m1"))

	var got record
	require.NoError(t, s.Get(ctx, "mixture", "m1", &got))
	assert.Equal(t, record{Name: "alpha", Score: 0.5}, got)
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := setupTestStore(t, nil)

	var got record
	err := s.Get(context.Background(), "mixture", "nope", &got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PutValidation(t *testing.T) {
	s, _ := setupTestStore(t, nil)
	assert.Error(t, s.Put(context.Background(), "", "id", record{}))
	assert.Error(t, s.Put(context.Background(), "kind", "", record{}))
}

func TestStore_QueryByRange(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s, _ := setupTestStore(t, func() time.Time { return now })
	ctx := context.Background()

	for i, id := range []string{"r1", "r2", "r3"} {
		now = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.Put(ctx, "run", id, record{Name: id}))
	}

	all, err := s.Query(ctx, "run", Range{})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "r3"}, all)

	recent, err := s.Query(ctx, "run", Range{Since: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r3"}, recent)

	window, err := s.Query(ctx, "run", Range{Since: base.Add(30 * time.Minute), Until: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, window)
}

func TestStore_RewriteKeepsIndexPosition(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s, _ := setupTestStore(t, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "run", "a", record{Name: "first"}))
	now = base.Add(time.Hour)
	require.NoError(t, s.Put(ctx, "run", "b", record{}))
	now = base.Add(2 * time.Hour)
	require.NoError(t, s.Put(ctx, "run", "a", record{Name: "updated"}))

	ids, err := s.Query(ctx, "run", Range{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	var got record
	require.NoError(t, s.Get(ctx, "run", "a", &got))
	assert.Equal(t, "updated", got.Name)
}

func TestLoad(t *testing.T) {
	s, mr := setupTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "run", "a", record{Name: "a"}))
	require.NoError(t, s.Put(ctx, "run", "b", record{Name: "b"}))
	mr.Del("swarm:test:run:b")

	got, err := Load[record](ctx, s, "run", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []record{{Name: "a"}}, got)
}

func TestStore_ServerErrorNotRetried(t *testing.T) {
	s, mr := setupTestStore(t, nil)
	mr.Lpush("swarm:test:mixture:list", "x")

	var got record
	start := time.Now()
	err := s.Get(context.Background(), "mixture", "list", &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WRONGTYPE")
	assert.Less(t, time.Since(start), time.Second)
}

func TestStore_Prefix(t *testing.T) {
	s, _ := setupTestStore(t, nil)
	ctx := context.Background()

	for _, id := range []string{"abc123-1", "abc123-2", "abd999-1"} {
		require.NoError(t, s.Put(ctx, "run", id, record{Name: id}))
	}
	require.NoError(t, s.Put(ctx, "mixture", "abc123-3", record{}))

	ids, err := s.Prefix(ctx, "run", "abc123")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"abc123-1", "abc123-2"}, ids)

	ids, err = s.Prefix(ctx, "run", "zzz")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type row struct {
	Name  string  `json:"name"`
	Total float64 `json:"total"`
}

func newTestCache(t *testing.T) *Versioned {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewVersioned(client, "test", time.Minute)
}

func TestFetchJSONCachesUntilBump(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return []row{{Name: "a", Total: float64(calls)}}, nil
	}

	key, err := c.Key(ctx, "rows", "7")
	require.NoError(t, err)
	var got []row
	require.NoError(t, c.FetchJSON(ctx, key, &got, loader))
	require.NoError(t, c.FetchJSON(ctx, key, &got, loader))
	require.Equal(t, 1, calls)
	require.InDelta(t, 1.0, got[0].Total, 0.001)

	require.NoError(t, c.Bump(ctx))
	key2, err := c.Key(ctx, "rows", "7")
	require.NoError(t, err)
	require.NotEqual(t, key, key2)
	require.NoError(t, c.FetchJSON(ctx, key2, &got, loader))
	require.Equal(t, 2, calls)
	require.InDelta(t, 2.0, got[0].Total, 0.001)
}

func TestNilClientLoadsDirectly(t *testing.T) {
	c := NewVersioned(nil, "test", time.Minute)
	ctx := context.Background()
	key, err := c.Key(ctx, "rows")
	require.NoError(t, err)
	require.Equal(t, "rows", key)

	var got row
	require.NoError(t, c.FetchJSON(ctx, key, &got, func(context.Context) (any, error) {
		return row{Name: "direct"}, nil
	}))
	require.Equal(t, "direct", got.Name)
	require.NoError(t, c.Bump(ctx))
}

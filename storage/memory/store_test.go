package memorystore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	oidckit "github.com/PaulFidika/kcbridge/oidc"
)

func TestKV_CopiesAndExpires(t *testing.T) {
	ctx := context.Background()
	kv := NewKV()

	v := []byte("abc")
	require.NoError(t, kv.Set(ctx, "k", v, 20*time.Millisecond))
	v[0] = 'z'

	got, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc", string(got))

	time.Sleep(40 * time.Millisecond)
	_, ok, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKV_ZeroTTLPersists(t *testing.T) {
	ctx := context.Background()
	kv := NewKV()
	require.NoError(t, kv.Set(ctx, "k", []byte("v"), 0))
	_, ok, _ := kv.Get(ctx, "k")
	require.True(t, ok)
	require.NoError(t, kv.Del(ctx, "k"))
	_, ok, _ = kv.Get(ctx, "k")
	require.False(t, ok)
}

func TestStateCache(t *testing.T) {
	ctx := context.Background()
	c := NewStateCache(30 * time.Millisecond)

	require.NoError(t, c.Put(ctx, "s1", oidckit.StateData{Action: oidckit.ActionLogin, Verifier: "v"}))
	d, ok, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", d.Verifier)
	require.Equal(t, 1, c.Len())

	require.NoError(t, c.Del(ctx, "s1"))
	_, ok, _ = c.Get(ctx, "s1")
	require.False(t, ok)

	require.NoError(t, c.Put(ctx, "s2", oidckit.StateData{}))
	time.Sleep(60 * time.Millisecond)
	_, ok, _ = c.Get(ctx, "s2")
	require.False(t, ok)
}

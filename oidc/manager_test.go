package oidckit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalStateCache_RoundTrip(t *testing.T) {
	c := newLocalStateCache(StateTTL)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "s1", StateData{Action: ActionLogin, Verifier: "v"}))
	d, ok, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", d.Verifier)

	require.NoError(t, c.Del(ctx, "s1"))
	_, ok, _ = c.Get(ctx, "s1")
	require.False(t, ok)
}

func TestLocalStateCache_AbandonedStatesAreSwept(t *testing.T) {
	c := newLocalStateCache(20 * time.Millisecond)
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, c.Put(context.Background(), s, StateData{Action: ActionLogin}))
	}
	require.Equal(t, 3, c.Len())

	// never read back; the janitor drops them
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
}

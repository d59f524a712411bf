package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewAcceptsAddrOrURL(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	for _, addr := range []string{mr.Addr(), "redis://" + mr.Addr() + "/0"} {
		client, err := New(ctx, addr)
		require.NoError(t, err, addr)
		require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
		require.NoError(t, client.Close())
	}

	_, err := New(ctx, "redis://"+mr.Addr()+"/notadb")
	require.ErrorContains(t, err, "parse url")
}

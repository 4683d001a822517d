package redis

import (
	"context"
	"net"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/campus-signaling/config"
)

func TestConnect(t *testing.T) {
	srv := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)

	client, err := Connect(context.Background(), config.RedisConfig{Host: host, Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	srv.CheckGet(t, "k", "v")
}

func TestConnectFailsFast(t *testing.T) {
	srv := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	srv.Close()

	_, err = Connect(context.Background(), config.RedisConfig{Host: host, Port: port})
	require.Error(t, err)
}

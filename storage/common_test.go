package storage

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	redisLib "github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	cli := redisLib.NewClient(&redisLib.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = cli.Close() })

	return WrapRedisClient(cli), s
}

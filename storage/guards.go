package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"exchange-coordinator/staticerr"

	"github.com/google/uuid"
)

const (
	sweepLockKey = "sweeplock:%s:%d"
	rateLimitKey = "ratelimit:%s:%d:%s"
)

// GuardStorage holds the short-lived single-flight and rate-limit keys.
type GuardStorage struct {
	client *RedisClient
}

func NewGuardStorage(client *RedisClient) *GuardStorage {
	return &GuardStorage{client: client}
}

// TryAcquireSweep lets exactly one instance run the named sweep for a chain
// until ttl lapses. The lock is never released explicitly.
func (g *GuardStorage) TryAcquireSweep(ctx context.Context, name string, chainId int64, ttl time.Duration) (bool, error) {
	err := g.client.setNX(ctx, fmt.Sprintf(sweepLockKey, name, chainId), uuid.NewString(), ttl)

	if errors.Is(err, staticerr.ErrorResourceIsLocked) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// Allow admits one action per window for the subject and otherwise reports
// how long the caller has to wait.
func (g *GuardStorage) Allow(ctx context.Context, scope string, chainId int64, subject string, window time.Duration) (bool, time.Duration, error) {
	key := fmt.Sprintf(rateLimitKey, scope, chainId, subject)
	err := g.client.setNX(ctx, key, 1, window)

	if err == nil {
		return true, 0, nil
	}

	if !errors.Is(err, staticerr.ErrorResourceIsLocked) {
		return false, 0, err
	}

	left, err := remaining(ctx, g.client, key)

	if err != nil {
		return false, 0, err
	}

	return false, left, nil
}

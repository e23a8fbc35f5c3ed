package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"exchange-coordinator/models"
	"exchange-coordinator/staticerr"
)

const (
	busyMakerKey    = "busymaker:%d:%s"
	passiveMakerKey = "passivemaker:%d:%s"
)

func buildBusyMakerKey(chainId int64, makerId string) string {
	return fmt.Sprintf(busyMakerKey, chainId, makerId)
}

func buildPassiveMakerKey(chainId int64, makerId string) string {
	return fmt.Sprintf(passiveMakerKey, chainId, makerId)
}

// MakerLockStorage keeps the busy-maker locks and the passive flags derived from them.
type MakerLockStorage struct {
	client *RedisClient
}

func NewMakerLockStorage(client *RedisClient) *MakerLockStorage {
	return &MakerLockStorage{client: client}
}

// Acquire fails with ErrorResourceIsLocked when a live lock exists; the
// existing lock keeps its order id and TTL.
func (m *MakerLockStorage) Acquire(ctx context.Context, chainId int64, makerId string, lock models.MakerLock, ttl time.Duration) error {
	jsonData, err := json.Marshal(lock)

	if err != nil {
		return err
	}

	return m.client.setNX(ctx, buildBusyMakerKey(chainId, makerId), string(jsonData), ttl)
}

// Get returns nil when the maker holds no live lock.
func (m *MakerLockStorage) Get(ctx context.Context, chainId int64, makerId string) (*models.MakerLock, error) {
	jsonData, err := m.client.getString(ctx, buildBusyMakerKey(chainId, makerId))

	if err != nil || jsonData == nil {
		return nil, err
	}

	var lock models.MakerLock
	if err = json.Unmarshal([]byte(*jsonData), &lock); err != nil {
		return nil, err
	}

	return &lock, nil
}

func (m *MakerLockStorage) RemainingTimeout(ctx context.Context, chainId int64, makerId string) (time.Duration, error) {
	return remaining(ctx, m.client, buildBusyMakerKey(chainId, makerId))
}

// Release removes the lock only while it still describes the given assignment.
func (m *MakerLockStorage) Release(ctx context.Context, chainId int64, makerId string, lock models.MakerLock) error {
	jsonData, err := json.Marshal(lock)

	if err != nil {
		return err
	}

	return m.client.deleteWithValue(ctx, buildBusyMakerKey(chainId, makerId), string(jsonData))
}

// BusyMakers lists the makers of a chain currently holding a lock.
func (m *MakerLockStorage) BusyMakers(ctx context.Context, chainId int64) ([]string, error) {
	prefix := buildBusyMakerKey(chainId, "")
	keys, err := m.client.scanKeys(ctx, prefix+"*")

	if err != nil {
		return nil, err
	}

	makers := make([]string, 0, len(keys))
	for _, key := range keys {
		makers = append(makers, strings.TrimPrefix(key, prefix))
	}

	return makers, nil
}

// MarkPassive flags the maker for demoted selection for ttl. An existing flag is kept.
func (m *MakerLockStorage) MarkPassive(ctx context.Context, chainId int64, makerId string, orderId int64, ttl time.Duration) error {
	err := m.client.setNX(ctx, buildPassiveMakerKey(chainId, makerId), orderId, ttl)

	if errors.Is(err, staticerr.ErrorResourceIsLocked) {
		return nil
	}

	return err
}

// Passive returns the order the maker failed to answer and the time left on the flag,
// or nil when the maker is not flagged.
func (m *MakerLockStorage) Passive(ctx context.Context, chainId int64, makerId string) (*string, time.Duration, error) {
	key := buildPassiveMakerKey(chainId, makerId)
	orderId, err := m.client.getString(ctx, key)

	if err != nil || orderId == nil {
		return nil, 0, err
	}

	left, err := remaining(ctx, m.client, key)

	if err != nil {
		return nil, 0, err
	}

	return orderId, left, nil
}

func remaining(ctx context.Context, client *RedisClient, key string) (time.Duration, error) {
	left, err := client.ttl(ctx, key)

	if err != nil {
		return 0, err
	}

	if left < 0 {
		return 0, nil
	}

	return left, nil
}

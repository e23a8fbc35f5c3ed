package storage

import (
	"context"
	"errors"
	"time"

	"exchange-coordinator/staticerr"

	redisLib "github.com/redis/go-redis/v9"
	logger "github.com/sirupsen/logrus"
)

type TxContainer struct {
	tx redisLib.Pipeliner
}

type RedisClient struct {
	cli *redisLib.Client
}

func NewRedisClient(host string, password string, db int) (*RedisClient, error) {
	cli := redisLib.NewClient(&redisLib.Options{
		Addr:     host,
		Password: password,
		DB:       db,
	})

	pong, err := cli.Ping(context.Background()).Result()

	if err != nil {
		return nil, err
	}

	logger.WithField("addr", host).Infoln("Coordination store reachable: ", pong)
	return &RedisClient{cli: cli}, nil
}

func WrapRedisClient(cli *redisLib.Client) *RedisClient {
	return &RedisClient{cli: cli}
}

func (r *RedisClient) Native() *redisLib.Client {
	return r.cli
}

func (r *RedisClient) Close() error {
	return r.cli.Close()
}

func (r *RedisClient) setNX(ctx context.Context, key string, value interface{}, expire time.Duration) error {
	setted, err := r.cli.SetNX(ctx, key, value, expire).Result()

	if err != nil {
		return err
	}

	if !setted {
		return staticerr.ErrorResourceIsLocked
	}

	return nil
}

func (r *RedisClient) deleteWithValue(ctx context.Context, key string, value interface{}) error {
	err := r.cli.Watch(ctx, func(tx *redisLib.Tx) error {
		valueFromRedis, err := tx.Get(ctx, key).Result()

		if err != nil {
			return err
		}

		if valueFromRedis != value {
			return staticerr.ErrorResourceIsLocked
		}

		_, err = tx.TxPipelined(ctx, func(pipe redisLib.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})

		return err
	}, key)

	if err != nil {
		return err
	}

	return nil
}

func (r *RedisClient) deleteKey(ctx context.Context, keys ...string) error {
	_, err := r.cli.Del(ctx, keys...).Result()

	if err != nil {
		return err
	}

	return nil
}

// getString returns nil without error when the key does not exist.
func (r *RedisClient) getString(ctx context.Context, key string) (*string, error) {
	value, err := r.cli.Get(ctx, key).Result()

	if errors.Is(err, redisLib.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &value, nil
}

func (r *RedisClient) setWithExpire(ctx context.Context, key string, value interface{}, expire time.Duration) error {
	return r.cli.Set(ctx, key, value, expire).Err()
}

func (r *RedisClient) ttl(ctx context.Context, key string) (time.Duration, error) {
	return r.cli.TTL(ctx, key).Result()
}

func (r *RedisClient) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.cli.Scan(ctx, 0, pattern, 100).Iterator()

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

func (r *RedisClient) addInZSet(ctx context.Context, key string, value interface{}, weight float64) error {
	return r.cli.ZAdd(ctx, key, redisLib.Z{Score: weight, Member: value}).Err()
}

func (r *RedisClient) rangeZSetWithScores(ctx context.Context, key string) ([]redisLib.Z, error) {
	return r.cli.ZRangeByScoreWithScores(ctx, key, &redisLib.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
}

func (r *RedisClient) rangeZSet(ctx context.Context, key string) ([]string, error) {
	return r.cli.ZRange(ctx, key, 0, -1).Result()
}

// popMinFromZSet is a single atomic ZPOPMIN; it returns nil when the set is empty.
func (r *RedisClient) popMinFromZSet(ctx context.Context, key string) (*redisLib.Z, error) {
	values, err := r.cli.ZPopMin(ctx, key, 1).Result()

	if err != nil {
		return nil, err
	}

	if len(values) == 0 {
		return nil, nil
	}

	return &values[0], nil
}

func (r *RedisClient) countZSet(ctx context.Context, key string) (int64, error) {
	return r.cli.ZCard(ctx, key).Result()
}

func (r *RedisClient) removeFromZSet(ctx context.Context, key string, values ...interface{}) (int64, error) {
	return r.cli.ZRem(ctx, key, values...).Result()
}

func (x *TxContainer) addInZSet(ctx context.Context, key string, value interface{}, weight float64) *TxContainer {
	x.tx.ZAdd(ctx, key, redisLib.Z{Score: weight, Member: value})

	return x
}

func (x *TxContainer) removeFromZSet(ctx context.Context, key string, value interface{}) *TxContainer {
	x.tx.ZRem(ctx, key, value)

	return x
}

func (x *TxContainer) countZSet(ctx context.Context, key string) *TxContainer {
	x.tx.ZCard(ctx, key)

	return x
}

func (x *TxContainer) expire(ctx context.Context, key string, expire time.Duration) *TxContainer {
	x.tx.Expire(ctx, key, expire)

	return x
}

func (x *TxContainer) addInSet(ctx context.Context, key string, value interface{}) *TxContainer {
	x.tx.SAdd(ctx, key, value)

	return x
}

func (r *RedisClient) addInSet(ctx context.Context, key string, value interface{}) error {
	_, err := r.cli.SAdd(ctx, key, value).Result()

	if err != nil {
		return err
	}

	return nil
}

func (r *RedisClient) removeFromSet(ctx context.Context, key string, value interface{}) error {
	_, err := r.cli.SRem(ctx, key, value).Result()

	if err != nil {
		return err
	}

	return nil
}

func (r *RedisClient) membersOfSet(ctx context.Context, key string) ([]string, error) {
	return r.cli.SMembers(ctx, key).Result()
}

func (r *RedisClient) addInHash(ctx context.Context, key string, fieldKey string, fieldValue interface{}) error {
	_, err := r.cli.HSet(ctx, key, fieldKey, fieldValue).Result()

	if err != nil {
		return err
	}

	return nil
}

func (x *TxContainer) addInHash(ctx context.Context, key string, fieldKey string, fieldValue interface{}) *TxContainer {
	x.tx.HSet(ctx, key, fieldKey, fieldValue)

	return x
}

func (x *TxContainer) set(ctx context.Context, key string, value interface{}, expire time.Duration) *TxContainer {
	x.tx.Set(ctx, key, value, expire)

	return x
}

// getFromHash returns nil without error when the field does not exist.
func (r *RedisClient) getFromHash(ctx context.Context, key string, field string) (*string, error) {
	value, err := r.cli.HGet(ctx, key, field).Result()

	if errors.Is(err, redisLib.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &value, err
}

func (r *RedisClient) getAllFromHash(ctx context.Context, key string) (map[string]string, error) {
	return r.cli.HGetAll(ctx, key).Result()
}

func (r *RedisClient) removeFromHash(ctx context.Context, key string, fields ...string) error {
	_, err := r.cli.HDel(ctx, key, fields...).Result()

	if err != nil {
		return err
	}

	return nil
}

func (r *RedisClient) performTx(ctx context.Context) *TxContainer {
	tx := r.cli.TxPipeline()
	return &TxContainer{tx: tx}
}

func (x *TxContainer) execTx(ctx context.Context) error {
	_, err := x.tx.Exec(ctx)
	return err
}

func (x *TxContainer) execTxCmds(ctx context.Context) ([]redisLib.Cmder, error) {
	return x.tx.Exec(ctx)
}

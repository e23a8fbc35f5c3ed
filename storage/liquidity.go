package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"exchange-coordinator/models"

	logger "github.com/sirupsen/logrus"
)

const (
	liquidityKey     = "liquidity:%d:%s"
	activeMarketsKey = "activemarkets:%d"
)

func buildLiquidityKey(chainId int64, market string) string {
	return fmt.Sprintf(liquidityKey, chainId, market)
}

func buildActiveMarketsKey(chainId int64) string {
	return fmt.Sprintf(activeMarketsKey, chainId)
}

type LiquidityStorage struct {
	client *RedisClient
}

func NewLiquidityStorage(client *RedisClient) *LiquidityStorage {
	return &LiquidityStorage{client: client}
}

func encodePosition(position models.LiquidityPosition) (string, float64, error) {
	jsonData, err := json.Marshal(position)

	if err != nil {
		return "", 0, err
	}

	return string(jsonData), position.Price.InexactFloat64(), nil
}

func (l *LiquidityStorage) AddLiquidity(ctx context.Context, chainId int64, market string, position models.LiquidityPosition) error {
	member, score, err := encodePosition(position)

	if err != nil {
		return err
	}

	return l.client.performTx(ctx).
		addInZSet(ctx, buildLiquidityKey(chainId, market), member, score).
		addInSet(ctx, buildActiveMarketsKey(chainId), market).
		execTx(ctx)
}

// GetLiquidity returns the unexpired positions of a market ordered by price.
// Any expired or unreadable member found on the way is removed from the book.
func (l *LiquidityStorage) GetLiquidity(ctx context.Context, chainId int64, market string, now time.Time) ([]models.LiquidityPosition, error) {
	key := buildLiquidityKey(chainId, market)
	members, err := l.client.rangeZSetWithScores(ctx, key)

	if err != nil {
		return nil, err
	}

	active := make([]models.LiquidityPosition, 0, len(members))
	var stale []interface{}

	for _, member := range members {
		raw, ok := member.Member.(string)
		if !ok {
			continue
		}

		var position models.LiquidityPosition
		if err := json.Unmarshal([]byte(raw), &position); err != nil || position.Expired(now) {
			stale = append(stale, raw)
			continue
		}

		active = append(active, position)
	}

	if len(stale) > 0 {
		if _, err := l.client.removeFromZSet(ctx, key, stale...); err != nil {
			logger.WithFields(logger.Fields{
				"chainId": chainId,
				"market":  market}).Warningln("Failed to evict expired liquidity: ", err.Error())
		}
	}

	return active, nil
}

// ReplaceMakerLiquidity drops every position previously submitted by makerId and
// stores the new set. Positions of other makers in the same book are left untouched.
func (l *LiquidityStorage) ReplaceMakerLiquidity(ctx context.Context, chainId int64, market string, makerId string, positions []models.LiquidityPosition) error {
	key := buildLiquidityKey(chainId, market)
	members, err := l.client.rangeZSet(ctx, key)

	if err != nil {
		return err
	}

	tx := l.client.performTx(ctx)

	for _, raw := range members {
		var position models.LiquidityPosition
		if err := json.Unmarshal([]byte(raw), &position); err != nil {
			continue
		}

		if position.MakerId == makerId {
			tx.removeFromZSet(ctx, key, raw)
		}
	}

	for _, position := range positions {
		member, score, err := encodePosition(position)

		if err != nil {
			return err
		}

		tx.addInZSet(ctx, key, member, score)
	}

	return tx.addInSet(ctx, buildActiveMarketsKey(chainId), market).execTx(ctx)
}

func (l *LiquidityStorage) ActiveMarkets(ctx context.Context, chainId int64) ([]string, error) {
	return l.client.membersOfSet(ctx, buildActiveMarketsKey(chainId))
}

// DeactivateMarket only drops the market from the active set; an empty scored
// set no longer exists in the store, and a maker may already be re-adding to it.
func (l *LiquidityStorage) DeactivateMarket(ctx context.Context, chainId int64, market string) error {
	return l.client.removeFromSet(ctx, buildActiveMarketsKey(chainId), market)
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"exchange-coordinator/models"
	"exchange-coordinator/staticerr"

	redisLib "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const (
	candidatePoolKey   = "matchingorders:%d:%d"
	passivePoolSuffix  = ":passive"
	arrivalPrefixWidth = 20
)

func buildCandidatePoolKeys(chainId int64, orderId int64) (string, string) {
	primary := fmt.Sprintf(candidatePoolKey, chainId, orderId)
	return primary, primary + passivePoolSuffix
}

// candidateRank orders the pool so that ZPOPMIN always yields the best price:
// the lowest for sell-side orders, the highest for buy-side orders.
func candidateRank(side models.Side, price decimal.Decimal) float64 {
	if side == models.SideBuy {
		return price.Neg().InexactFloat64()
	}
	return price.InexactFloat64()
}

// Members are prefixed with the zero padded arrival time so that equal ranks
// pop in arrival order.
func encodeCandidate(candidate models.MatchCandidate) (string, error) {
	jsonData, err := json.Marshal(candidate)

	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%0*d:%s", arrivalPrefixWidth, candidate.ArrivedAt, jsonData), nil
}

func decodeCandidate(member string) (*models.MatchCandidate, error) {
	_, jsonData, found := strings.Cut(member, ":")
	if !found {
		return nil, fmt.Errorf("malformed candidate member")
	}

	var candidate models.MatchCandidate
	if err := json.Unmarshal([]byte(jsonData), &candidate); err != nil {
		return nil, err
	}

	return &candidate, nil
}

type CandidateStorage struct {
	client *RedisClient
	ttl    time.Duration
}

func NewCandidateStorage(client *RedisClient, ttl time.Duration) *CandidateStorage {
	return &CandidateStorage{client: client, ttl: ttl}
}

// AddCandidate inserts the candidate and reports whether it is the only one in
// the pool, in which case the caller owns scheduling the selection.
func (c *CandidateStorage) AddCandidate(ctx context.Context, side models.Side, candidate models.MatchCandidate) (bool, error) {
	member, err := encodeCandidate(candidate)

	if err != nil {
		return false, err
	}

	primary, passive := buildCandidatePoolKeys(candidate.ChainId, candidate.OrderId)
	target := primary
	if candidate.Passive {
		target = passive
	}

	cmds, err := c.client.performTx(ctx).
		addInZSet(ctx, target, member, candidateRank(side, candidate.Price)).
		countZSet(ctx, primary).
		countZSet(ctx, passive).
		expire(ctx, primary, c.ttl).
		expire(ctx, passive, c.ttl).
		execTxCmds(ctx)

	if err != nil {
		return false, err
	}

	total := int64(0)
	for _, cmd := range cmds[1:3] {
		count, ok := cmd.(*redisLib.IntCmd)
		if !ok {
			return false, fmt.Errorf("unexpected reply for candidate count")
		}
		total += count.Val()
	}

	return total == 1, nil
}

// PopBest atomically removes the best candidate. Demoted makers are only
// considered once the primary pool is drained. Unreadable members are dropped
// on the way.
func (c *CandidateStorage) PopBest(ctx context.Context, chainId int64, orderId int64) (*models.MatchCandidate, error) {
	primary, passive := buildCandidatePoolKeys(chainId, orderId)

	for _, key := range []string{primary, passive} {
		for {
			popped, err := c.client.popMinFromZSet(ctx, key)

			if err != nil {
				return nil, err
			}

			if popped == nil {
				break
			}

			member, _ := popped.Member.(string)
			candidate, err := decodeCandidate(member)
			if err != nil {
				logger.WithFields(logger.Fields{"key": key, "member": member}).Warningln("Dropping unreadable candidate: ", err.Error())
				continue
			}

			return candidate, nil
		}
	}

	return nil, staticerr.ErrPoolEmpty
}

func (c *CandidateStorage) Remaining(ctx context.Context, chainId int64, orderId int64) ([]models.MatchCandidate, error) {
	primary, passive := buildCandidatePoolKeys(chainId, orderId)
	var candidates []models.MatchCandidate

	for _, key := range []string{primary, passive} {
		members, err := c.client.rangeZSet(ctx, key)

		if err != nil {
			return nil, err
		}

		for _, member := range members {
			candidate, err := decodeCandidate(member)
			if err != nil {
				continue
			}
			candidates = append(candidates, *candidate)
		}
	}

	return candidates, nil
}

func (c *CandidateStorage) Clear(ctx context.Context, chainId int64, orderId int64) error {
	primary, passive := buildCandidatePoolKeys(chainId, orderId)
	return c.client.deleteKey(ctx, primary, passive)
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"exchange-coordinator/models"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const (
	marketInfoKey = "marketinfo:%d:%s"
	lastPricesKey = "lastprices:%d"
	dailyPriceKey = "dailyprice:%d:%s:%s"
	volumeKey     = "volume:%d:%s"
	priceRangeKey = "price:%d:%s"

	dailyPriceExpire = 7 * 24 * time.Hour
)

// MarketStorage caches market metadata and the rolling price/volume aggregates.
type MarketStorage struct {
	client *RedisClient
}

func NewMarketStorage(client *RedisClient) *MarketStorage {
	return &MarketStorage{client: client}
}

func (m *MarketStorage) GetMarketInfo(ctx context.Context, chainId int64, market string) (*models.MarketInfo, error) {
	jsonData, err := m.client.getString(ctx, fmt.Sprintf(marketInfoKey, chainId, market))

	if err != nil || jsonData == nil {
		return nil, err
	}

	var info models.MarketInfo
	if err = json.Unmarshal([]byte(*jsonData), &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// SetMarketInfo stores the metadata and reports whether it differs from the cached copy.
func (m *MarketStorage) SetMarketInfo(ctx context.Context, chainId int64, info models.MarketInfo, expire time.Duration) (bool, error) {
	key := fmt.Sprintf(marketInfoKey, chainId, info.Alias)
	jsonData, err := json.Marshal(info)

	if err != nil {
		return false, err
	}

	old, err := m.client.getString(ctx, key)

	if err != nil {
		return false, err
	}

	if err = m.client.setWithExpire(ctx, key, string(jsonData), expire); err != nil {
		return false, err
	}

	return old == nil || *old != string(jsonData), nil
}

func (m *MarketStorage) SetLastPrice(ctx context.Context, chainId int64, market string, price decimal.Decimal) error {
	return m.client.addInHash(ctx, fmt.Sprintf(lastPricesKey, chainId), market, price.String())
}

// LastPrice returns nil when no price was recorded for the market.
func (m *MarketStorage) LastPrice(ctx context.Context, chainId int64, market string) (*decimal.Decimal, error) {
	value, err := m.client.getFromHash(ctx, fmt.Sprintf(lastPricesKey, chainId), market)

	if err != nil || value == nil {
		return nil, err
	}

	price, err := decimal.NewFromString(*value)

	if err != nil {
		return nil, err
	}

	return &price, nil
}

func (m *MarketStorage) LastPrices(ctx context.Context, chainId int64) (map[string]decimal.Decimal, error) {
	return m.decimalHash(ctx, fmt.Sprintf(lastPricesKey, chainId))
}

func (m *MarketStorage) RemoveLastPrice(ctx context.Context, chainId int64, market string) error {
	return m.client.removeFromHash(ctx, fmt.Sprintf(lastPricesKey, chainId), market)
}

// RecordFillPrice updates the last price and the price of the day in one transaction.
func (m *MarketStorage) RecordFillPrice(ctx context.Context, chainId int64, market string, price decimal.Decimal, at time.Time) error {
	return m.client.performTx(ctx).
		addInHash(ctx, fmt.Sprintf(lastPricesKey, chainId), market, price.String()).
		set(ctx, buildDailyPriceKey(chainId, market, at), price.String(), dailyPriceExpire).
		execTx(ctx)
}

func (m *MarketStorage) DailyPrice(ctx context.Context, chainId int64, market string, day time.Time) (*decimal.Decimal, error) {
	value, err := m.client.getString(ctx, buildDailyPriceKey(chainId, market, day))

	if err != nil || value == nil {
		return nil, err
	}

	price, err := decimal.NewFromString(*value)

	if err != nil {
		return nil, err
	}

	return &price, nil
}

func buildDailyPriceKey(chainId int64, market string, day time.Time) string {
	return fmt.Sprintf(dailyPriceKey, chainId, market, day.UTC().Format("2006-01-02"))
}

func (m *MarketStorage) SetVolumes(ctx context.Context, chainId int64, market string, base decimal.Decimal, quote decimal.Decimal) error {
	return m.client.performTx(ctx).
		addInHash(ctx, fmt.Sprintf(volumeKey, chainId, "base"), market, base.String()).
		addInHash(ctx, fmt.Sprintf(volumeKey, chainId, "quote"), market, quote.String()).
		execTx(ctx)
}

func (m *MarketStorage) Volumes(ctx context.Context, chainId int64) (map[string]decimal.Decimal, map[string]decimal.Decimal, error) {
	base, err := m.decimalHash(ctx, fmt.Sprintf(volumeKey, chainId, "base"))

	if err != nil {
		return nil, nil, err
	}

	quote, err := m.decimalHash(ctx, fmt.Sprintf(volumeKey, chainId, "quote"))

	if err != nil {
		return nil, nil, err
	}

	return base, quote, nil
}

func (m *MarketStorage) SetHighLow(ctx context.Context, chainId int64, market string, low decimal.Decimal, high decimal.Decimal) error {
	return m.client.performTx(ctx).
		addInHash(ctx, fmt.Sprintf(priceRangeKey, chainId, "low"), market, low.String()).
		addInHash(ctx, fmt.Sprintf(priceRangeKey, chainId, "high"), market, high.String()).
		execTx(ctx)
}

func (m *MarketStorage) HighLow(ctx context.Context, chainId int64) (map[string]decimal.Decimal, map[string]decimal.Decimal, error) {
	low, err := m.decimalHash(ctx, fmt.Sprintf(priceRangeKey, chainId, "low"))

	if err != nil {
		return nil, nil, err
	}

	high, err := m.decimalHash(ctx, fmt.Sprintf(priceRangeKey, chainId, "high"))

	if err != nil {
		return nil, nil, err
	}

	return low, high, nil
}

// PruneVolumes drops volume fields of markets that had no fills in the window.
func (m *MarketStorage) PruneVolumes(ctx context.Context, chainId int64, keep map[string]bool) error {
	return m.pruneHashes(ctx, keep, fmt.Sprintf(volumeKey, chainId, "base"), fmt.Sprintf(volumeKey, chainId, "quote"))
}

// PruneHighLow drops high/low fields of markets that are no longer active.
func (m *MarketStorage) PruneHighLow(ctx context.Context, chainId int64, keep map[string]bool) error {
	return m.pruneHashes(ctx, keep, fmt.Sprintf(priceRangeKey, chainId, "low"), fmt.Sprintf(priceRangeKey, chainId, "high"))
}

func (m *MarketStorage) pruneHashes(ctx context.Context, keep map[string]bool, keys ...string) error {
	for _, key := range keys {
		values, err := m.client.getAllFromHash(ctx, key)

		if err != nil {
			return err
		}

		var stale []string
		for market := range values {
			if !keep[market] {
				stale = append(stale, market)
			}
		}

		if len(stale) == 0 {
			continue
		}

		if err = m.client.removeFromHash(ctx, key, stale...); err != nil {
			return err
		}
	}

	return nil
}

func (m *MarketStorage) decimalHash(ctx context.Context, key string) (map[string]decimal.Decimal, error) {
	values, err := m.client.getAllFromHash(ctx, key)

	if err != nil {
		return nil, err
	}

	result := make(map[string]decimal.Decimal, len(values))
	for market, value := range values {
		parsed, err := decimal.NewFromString(value)
		if err != nil {
			logger.WithFields(logger.Fields{"key": key, "market": market}).Warningln("Skipping unreadable value: ", value)
			continue
		}
		result[market] = parsed
	}

	return result, nil
}

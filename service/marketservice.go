package service

import (
	"context"
	"fmt"
	"time"

	"exchange-coordinator/models"
	"exchange-coordinator/staticerr"

	"github.com/sirupsen/logrus"
)

type iMarketCache interface {
	GetMarketInfo(ctx context.Context, chainId int64, market string) (*models.MarketInfo, error)
	SetMarketInfo(ctx context.Context, chainId int64, info models.MarketInfo, expire time.Duration) (bool, error)
}

// MarketSource is the authority for market metadata.
type MarketSource interface {
	Markets(ctx context.Context, chainId int64) ([]models.MarketInfo, error)
}

// StaticMarketSource serves market metadata from configuration.
type StaticMarketSource struct {
	markets map[int64][]models.MarketInfo
}

func NewStaticMarketSource(markets map[int64][]models.MarketInfo) *StaticMarketSource {
	return &StaticMarketSource{markets: markets}
}

func (s *StaticMarketSource) Markets(ctx context.Context, chainId int64) ([]models.MarketInfo, error) {
	return s.markets[chainId], nil
}

type MarketService struct {
	cache     iMarketCache
	source    MarketSource
	publisher iPublisher
	expire    time.Duration
}

func NewMarketService(cache iMarketCache, source MarketSource, publisher iPublisher, expire time.Duration) *MarketService {
	return &MarketService{cache: cache, source: source, publisher: publisher, expire: expire}
}

// MarketInfo reads through the cache to the market source.
func (m *MarketService) MarketInfo(ctx context.Context, chainId int64, market string) (*models.MarketInfo, error) {
	cached, err := m.cache.GetMarketInfo(ctx, chainId, market)
	if err != nil {
		logrus.WithFields(logrus.Fields{"chainId": chainId, "market": market}).Warningln("Market cache unavailable: ", err.Error())
	}
	if cached != nil {
		return cached, nil
	}

	markets, err := m.source.Markets(ctx, chainId)
	if err != nil {
		return nil, err
	}

	for _, info := range markets {
		if info.Alias != market {
			continue
		}
		if _, err = m.cache.SetMarketInfo(ctx, chainId, info, m.expire); err != nil {
			logrus.WithFields(logrus.Fields{"chainId": chainId, "market": market}).Warningln("Market cache not updated: ", err.Error())
		}
		return &info, nil
	}

	return nil, fmt.Errorf("%w: %s", staticerr.ErrMarketNotFound, market)
}

// Refresh reloads every market of the chain and broadcasts the ones that changed.
func (m *MarketService) Refresh(ctx context.Context, chainId int64) error {
	markets, err := m.source.Markets(ctx, chainId)
	if err != nil {
		return err
	}

	for _, info := range markets {
		changed, err := m.cache.SetMarketInfo(ctx, chainId, info, m.expire)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}

		logrus.WithFields(logrus.Fields{"chainId": chainId, "market": info.Alias}).Infoln("Market info changed")
		if err = m.publisher.ToMarket(ctx, chainId, info.Alias, models.NewMessage(models.OpMarketInfo, info)); err != nil {
			logrus.WithFields(logrus.Fields{"chainId": chainId, "market": info.Alias}).Warningln("Broadcast failed: ", err.Error())
		}
	}

	return nil
}

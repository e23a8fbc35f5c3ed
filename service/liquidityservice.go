package service

import (
	"context"
	"strconv"
	"time"

	"exchange-coordinator/models"
	"exchange-coordinator/staticerr"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type iLiquidityStorage interface {
	AddLiquidity(ctx context.Context, chainId int64, market string, position models.LiquidityPosition) error
	GetLiquidity(ctx context.Context, chainId int64, market string, now time.Time) ([]models.LiquidityPosition, error)
	ReplaceMakerLiquidity(ctx context.Context, chainId int64, market string, makerId string, positions []models.LiquidityPosition) error
	ActiveMarkets(ctx context.Context, chainId int64) ([]string, error)
	DeactivateMarket(ctx context.Context, chainId int64, market string) error
}

type iPassiveReader interface {
	Passive(ctx context.Context, chainId int64, makerId string) (*string, time.Duration, error)
}

type iLastPriceReader interface {
	LastPrice(ctx context.Context, chainId int64, market string) (*decimal.Decimal, error)
}

type LiquidityConfig struct {
	MaxExpiry         time.Duration
	MaxPriceDeviation decimal.Decimal
}

type LiquidityService struct {
	book    iLiquidityStorage
	makers  iPassiveReader
	prices  iLastPriceReader
	markets iMarketInfo
	cfg     LiquidityConfig
	now     func() time.Time
}

func NewLiquidityService(book iLiquidityStorage, makers iPassiveReader, prices iLastPriceReader, markets iMarketInfo, cfg LiquidityConfig) *LiquidityService {
	return &LiquidityService{book: book, makers: makers, prices: prices, markets: markets, cfg: cfg, now: time.Now}
}

// AddLiquidity inserts one position. The position must carry an expiry in the
// future, which is clamped to MaxExpiry from now.
func (l *LiquidityService) AddLiquidity(ctx context.Context, chainId int64, market string, position models.LiquidityPosition) error {
	info, err := l.markets.MarketInfo(ctx, chainId, market)
	if err != nil {
		return err
	}

	reference, err := l.prices.LastPrice(ctx, chainId, market)
	if err != nil {
		return err
	}

	now := l.now()
	if position.Expires == 0 {
		return staticerr.Invalid("position expiry is required")
	}
	if reason := l.validate(position, *info, reference, now); reason != "" {
		return staticerr.Invalid("%s", reason)
	}

	if maxExpires := now.Add(l.cfg.MaxExpiry).Unix(); position.Expires > maxExpires {
		position.Expires = maxExpires
	}
	return l.book.AddLiquidity(ctx, chainId, market, position)
}

// GetLiquidity returns the live positions of a market ordered by price.
// Expired positions are evicted by the read itself.
func (l *LiquidityService) GetLiquidity(ctx context.Context, chainId int64, market string) ([]models.LiquidityPosition, error) {
	return l.book.GetLiquidity(ctx, chainId, market, l.now())
}

// UpdateLiquidity replaces the maker's positions in the market with the valid
// subset of positions. An empty list withdraws the maker from the market.
func (l *LiquidityService) UpdateLiquidity(ctx context.Context, chainId int64, market string, makerId string, positions []models.LiquidityPosition) ([]models.LiquidityRejection, error) {
	logger := logrus.WithFields(logrus.Fields{"chainId": chainId, "market": market, "makerId": makerId})

	waiting, left, err := l.makers.Passive(ctx, chainId, makerId)
	if err != nil {
		return nil, err
	}
	if waiting != nil {
		orderId, _ := strconv.ParseInt(*waiting, 10, 64)
		return nil, &staticerr.WaitError{Err: staticerr.ErrMakerPassive, OrderId: orderId, Remaining: left}
	}

	info, err := l.markets.MarketInfo(ctx, chainId, market)
	if err != nil {
		return nil, err
	}

	reference, err := l.prices.LastPrice(ctx, chainId, market)
	if err != nil {
		return nil, err
	}

	now := l.now()
	maxExpires := now.Add(l.cfg.MaxExpiry).Unix()

	var valid []models.LiquidityPosition
	var rejections []models.LiquidityRejection
	for i, p := range positions {
		if reason := l.validate(p, *info, reference, now); reason != "" {
			rejections = append(rejections, models.LiquidityRejection{Index: i, Reason: reason})
			continue
		}

		if p.Expires == 0 || p.Expires > maxExpires {
			p.Expires = maxExpires
		}
		p.MakerId = makerId
		valid = append(valid, p)
	}

	if len(positions) > 0 && len(valid) == 0 {
		logger.Warningln("Every position rejected: ", len(rejections))
		return rejections, staticerr.ErrNoValidLiquidity
	}

	if err = l.book.ReplaceMakerLiquidity(ctx, chainId, market, makerId, valid); err != nil {
		logger.Errorln("Liquidity update failed, reason: ", err.Error())
		return nil, err
	}

	logger.Infoln("Liquidity updated, positions: ", len(valid))
	return rejections, nil
}

func (l *LiquidityService) validate(p models.LiquidityPosition, info models.MarketInfo, reference *decimal.Decimal, now time.Time) string {
	if !p.Side.Valid() {
		return "invalid side"
	}
	if !p.Price.IsPositive() {
		return "price must be positive"
	}
	if !p.Quantity.GreaterThan(info.BaseFee) {
		return "quantity must exceed the base fee"
	}
	if p.Expires != 0 && p.Expires <= now.Unix() {
		return "position already expired"
	}
	if reference != nil && reference.IsPositive() && l.cfg.MaxPriceDeviation.IsPositive() {
		deviation := p.Price.Sub(*reference).Abs().Div(*reference)
		if deviation.GreaterThan(l.cfg.MaxPriceDeviation) {
			return "price too far from market price"
		}
	}
	return ""
}

// LiquidityPerSide aggregates the book into price levels. Asks come lowest
// first and bids highest first; depth 0 returns every level.
func (l *LiquidityService) LiquidityPerSide(ctx context.Context, chainId int64, market string, depth int) ([]models.Level, []models.Level, error) {
	book, err := l.GetLiquidity(ctx, chainId, market)
	if err != nil {
		return nil, nil, err
	}

	var asks, bids []models.Level
	for _, p := range book {
		if p.Side == models.SideSell {
			asks = addLevel(asks, p)
		}
	}
	for i := len(book) - 1; i >= 0; i-- {
		if book[i].Side == models.SideBuy {
			bids = addLevel(bids, book[i])
		}
	}

	if depth > 0 {
		if len(asks) > depth {
			asks = asks[:depth]
		}
		if len(bids) > depth {
			bids = bids[:depth]
		}
	}

	return asks, bids, nil
}

func addLevel(levels []models.Level, p models.LiquidityPosition) []models.Level {
	if n := len(levels); n > 0 && levels[n-1].Price.Equal(p.Price) {
		levels[n-1].Quantity = levels[n-1].Quantity.Add(p.Quantity)
		return levels
	}
	return append(levels, models.Level{Price: p.Price, Quantity: p.Quantity})
}

package service

import (
	"context"
	"sync"
	"time"

	"exchange-coordinator/metrics"
	"exchange-coordinator/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	sweepPending    = "pending"
	sweepAggregates = "aggregates"
	sweepLiquidity  = "liquidity"
	sweepPassive    = "passive"
	sweepMarkets    = "marketinfo"

	aggregateWindow = 24 * time.Hour
)

type iSweepLedger interface {
	CancelStale(ctx context.Context, chainId int64, cutoff time.Time) ([]models.StatusUpdate, error)
	ExpireFills(ctx context.Context, chainId int64, cutoff time.Time) ([]models.Fill, error)
	ExpireDeclared(ctx context.Context, chainId int64, now time.Time) ([]models.StatusUpdate, error)
	CancelMarketOrders(ctx context.Context, chainId int64, market string) ([]models.StatusUpdate, error)
	MarketVolumes(ctx context.Context, chainId int64, since time.Time) ([]models.MarketVolume, error)
	PriceHighLow(ctx context.Context, chainId int64, since time.Time) ([]models.MarketHighLow, error)
}

type iSweepGuard interface {
	TryAcquireSweep(ctx context.Context, name string, chainId int64, ttl time.Duration) (bool, error)
}

type iAggregateStorage interface {
	SetLastPrice(ctx context.Context, chainId int64, market string, price decimal.Decimal) error
	LastPrices(ctx context.Context, chainId int64) (map[string]decimal.Decimal, error)
	RemoveLastPrice(ctx context.Context, chainId int64, market string) error
	DailyPrice(ctx context.Context, chainId int64, market string, day time.Time) (*decimal.Decimal, error)
	SetVolumes(ctx context.Context, chainId int64, market string, base decimal.Decimal, quote decimal.Decimal) error
	Volumes(ctx context.Context, chainId int64) (map[string]decimal.Decimal, map[string]decimal.Decimal, error)
	PruneVolumes(ctx context.Context, chainId int64, keep map[string]bool) error
	SetHighLow(ctx context.Context, chainId int64, market string, low decimal.Decimal, high decimal.Decimal) error
	HighLow(ctx context.Context, chainId int64) (map[string]decimal.Decimal, map[string]decimal.Decimal, error)
	PruneHighLow(ctx context.Context, chainId int64, keep map[string]bool) error
}

type iMakerScanner interface {
	BusyMakers(ctx context.Context, chainId int64) ([]string, error)
	Get(ctx context.Context, chainId int64, makerId string) (*models.MakerLock, error)
	RemainingTimeout(ctx context.Context, chainId int64, makerId string) (time.Duration, error)
	MarkPassive(ctx context.Context, chainId int64, makerId string, orderId int64, ttl time.Duration) error
}

type iMarketRefresher interface {
	MarketInfo(ctx context.Context, chainId int64, market string) (*models.MarketInfo, error)
	Refresh(ctx context.Context, chainId int64) error
}

type ReconcilerConfig struct {
	Chains             []int64
	PendingInterval    time.Duration
	StaleAfter         time.Duration
	AggregatesInterval time.Duration
	LiquidityInterval  time.Duration
	PassiveInterval    time.Duration
	MarketInfoInterval time.Duration
	SweepLockTTL       time.Duration
	PassiveGrace       time.Duration
}

// ReconcilerService runs the periodic sweeps. Every instance runs the same
// timers; a per-chain sweep key lets one of them act per interval.
type ReconcilerService struct {
	ledger     iSweepLedger
	guard      iSweepGuard
	aggregates iAggregateStorage
	book       iLiquidityStorage
	makers     iMakerScanner
	markets    iMarketRefresher
	publisher  iPublisher
	cfg        ReconcilerConfig
	now        func() time.Time
}

func NewReconcilerService(ledger iSweepLedger, guard iSweepGuard, aggregates iAggregateStorage, book iLiquidityStorage,
	makers iMakerScanner, markets iMarketRefresher, publisher iPublisher, cfg ReconcilerConfig) *ReconcilerService {
	return &ReconcilerService{
		ledger:     ledger,
		guard:      guard,
		aggregates: aggregates,
		book:       book,
		makers:     makers,
		markets:    markets,
		publisher:  publisher,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run blocks until ctx is done.
func (r *ReconcilerService) Run(ctx context.Context) {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(ctx context.Context, chainId int64) error
	}{
		{name: sweepPending, interval: r.cfg.PendingInterval, run: r.SweepPending},
		{name: sweepAggregates, interval: r.cfg.AggregatesInterval, run: r.UpdateAggregates},
		{name: sweepLiquidity, interval: r.cfg.LiquidityInterval, run: r.BroadcastLiquidity},
		{name: sweepPassive, interval: r.cfg.PassiveInterval, run: r.CheckPassiveMakers},
		{name: sweepMarkets, interval: r.cfg.MarketInfoInterval, run: r.RefreshMarkets},
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		if job.interval <= 0 {
			continue
		}
		wg.Add(1)
		go func(name string, interval time.Duration, run func(context.Context, int64) error) {
			defer wg.Done()
			r.loop(ctx, name, interval, run)
		}(job.name, job.interval, job.run)
	}
	wg.Wait()
}

func (r *ReconcilerService) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context, int64) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, chainId := range r.cfg.Chains {
				if err := run(ctx, chainId); err != nil {
					logrus.WithFields(logrus.Fields{"sweep": name, "chainId": chainId}).Errorln("Sweep failed, skipping cycle: ", err.Error())
				}
			}
		}
	}
}

func (r *ReconcilerService) acquire(ctx context.Context, name string, chainId int64) (bool, error) {
	acquired, err := r.guard.TryAcquireSweep(ctx, name, chainId, r.cfg.SweepLockTTL)
	if err != nil {
		return false, err
	}
	if !acquired {
		logrus.WithFields(logrus.Fields{"sweep": name, "chainId": chainId}).Debugln("Sweep taken by another instance")
	}
	return acquired, nil
}

// SweepPending cancels stale transitional orders, expires unsettled fills and
// closes orders whose declared expiry has passed.
func (r *ReconcilerService) SweepPending(ctx context.Context, chainId int64) error {
	if ok, err := r.acquire(ctx, sweepPending, chainId); !ok || err != nil {
		return err
	}

	now := r.now()
	cutoff := now.Add(-r.cfg.StaleAfter)

	stale, err := r.ledger.CancelStale(ctx, chainId, cutoff)
	if err != nil {
		return err
	}
	metrics.SweepRows.WithLabelValues("stale_orders").Add(float64(len(stale)))
	publishStatusUpdates(ctx, r.publisher, stale)

	fills, err := r.ledger.ExpireFills(ctx, chainId, cutoff)
	if err != nil {
		return err
	}
	metrics.SweepRows.WithLabelValues("expired_fills").Add(float64(len(fills)))
	r.publishFillStatus(ctx, chainId, fills)

	expired, err := r.ledger.ExpireDeclared(ctx, chainId, now)
	if err != nil {
		return err
	}
	metrics.SweepRows.WithLabelValues("expired_orders").Add(float64(len(expired)))
	publishStatusUpdates(ctx, r.publisher, expired)

	if total := len(stale) + len(fills) + len(expired); total > 0 {
		logrus.WithField("chainId", chainId).Infoln("Pending sweep changed rows: ", total)
	}
	return nil
}

func (r *ReconcilerService) publishFillStatus(ctx context.Context, chainId int64, fills []models.Fill) {
	grouped := make(map[string][][]any)
	var markets []string
	for _, fill := range fills {
		if _, ok := grouped[fill.Market]; !ok {
			markets = append(markets, fill.Market)
		}
		grouped[fill.Market] = append(grouped[fill.Market], fill.StatusRow())
	}

	for _, market := range markets {
		if err := r.publisher.ToMarket(ctx, chainId, market, models.NewMessage(models.OpFillStatus, grouped[market])); err != nil {
			logrus.WithFields(logrus.Fields{"chainId": chainId, "market": market}).Warningln("Broadcast failed: ", err.Error())
		}
	}
}

// UpdateAggregates recomputes the 24h volumes and price ranges.
func (r *ReconcilerService) UpdateAggregates(ctx context.Context, chainId int64) error {
	if ok, err := r.acquire(ctx, sweepAggregates, chainId); !ok || err != nil {
		return err
	}

	since := r.now().Add(-aggregateWindow)

	volumes, err := r.ledger.MarketVolumes(ctx, chainId, since)
	if err != nil {
		return err
	}
	traded := make(map[string]bool, len(volumes))
	for _, volume := range volumes {
		traded[volume.Market] = true
		if err = r.aggregates.SetVolumes(ctx, chainId, volume.Market, volume.BaseVolume, volume.QuoteVolume); err != nil {
			return err
		}
	}
	if err = r.aggregates.PruneVolumes(ctx, chainId, traded); err != nil {
		return err
	}

	ranges, err := r.ledger.PriceHighLow(ctx, chainId, since)
	if err != nil {
		return err
	}
	for _, priceRange := range ranges {
		if err = r.aggregates.SetHighLow(ctx, chainId, priceRange.Market, priceRange.Low, priceRange.High); err != nil {
			return err
		}
	}

	active, err := r.book.ActiveMarkets(ctx, chainId)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(active))
	for _, market := range active {
		keep[market] = true
	}
	return r.aggregates.PruneHighLow(ctx, chainId, keep)
}

// BroadcastLiquidity publishes a book snapshot per active market, derives
// the mid price and drops markets that have no live position left.
func (r *ReconcilerService) BroadcastLiquidity(ctx context.Context, chainId int64) error {
	if ok, err := r.acquire(ctx, sweepLiquidity, chainId); !ok || err != nil {
		return err
	}

	markets, err := r.book.ActiveMarkets(ctx, chainId)
	if err != nil {
		return err
	}

	now := r.now()
	for _, market := range markets {
		logger := logrus.WithFields(logrus.Fields{"chainId": chainId, "market": market})

		book, err := r.book.GetLiquidity(ctx, chainId, market, now)
		if err != nil {
			logger.Warningln("Liquidity unavailable: ", err.Error())
			continue
		}

		if len(book) == 0 {
			r.dropMarket(ctx, chainId, market)
			continue
		}

		if err = r.publisher.ToMarket(ctx, chainId, market, models.NewMessage(models.OpLiquidity, chainId, market, book)); err != nil {
			logger.Warningln("Broadcast failed: ", err.Error())
		}

		mid, ok := midPrice(book)
		if !ok {
			continue
		}
		if info, err := r.markets.MarketInfo(ctx, chainId, market); err == nil {
			mid = mid.Round(info.PricePrecisionDecimals)
		}
		if err = r.aggregates.SetLastPrice(ctx, chainId, market, mid); err != nil {
			logger.Warningln("Last price not updated: ", err.Error())
		}
	}

	return r.broadcastLastPrices(ctx, chainId, now)
}

func (r *ReconcilerService) dropMarket(ctx context.Context, chainId int64, market string) {
	logger := logrus.WithFields(logrus.Fields{"chainId": chainId, "market": market})
	logger.Infoln("Market has no liquidity left, deactivating")

	if err := r.book.DeactivateMarket(ctx, chainId, market); err != nil {
		logger.Warningln("Market not deactivated: ", err.Error())
		return
	}
	if err := r.aggregates.RemoveLastPrice(ctx, chainId, market); err != nil {
		logger.Warningln("Last price not removed: ", err.Error())
	}

	canceled, err := r.ledger.CancelMarketOrders(ctx, chainId, market)
	if err != nil {
		logger.Errorln("Open orders not canceled: ", err.Error())
		return
	}
	metrics.SweepRows.WithLabelValues("inactive_market_orders").Add(float64(len(canceled)))
	publishStatusUpdates(ctx, r.publisher, canceled)
}

func (r *ReconcilerService) broadcastLastPrices(ctx context.Context, chainId int64, now time.Time) error {
	prices, err := r.aggregates.LastPrices(ctx, chainId)
	if err != nil {
		return err
	}
	if len(prices) == 0 {
		return nil
	}

	baseVolumes, quoteVolumes, err := r.aggregates.Volumes(ctx, chainId)
	if err != nil {
		return err
	}
	lows, highs, err := r.aggregates.HighLow(ctx, chainId)
	if err != nil {
		return err
	}

	yesterday := now.Add(-aggregateWindow)
	rows := make([]models.LastPrice, 0, len(prices))
	for market, price := range prices {
		change := decimal.Zero
		if previous, err := r.aggregates.DailyPrice(ctx, chainId, market, yesterday); err == nil && previous != nil {
			change = price.Sub(*previous)
		}
		row := models.LastPrice{
			Market:      market,
			Price:       price,
			Change:      change,
			QuoteVolume: quoteVolumes[market],
			BaseVolume:  baseVolumes[market],
		}
		if low, ok := lows[market]; ok {
			row.Low = &low
		}
		if high, ok := highs[market]; ok {
			row.High = &high
		}
		rows = append(rows, row)
	}

	return r.publisher.ToChain(ctx, chainId, models.NewMessage(models.OpLastPrice, rows))
}

// midPrice averages the volume weighted ask and bid prices. Both sides must be quoted.
func midPrice(book []models.LiquidityPosition) (decimal.Decimal, bool) {
	var askNotional, askVolume, bidNotional, bidVolume decimal.Decimal
	for _, p := range book {
		if p.Side == models.SideSell {
			askNotional = askNotional.Add(p.Price.Mul(p.Quantity))
			askVolume = askVolume.Add(p.Quantity)
		} else {
			bidNotional = bidNotional.Add(p.Price.Mul(p.Quantity))
			bidVolume = bidVolume.Add(p.Quantity)
		}
	}

	if !askVolume.IsPositive() || !bidVolume.IsPositive() {
		return decimal.Zero, false
	}

	two := decimal.NewFromInt(2)
	return askNotional.Div(askVolume).Add(bidNotional.Div(bidVolume)).Div(two), true
}

// CheckPassiveMakers demotes makers whose assignment has been outstanding for
// longer than the maker timeout minus the grace period.
func (r *ReconcilerService) CheckPassiveMakers(ctx context.Context, chainId int64) error {
	if ok, err := r.acquire(ctx, sweepPassive, chainId); !ok || err != nil {
		return err
	}

	makers, err := r.makers.BusyMakers(ctx, chainId)
	if err != nil {
		return err
	}

	for _, makerId := range makers {
		left, err := r.makers.RemainingTimeout(ctx, chainId, makerId)
		if err != nil || left <= 0 || left >= r.cfg.PassiveGrace {
			continue
		}

		lock, err := r.makers.Get(ctx, chainId, makerId)
		if err != nil || lock == nil {
			continue
		}

		if err = r.makers.MarkPassive(ctx, chainId, makerId, lock.OrderId, left); err != nil {
			logrus.WithFields(logrus.Fields{"chainId": chainId, "makerId": makerId}).Warningln("Maker not demoted: ", err.Error())
			continue
		}
		logrus.WithFields(logrus.Fields{"chainId": chainId, "makerId": makerId, "orderId": lock.OrderId}).Infoln("Maker marked passive")
	}

	return nil
}

func (r *ReconcilerService) RefreshMarkets(ctx context.Context, chainId int64) error {
	if ok, err := r.acquire(ctx, sweepMarkets, chainId); !ok || err != nil {
		return err
	}
	return r.markets.Refresh(ctx, chainId)
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"exchange-coordinator/metrics"
	"exchange-coordinator/models"
	"exchange-coordinator/staticerr"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	fillRequestContext = "fillrequest"
	betterOfferReason  = "The Order was filled by better offer."
)

type iCandidateStorage interface {
	AddCandidate(ctx context.Context, side models.Side, candidate models.MatchCandidate) (bool, error)
	PopBest(ctx context.Context, chainId int64, orderId int64) (*models.MatchCandidate, error)
	Remaining(ctx context.Context, chainId int64, orderId int64) ([]models.MatchCandidate, error)
	Clear(ctx context.Context, chainId int64, orderId int64) error
}

type iMakerLockStorage interface {
	Acquire(ctx context.Context, chainId int64, makerId string, lock models.MakerLock, ttl time.Duration) error
	Get(ctx context.Context, chainId int64, makerId string) (*models.MakerLock, error)
	RemainingTimeout(ctx context.Context, chainId int64, makerId string) (time.Duration, error)
	Release(ctx context.Context, chainId int64, makerId string, lock models.MakerLock) error
	Passive(ctx context.Context, chainId int64, makerId string) (*string, time.Duration, error)
}

// Scheduler runs fn once after delay.
type Scheduler func(delay time.Duration, fn func())

func AfterFunc(delay time.Duration, fn func()) {
	time.AfterFunc(delay, fn)
}

type MatcherConfig struct {
	CollectionWindow time.Duration
	MakerTimeout     time.Duration
}

type MatcherService struct {
	root       context.Context
	orders     iOrderLedger
	fills      iFillLedger
	candidates iCandidateStorage
	makers     iMakerLockStorage
	markets    iMarketInfo
	publisher  iPublisher
	schedule   Scheduler
	cfg        MatcherConfig
	now        func() time.Time
}

// NewMatcherService builds the matcher. Deferred selections run on root and
// stop once it is cancelled.
func NewMatcherService(root context.Context, orders iOrderLedger, fills iFillLedger, candidates iCandidateStorage, makers iMakerLockStorage,
	markets iMarketInfo, publisher iPublisher, schedule Scheduler, cfg MatcherConfig) *MatcherService {
	return &MatcherService{
		root:       root,
		orders:     orders,
		fills:      fills,
		candidates: candidates,
		makers:     makers,
		markets:    markets,
		publisher:  publisher,
		schedule:   schedule,
		cfg:        cfg,
		now:        time.Now,
	}
}

// RequestMatch adds a maker's response to the candidate pool of an open order.
// The first candidate of a pool schedules the selection after the collection window.
func (m *MatcherService) RequestMatch(ctx context.Context, chainId int64, orderId int64, request models.FillRequest, connId string) error {
	logger := logrus.WithFields(logrus.Fields{"chainId": chainId, "orderId": orderId, "makerId": request.MakerUserId})

	order, err := m.orders.GetOrder(ctx, chainId, orderId)
	if errors.Is(err, staticerr.ErrOrderNotFound) {
		return fmt.Errorf("%w: order %d", staticerr.ErrOrderNotOpen, orderId)
	}
	if err != nil {
		return err
	}
	if !matchable(order.Status) {
		return fmt.Errorf("%w: order %d", staticerr.ErrOrderNotOpen, orderId)
	}

	info, err := m.markets.MarketInfo(ctx, chainId, order.Market)
	if err != nil {
		return err
	}

	price, offered, err := candidatePrice(*order, *info, request.Amount)
	if err != nil {
		return err
	}

	passive, _, err := m.makers.Passive(ctx, chainId, request.MakerUserId)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return err
	}

	candidate := models.MatchCandidate{
		ChainId:       chainId,
		OrderId:       orderId,
		MakerUserId:   request.MakerUserId,
		ConnId:        connId,
		Price:         price,
		OfferedAmount: offered,
		FillPayload:   payload,
		ArrivedAt:     m.now().UnixNano(),
		Passive:       passive != nil,
	}

	first, err := m.candidates.AddCandidate(ctx, order.Side, candidate)
	if err != nil {
		return err
	}
	metrics.Candidates.Inc()

	logger.Infoln("Candidate added, price: ", price.String())

	if first {
		side := order.Side
		m.schedule(m.cfg.CollectionWindow, func() {
			if _, err := m.SelectBestCandidate(m.root, chainId, orderId, side); err != nil && !errors.Is(err, staticerr.ErrPoolEmpty) {
				logrus.WithFields(logrus.Fields{"chainId": chainId, "orderId": orderId}).Warningln("Selection finished without a match: ", err.Error())
			}
		})
	}

	return nil
}

// SelectBestCandidate pops candidates best price first until one of them can
// be assigned the order. Busy makers are told why and skipped.
func (m *MatcherService) SelectBestCandidate(ctx context.Context, chainId int64, orderId int64, side models.Side) (*models.Fill, error) {
	logger := logrus.WithFields(logrus.Fields{"chainId": chainId, "orderId": orderId, "side": side})

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidate, err := m.candidates.PopBest(ctx, chainId, orderId)
		if err != nil {
			return nil, err
		}

		logger.WithField("makerId", candidate.MakerUserId).Infoln("Matching 1 stage: lock maker, price: ", candidate.Price.String())

		lock := models.MakerLock{OrderId: orderId, ConnId: candidate.ConnId}
		err = m.makers.Acquire(ctx, chainId, candidate.MakerUserId, lock, m.cfg.MakerTimeout)
		if errors.Is(err, staticerr.ErrorResourceIsLocked) {
			metrics.MatchAttempts.WithLabelValues("busy").Inc()
			logger.WithField("makerId", candidate.MakerUserId).Warningln("Maker is busy, trying next candidate...")
			m.notifyBusy(ctx, *candidate)
			continue
		}
		if err != nil {
			metrics.MatchAttempts.WithLabelValues("error").Inc()
			m.dropPool(ctx, chainId, orderId)
			return nil, err
		}

		logger.WithField("makerId", candidate.MakerUserId).Infoln("Matching 2 stage: assign order")

		order, err := m.orders.TransitionOrder(ctx, chainId, orderId, models.MatchableStatuses, models.OrderStatusMatched)
		if err != nil {
			if releaseErr := m.makers.Release(ctx, chainId, candidate.MakerUserId, lock); releaseErr != nil {
				logger.WithField("makerId", candidate.MakerUserId).Warningln("Lock release failed: ", releaseErr.Error())
			}

			if errors.Is(err, staticerr.ErrTransitionLost) {
				metrics.MatchAttempts.WithLabelValues("lost").Inc()
				logger.Warningln("Order is no longer open, dropping pool")
				m.dropPool(ctx, chainId, orderId)
				return nil, staticerr.ErrOrderNotOpen
			}

			metrics.MatchAttempts.WithLabelValues("error").Inc()
			logger.Errorln("Order assignment failed, dropping pool: ", err.Error())
			m.dropPool(ctx, chainId, orderId)
			return nil, err
		}

		fill, err := m.completeMatch(ctx, order, *candidate)
		if err != nil {
			metrics.MatchAttempts.WithLabelValues("error").Inc()
			logger.Errorln("Match not completed, left for reconciliation: ", err.Error())
			return nil, err
		}

		metrics.MatchAttempts.WithLabelValues("matched").Inc()
		return fill, nil
	}
}

// dropPool discards the remaining candidates; makers learn the outcome from the
// order status broadcast.
func (m *MatcherService) dropPool(ctx context.Context, chainId int64, orderId int64) {
	if err := m.candidates.Clear(ctx, chainId, orderId); err != nil {
		logrus.WithFields(logrus.Fields{"chainId": chainId, "orderId": orderId}).Warningln("Pool clear failed: ", err.Error())
	}
}

func (m *MatcherService) completeMatch(ctx context.Context, order *models.Order, winner models.MatchCandidate) (*models.Fill, error) {
	logger := logrus.WithFields(logrus.Fields{"chainId": order.ChainId, "orderId": order.OrderId, "makerId": winner.MakerUserId})

	price := winner.Price
	info, err := m.markets.MarketInfo(ctx, order.ChainId, order.Market)
	if err != nil {
		logger.Warningln("Market info unavailable, using candidate price: ", err.Error())
	} else {
		price = feeAdjustedPrice(*order, *info, winner)
	}

	fill, err := m.fills.InsertFill(ctx, models.Fill{
		ChainId:      order.ChainId,
		Market:       order.Market,
		TakerOrderId: order.OrderId,
		TakerUserId:  order.UserId,
		MakerUserId:  winner.MakerUserId,
		Side:         order.Side,
		Price:        price,
		Amount:       order.Unfilled,
		Status:       models.FillStatusMatched,
		FeeAmount:    decimal.Zero,
		MatchRound:   order.MatchRound,
	})
	if err != nil {
		return nil, err
	}

	logger.Infoln("Matching 3 stage: notify counterparties, fill: ", fill.FillId)

	m.notifyMaker(ctx, order.ChainId, winner.ConnId, models.NewMessage(models.OpUserOrderMatch,
		order.ChainId, order.OrderId, order.Payload, winner.FillPayload))

	status := models.StatusUpdate{ChainId: order.ChainId, OrderId: order.OrderId, Status: order.Status}
	if err = m.publisher.ToUser(ctx, order.ChainId, order.UserId, models.NewMessage(models.OpOrderStatus, [][]any{status.Row()})); err != nil {
		logger.Warningln("Taker notification failed: ", err.Error())
	}

	losers, err := m.candidates.Remaining(ctx, order.ChainId, order.OrderId)
	if err != nil {
		logger.Warningln("Remaining candidates unavailable: ", err.Error())
	}
	for _, loser := range losers {
		m.notifyMaker(ctx, order.ChainId, loser.ConnId, models.ErrorMessage(fillRequestContext, loser.MakerUserId, betterOfferReason))
	}
	if err = m.candidates.Clear(ctx, order.ChainId, order.OrderId); err != nil {
		logger.Warningln("Pool clear failed: ", err.Error())
	}

	if err = m.publisher.ToMarket(ctx, order.ChainId, order.Market, models.NewMessage(models.OpOrderStatus, [][]any{status.Row()})); err != nil {
		logger.Warningln("Order status broadcast failed: ", err.Error())
	}
	if err = m.publisher.ToMarket(ctx, order.ChainId, order.Market, models.NewMessage(models.OpFills, [][]any{fill.Row()})); err != nil {
		logger.Warningln("Fill broadcast failed: ", err.Error())
	}

	return fill, nil
}

func (m *MatcherService) notifyBusy(ctx context.Context, candidate models.MatchCandidate) {
	held, err := m.makers.Get(ctx, candidate.ChainId, candidate.MakerUserId)
	if err != nil || held == nil {
		return
	}

	left, err := m.makers.RemainingTimeout(ctx, candidate.ChainId, candidate.MakerUserId)
	if err != nil {
		return
	}

	wait := &staticerr.WaitError{Err: staticerr.ErrMakerBusy, OrderId: held.OrderId, Remaining: left}
	m.notifyMaker(ctx, candidate.ChainId, candidate.ConnId, models.ErrorMessage(fillRequestContext, candidate.MakerUserId, wait.Error()))
}

func (m *MatcherService) notifyMaker(ctx context.Context, chainId int64, connId string, msg models.Message) {
	if err := m.publisher.ToMaker(ctx, chainId, connId, msg); err != nil {
		logrus.WithFields(logrus.Fields{"chainId": chainId, "connId": connId, "op": msg.Op}).Warningln("Maker notification failed: ", err.Error())
	}
}

func matchable(status models.OrderStatus) bool {
	for _, s := range models.MatchableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// candidatePrice prices a maker's offer for the unfilled part of the order.
// The offered amount is in token base units of the asset the maker delivers.
func candidatePrice(order models.Order, info models.MarketInfo, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, staticerr.Invalid("Fill amount must be positive")
	}

	var base, quote, offered decimal.Decimal
	switch order.Side {
	case models.SideSell:
		base = order.Unfilled
		quote = amount.Shift(-info.QuoteAsset.Decimals)
		offered = quote
	case models.SideBuy:
		base = amount.Shift(-info.BaseAsset.Decimals)
		quote = order.RemainingQuote()
		offered = base
	default:
		return decimal.Zero, decimal.Zero, staticerr.Invalid("Side %s is not valid!", order.Side)
	}

	if !base.IsPositive() {
		return decimal.Zero, decimal.Zero, staticerr.Invalid("Fill amount must be positive")
	}

	return quote.Div(base).Round(info.PricePrecisionDecimals), offered, nil
}

// feeAdjustedPrice is the fill price once the taker's fee is taken out.
func feeAdjustedPrice(order models.Order, info models.MarketInfo, winner models.MatchCandidate) decimal.Decimal {
	var base, quote decimal.Decimal
	if order.Side == models.SideSell {
		quote = winner.OfferedAmount
		base = order.Unfilled.Sub(info.BaseFee)
	} else {
		base = winner.OfferedAmount
		quote = order.RemainingQuote().Sub(info.QuoteFee)
	}

	if !base.IsPositive() || !quote.IsPositive() {
		return winner.Price
	}

	return quote.Div(base).Round(info.PricePrecisionDecimals)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"exchange-coordinator/ledger"
	"exchange-coordinator/models"
	"exchange-coordinator/staticerr"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type iOrderLedger interface {
	InsertOrder(ctx context.Context, order models.Order) (*models.Order, error)
	GetOrder(ctx context.Context, chainId int64, orderId int64) (*models.Order, error)
	TransitionOrder(ctx context.Context, chainId int64, orderId int64, from []models.OrderStatus, to models.OrderStatus) (*models.Order, error)
	SettleOrder(ctx context.Context, chainId int64, orderId int64, filled decimal.Decimal, txHash string) (*models.Order, error)
	CancelOrder(ctx context.Context, chainId int64, orderId int64, userId string) (*models.Order, error)
	CancelUserOrders(ctx context.Context, userId string, chainId *int64) ([]models.StatusUpdate, error)
	OpenOrders(ctx context.Context, chainId int64, market string) ([]models.Order, error)
	UserOrders(ctx context.Context, userId string, limit int) ([]models.Order, error)
}

type iFillLedger interface {
	InsertFill(ctx context.Context, fill models.Fill) (*models.Fill, error)
	TransitionFill(ctx context.Context, chainId int64, takerOrderId int64, update ledger.FillUpdate) (*models.Fill, error)
	UserFills(ctx context.Context, userId string, limit int) ([]models.Fill, error)
}

type iPublisher interface {
	ToMarket(ctx context.Context, chainId int64, market string, msg models.Message) error
	ToChain(ctx context.Context, chainId int64, msg models.Message) error
	ToUser(ctx context.Context, chainId int64, userId string, msg models.Message) error
	ToMaker(ctx context.Context, chainId int64, connId string, msg models.Message) error
}

type iMarketInfo interface {
	MarketInfo(ctx context.Context, chainId int64, market string) (*models.MarketInfo, error)
}

type iRateLimiter interface {
	Allow(ctx context.Context, scope string, chainId int64, subject string, window time.Duration) (bool, time.Duration, error)
}

type iPriceRecorder interface {
	RecordFillPrice(ctx context.Context, chainId int64, market string, price decimal.Decimal, at time.Time) error
}

type iSettlementRelay interface {
	Relay(ctx context.Context, request models.SettlementRequest) error
}

type iMakerLockReader interface {
	Get(ctx context.Context, chainId int64, makerId string) (*models.MakerLock, error)
}

// OrderRequest is a signed order as submitted by a taker.
type OrderRequest struct {
	Market        string
	Side          models.Side
	BaseQuantity  decimal.Decimal
	QuoteQuantity decimal.Decimal
	Expires       int64
	Payload       []byte
}

type OrderConfig struct {
	RateLimit time.Duration
}

type OrderService struct {
	orders    iOrderLedger
	fills     iFillLedger
	markets   iMarketInfo
	limiter   iRateLimiter
	prices    iPriceRecorder
	makers    iMakerLockReader
	relay     iSettlementRelay
	publisher iPublisher
	cfg       OrderConfig
	now       func() time.Time
}

func NewOrderService(orders iOrderLedger, fills iFillLedger, markets iMarketInfo, limiter iRateLimiter, prices iPriceRecorder,
	makers iMakerLockReader, relay iSettlementRelay, publisher iPublisher, cfg OrderConfig) *OrderService {
	return &OrderService{
		orders:    orders,
		fills:     fills,
		markets:   markets,
		limiter:   limiter,
		prices:    prices,
		makers:    makers,
		relay:     relay,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (o *OrderService) SubmitOrder(ctx context.Context, chainId int64, userId string, request OrderRequest) (*models.Order, error) {
	if !request.Side.Valid() {
		return nil, staticerr.Invalid("Side must be \"s\" or \"b\"")
	}
	if !request.BaseQuantity.IsPositive() || !request.QuoteQuantity.IsPositive() {
		return nil, staticerr.Invalid("Quantity must be positive")
	}
	if request.Expires <= o.now().Unix() {
		return nil, fmt.Errorf("%w: order expires at %d", staticerr.ErrorOrderExpired, request.Expires)
	}

	info, err := o.markets.MarketInfo(ctx, chainId, request.Market)
	if err != nil {
		return nil, err
	}

	if request.Side == models.SideSell && request.BaseQuantity.LessThan(info.BaseFee) {
		return nil, staticerr.Invalid("Order size inadequate to pay fee")
	}
	if request.Side == models.SideBuy && request.QuoteQuantity.LessThan(info.QuoteFee) {
		return nil, staticerr.Invalid("Order size inadequate to pay fee")
	}

	allowed, wait, err := o.limiter.Allow(ctx, "order", chainId, userId, o.cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: wait %d seconds before submitting a new order", staticerr.ErrRateLimited, int64(wait.Seconds())+1)
	}

	order, err := o.orders.InsertOrder(ctx, models.Order{
		ChainId:       chainId,
		Market:        request.Market,
		Side:          request.Side,
		Price:         request.QuoteQuantity.Div(request.BaseQuantity).Round(info.PricePrecisionDecimals),
		BaseQuantity:  request.BaseQuantity,
		QuoteQuantity: request.QuoteQuantity,
		Unfilled:      request.BaseQuantity,
		Status:        models.OrderStatusOpen,
		Expires:       request.Expires,
		UserId:        userId,
		Payload:       request.Payload,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{"chainId": chainId, "userId": userId}).Errorln("Creation order failed, reason: ", err.Error())
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"chainId": chainId, "orderId": order.OrderId, "market": order.Market}).Infoln("Creation order successfully")

	o.notifyMarket(ctx, chainId, order.Market, models.NewMessage(models.OpOrders, [][]any{order.Row()}))
	o.notifyUser(ctx, chainId, userId, models.NewMessage(models.OpUserOrderAck, order.Row()))

	return order, nil
}

func (o *OrderService) CancelOrder(ctx context.Context, chainId int64, orderId int64, userId string) (*models.Order, error) {
	order, err := o.orders.CancelOrder(ctx, chainId, orderId, userId)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"chainId": chainId, "orderId": orderId}).Infoln("Order canceled by owner")

	update := models.StatusUpdate{ChainId: chainId, OrderId: orderId, Market: order.Market, Status: order.Status}
	o.notifyMarket(ctx, chainId, order.Market, models.NewMessage(models.OpOrderStatus, [][]any{update.Row()}))

	return order, nil
}

// CancelAllOrders cancels every open order of the user, on one chain when chainId is set.
func (o *OrderService) CancelAllOrders(ctx context.Context, userId string, chainId *int64) ([]models.StatusUpdate, error) {
	updates, err := o.orders.CancelUserOrders(ctx, userId, chainId)
	if err != nil {
		return nil, err
	}

	logrus.WithField("userId", userId).Infoln("Canceled orders: ", len(updates))
	publishStatusUpdates(ctx, o.publisher, updates)

	return updates, nil
}

// SubmitFill relays a matched order for on-chain settlement. Only the maker
// holding the assignment may submit it.
func (o *OrderService) SubmitFill(ctx context.Context, chainId int64, orderId int64, makerUserId string, makerPayload []byte) error {
	lock, err := o.makers.Get(ctx, chainId, makerUserId)
	if err != nil {
		return err
	}
	if lock == nil || lock.OrderId != orderId {
		return staticerr.ErrUnauthorized
	}

	order, err := o.orders.TransitionOrder(ctx, chainId, orderId, []models.OrderStatus{models.OrderStatusMatched}, models.OrderStatusBusy)
	if errors.Is(err, staticerr.ErrTransitionLost) {
		return staticerr.ErrOrderNotOpen
	}
	if err != nil {
		return err
	}

	fill, err := o.fills.TransitionFill(ctx, chainId, orderId, ledger.FillUpdate{
		From: []models.FillStatus{models.FillStatusMatched},
		To:   models.FillStatusBusy,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{"chainId": chainId, "orderId": orderId}).Errorln("Fill transition failed, reason: ", err.Error())
		return err
	}

	o.notifyMarket(ctx, chainId, order.Market, models.NewMessage(models.OpOrderStatus, [][]any{
		models.StatusUpdate{ChainId: chainId, OrderId: orderId, Status: order.Status}.Row(),
	}))
	o.notifyMarket(ctx, chainId, order.Market, models.NewMessage(models.OpFillStatus, [][]any{fill.StatusRow()}))

	request := models.SettlementRequest{
		RequestId:    uuid.NewString(),
		ChainId:      chainId,
		Market:       order.Market,
		FillId:       fill.FillId,
		TakerOrderId: orderId,
		Side:         order.Side,
		Price:        fill.Price,
		Amount:       fill.Amount,
		TakerPayload: order.Payload,
		MakerPayload: makerPayload,
	}

	if err = o.relay.Relay(ctx, request); err != nil {
		logrus.WithFields(logrus.Fields{"chainId": chainId, "orderId": orderId}).Errorln("Relay failed, reverting: ", err.Error())
		_, revertErr := o.ApplySettlementResult(ctx, models.SettlementResult{
			ChainId:      chainId,
			TakerOrderId: orderId,
			Status:       models.FillStatusReverted,
			Reason:       err.Error(),
		})
		if revertErr != nil {
			return revertErr
		}
		return fmt.Errorf("%w: %s", staticerr.ErrSettlementRejected, err.Error())
	}

	logrus.WithFields(logrus.Fields{"chainId": chainId, "orderId": orderId, "requestId": request.RequestId}).Infoln("Fill relayed for settlement")
	return nil
}

// ApplySettlementResult records the on-chain outcome of a busy order. The
// maker's busy lock is left to expire on its own.
func (o *OrderService) ApplySettlementResult(ctx context.Context, result models.SettlementResult) (*models.Order, error) {
	logger := logrus.WithFields(logrus.Fields{"chainId": result.ChainId, "orderId": result.TakerOrderId, "status": result.Status})

	switch result.Status {
	case models.FillStatusFilled:
		return o.applyFilled(ctx, result)
	case models.FillStatusReverted:
		return o.applyReverted(ctx, result)
	default:
		logger.Warningln("Unsupported settlement status, skipping...")
		return nil, staticerr.Invalid("unsupported settlement status %q", result.Status)
	}
}

func (o *OrderService) applyFilled(ctx context.Context, result models.SettlementResult) (*models.Order, error) {
	current, err := o.orders.GetOrder(ctx, result.ChainId, result.TakerOrderId)
	if err != nil {
		return nil, err
	}

	filled := result.FilledAmount
	if !filled.IsPositive() {
		filled = current.Unfilled
	}

	order, err := o.orders.SettleOrder(ctx, result.ChainId, result.TakerOrderId, filled, result.TxHash)
	if err != nil {
		return nil, err
	}

	update := ledger.FillUpdate{
		From:   []models.FillStatus{models.FillStatusBusy},
		To:     models.FillStatusFilled,
		TxHash: result.TxHash,
	}

	info, err := o.markets.MarketInfo(ctx, order.ChainId, order.Market)
	if err != nil {
		logrus.WithFields(logrus.Fields{"chainId": order.ChainId, "market": order.Market}).Warningln("Market info unavailable, fee not recorded: ", err.Error())
	} else {
		fee, token := info.Fee(order.Side)
		update.FeeAmount = &fee
		update.FeeToken = token
	}

	fill, err := o.fills.TransitionFill(ctx, order.ChainId, order.OrderId, update)
	if err != nil {
		logrus.WithFields(logrus.Fields{"chainId": order.ChainId, "orderId": order.OrderId}).Errorln("Fill settlement failed, reason: ", err.Error())
		return nil, err
	}

	if err = o.prices.RecordFillPrice(ctx, order.ChainId, order.Market, fill.Price, o.now()); err != nil {
		logrus.WithFields(logrus.Fields{"chainId": order.ChainId, "market": order.Market}).Warningln("Last price not recorded: ", err.Error())
	}

	unfilled := order.Unfilled
	o.notifyMarket(ctx, order.ChainId, order.Market, models.NewMessage(models.OpOrderStatus, [][]any{
		models.StatusUpdate{ChainId: order.ChainId, OrderId: order.OrderId, Status: order.Status, Unfilled: &unfilled}.Row(),
	}))
	o.notifyMarket(ctx, order.ChainId, order.Market, models.NewMessage(models.OpFillStatus, [][]any{fill.StatusRow()}))

	return order, nil
}

func (o *OrderService) applyReverted(ctx context.Context, result models.SettlementResult) (*models.Order, error) {
	order, err := o.orders.TransitionOrder(ctx, result.ChainId, result.TakerOrderId,
		[]models.OrderStatus{models.OrderStatusMatched, models.OrderStatusBusy}, models.OrderStatusReverted)
	if err != nil {
		return nil, err
	}

	zero := decimal.Zero
	fill, err := o.fills.TransitionFill(ctx, order.ChainId, order.OrderId, ledger.FillUpdate{
		From:      []models.FillStatus{models.FillStatusMatched, models.FillStatusBusy},
		To:        models.FillStatusReverted,
		TxHash:    result.TxHash,
		FeeAmount: &zero,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{"chainId": order.ChainId, "orderId": order.OrderId}).Errorln("Fill revert failed, reason: ", err.Error())
		return nil, err
	}

	reason := result.Reason
	if reason == "" {
		reason = "Settlement was rejected"
	}
	subject := fmt.Sprint(order.OrderId)
	o.notifyUser(ctx, order.ChainId, order.UserId, models.ErrorMessage("settlement", subject, reason))
	o.notifyUser(ctx, order.ChainId, fill.MakerUserId, models.ErrorMessage("settlement", subject, reason))

	o.notifyMarket(ctx, order.ChainId, order.Market, models.NewMessage(models.OpOrderStatus, [][]any{
		models.StatusUpdate{ChainId: order.ChainId, OrderId: order.OrderId, Status: order.Status}.Row(),
	}))
	o.notifyMarket(ctx, order.ChainId, order.Market, models.NewMessage(models.OpFillStatus, [][]any{fill.StatusRow()}))

	return order, nil
}

func (o *OrderService) OpenOrders(ctx context.Context, chainId int64, market string) ([]models.Order, error) {
	return o.orders.OpenOrders(ctx, chainId, market)
}

// UserHistory returns the latest orders and fills of a user, as sent on login.
func (o *OrderService) UserHistory(ctx context.Context, userId string) ([]models.Order, []models.Fill, error) {
	orders, err := o.orders.UserOrders(ctx, userId, ledger.UserHistoryLimit)
	if err != nil {
		return nil, nil, err
	}

	fills, err := o.fills.UserFills(ctx, userId, ledger.UserHistoryLimit)
	if err != nil {
		return nil, nil, err
	}

	return orders, fills, nil
}

func (o *OrderService) notifyMarket(ctx context.Context, chainId int64, market string, msg models.Message) {
	if err := o.publisher.ToMarket(ctx, chainId, market, msg); err != nil {
		logrus.WithFields(logrus.Fields{"chainId": chainId, "market": market, "op": msg.Op}).Warningln("Broadcast failed: ", err.Error())
	}
}

func (o *OrderService) notifyUser(ctx context.Context, chainId int64, userId string, msg models.Message) {
	if err := o.publisher.ToUser(ctx, chainId, userId, msg); err != nil {
		logrus.WithFields(logrus.Fields{"chainId": chainId, "userId": userId, "op": msg.Op}).Warningln("User notification failed: ", err.Error())
	}
}

// publishStatusUpdates broadcasts one orderstatus message per affected market.
func publishStatusUpdates(ctx context.Context, publisher iPublisher, updates []models.StatusUpdate) {
	type marketKey struct {
		chainId int64
		market  string
	}

	grouped := make(map[marketKey][][]any)
	var order []marketKey
	for _, update := range updates {
		key := marketKey{chainId: update.ChainId, market: update.Market}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], update.Row())
	}

	for _, key := range order {
		if err := publisher.ToMarket(ctx, key.chainId, key.market, models.NewMessage(models.OpOrderStatus, grouped[key])); err != nil {
			logrus.WithFields(logrus.Fields{"chainId": key.chainId, "market": key.market}).Warningln("Broadcast failed: ", err.Error())
		}
	}
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"exchange-coordinator/models"
	"exchange-coordinator/quote"
	"exchange-coordinator/service"
	"exchange-coordinator/staticerr"

	"github.com/sirupsen/logrus"
)

const (
	OpLogin             = "login"
	OpSubscribeMarket   = "subscribemarket"
	OpUnsubscribeMarket = "unsubscribemarket"
	OpSubmitOrder       = "submitorder"
	OpFillRequest       = "fillrequest"
	OpIndicateLiquidity = "indicateliq2"
	OpRequestQuote      = "requestquote"
	OpCancelOrder       = "cancelorder"
	OpCancelAll         = "cancelall"
	OpOrderStatusUpdate = "orderstatusupdate"

	internalErrorReason = "Internal error, try again later"
)

type session interface {
	ID() string
	UserId() string
	Login(chainId int64, userId string)
	Subscribe(chainId int64, market string)
	Unsubscribe(chainId int64, market string)
	Reply(msg models.Message) error
}

type iOrderService interface {
	SubmitOrder(ctx context.Context, chainId int64, userId string, request service.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, chainId int64, orderId int64, userId string) (*models.Order, error)
	CancelAllOrders(ctx context.Context, userId string, chainId *int64) ([]models.StatusUpdate, error)
	SubmitFill(ctx context.Context, chainId int64, orderId int64, makerUserId string, makerPayload []byte) error
	OpenOrders(ctx context.Context, chainId int64, market string) ([]models.Order, error)
	UserHistory(ctx context.Context, userId string) ([]models.Order, []models.Fill, error)
}

type iMatcher interface {
	RequestMatch(ctx context.Context, chainId int64, orderId int64, request models.FillRequest, connId string) error
}

type iLiquidity interface {
	GetLiquidity(ctx context.Context, chainId int64, market string) ([]models.LiquidityPosition, error)
	UpdateLiquidity(ctx context.Context, chainId int64, market string, makerId string, positions []models.LiquidityPosition) ([]models.LiquidityRejection, error)
}

type iQuoter interface {
	Quote(ctx context.Context, chainId int64, market string, request quote.Request) (*quote.Quote, error)
}

type iMarkets interface {
	MarketInfo(ctx context.Context, chainId int64, market string) (*models.MarketInfo, error)
}

type envelope struct {
	Op   string    `json:"op"`
	Args arguments `json:"args"`
}

// opError carries the subject of the failed request into the error event.
type opError struct {
	subject string
	err     error
}

func (e *opError) Error() string {
	return e.err.Error()
}

func (e *opError) Unwrap() error {
	return e.err
}

func failed(subject any, err error) error {
	if err == nil {
		return nil
	}
	return &opError{subject: fmt.Sprint(subject), err: err}
}

type handlerFunc func(ctx context.Context, s session, args arguments) error

type Router struct {
	orders    iOrderService
	matcher   iMatcher
	liquidity iLiquidity
	quotes    iQuoter
	markets   iMarkets
	chains    map[int64]bool
	handlers  map[string]handlerFunc
}

func NewRouter(orders iOrderService, matcher iMatcher, liquidity iLiquidity, quotes iQuoter, markets iMarkets, chains []int64) *Router {
	r := &Router{
		orders:    orders,
		matcher:   matcher,
		liquidity: liquidity,
		quotes:    quotes,
		markets:   markets,
		chains:    make(map[int64]bool, len(chains)),
	}
	for _, chainId := range chains {
		r.chains[chainId] = true
	}

	r.handlers = map[string]handlerFunc{
		OpLogin:             r.login,
		OpSubscribeMarket:   r.subscribeMarket,
		OpUnsubscribeMarket: r.unsubscribeMarket,
		OpSubmitOrder:       r.authenticated(r.submitOrder),
		OpFillRequest:       r.authenticated(r.fillRequest),
		OpIndicateLiquidity: r.authenticated(r.indicateLiquidity),
		OpRequestQuote:      r.requestQuote,
		OpCancelOrder:       r.authenticated(r.cancelOrder),
		OpCancelAll:         r.authenticated(r.cancelAll),
		OpOrderStatusUpdate: r.authenticated(r.orderStatusUpdate),
	}
	return r
}

// Handle dispatches one client frame. Failures are answered with an error event.
func (r *Router) Handle(ctx context.Context, s session, raw []byte) {
	var request envelope
	if err := json.Unmarshal(raw, &request); err != nil {
		r.replyError(s, "message", "", staticerr.Invalid("Malformed message"))
		return
	}

	handler, ok := r.handlers[request.Op]
	if !ok {
		r.replyError(s, request.Op, "", staticerr.Invalid("Unsupported operation %q", request.Op))
		return
	}

	if err := handler(ctx, s, request.Args); err != nil {
		subject := ""
		var failure *opError
		if errors.As(err, &failure) {
			subject = failure.subject
		}
		r.replyError(s, request.Op, subject, err)
	}
}

func (r *Router) replyError(s session, op string, subject string, err error) {
	reason := reasonFor(err)
	if reason == internalErrorReason {
		logrus.WithFields(logrus.Fields{"op": op, "connId": s.ID()}).Errorln("Request failed: ", err.Error())
	}
	if replyErr := s.Reply(models.ErrorMessage(op, subject, reason)); replyErr != nil {
		logrus.WithField("connId", s.ID()).Warningln("Error reply failed: ", replyErr.Error())
	}
}

var userFacing = []error{
	staticerr.ErrorOrderExpired,
	staticerr.ErrOrderNotFound,
	staticerr.ErrOrderNotOpen,
	staticerr.ErrMakerBusy,
	staticerr.ErrMakerPassive,
	staticerr.ErrInsufficientLiquidity,
	staticerr.ErrNoLiquidity,
	staticerr.ErrNoValidLiquidity,
	staticerr.ErrMarketNotFound,
	staticerr.ErrRateLimited,
	staticerr.ErrUnauthorized,
	staticerr.ErrSettlementRejected,
}

// reasonFor keeps infrastructure details away from clients.
func reasonFor(err error) string {
	var wait *staticerr.WaitError
	if errors.As(err, &wait) || staticerr.IsValidation(err) {
		return err.Error()
	}
	for _, known := range userFacing {
		if errors.Is(err, known) {
			return err.Error()
		}
	}
	return internalErrorReason
}

func (r *Router) authenticated(next handlerFunc) handlerFunc {
	return func(ctx context.Context, s session, args arguments) error {
		if s.UserId() == "" {
			return staticerr.ErrUnauthorized
		}
		return next(ctx, s, args)
	}
}

func (r *Router) chainArg(args arguments, i int) (int64, error) {
	chainId, err := args.intArg(i, "chainId")
	if err != nil {
		return 0, err
	}
	if !r.chains[chainId] {
		return 0, staticerr.Invalid("%d is not a valid chain id", chainId)
	}
	return chainId, nil
}

func orderRows(orders []models.Order) [][]any {
	rows := make([][]any, 0, len(orders))
	for _, order := range orders {
		rows = append(rows, order.Row())
	}
	return rows
}

func fillRows(fills []models.Fill) [][]any {
	rows := make([][]any, 0, len(fills))
	for _, fill := range fills {
		rows = append(rows, fill.Row())
	}
	return rows
}

func (r *Router) login(ctx context.Context, s session, args arguments) error {
	chainId, err := r.chainArg(args, 0)
	if err != nil {
		return err
	}
	userId, err := args.stringArg(1, "userId")
	if err != nil {
		return err
	}

	s.Login(chainId, userId)
	logrus.WithFields(logrus.Fields{"connId": s.ID(), "chainId": chainId, "userId": userId}).Infoln("User logged in")

	orders, fills, err := r.orders.UserHistory(ctx, userId)
	if err != nil {
		return failed(userId, err)
	}

	if err = s.Reply(models.NewMessage(models.OpOrders, orderRows(orders))); err != nil {
		return err
	}
	return s.Reply(models.NewMessage(models.OpFills, fillRows(fills)))
}

func (r *Router) subscribeMarket(ctx context.Context, s session, args arguments) error {
	chainId, err := r.chainArg(args, 0)
	if err != nil {
		return err
	}
	market, err := args.stringArg(1, "market")
	if err != nil {
		return err
	}

	info, err := r.markets.MarketInfo(ctx, chainId, market)
	if err != nil {
		return failed(market, err)
	}

	s.Subscribe(chainId, market)

	if err = s.Reply(models.NewMessage(models.OpMarketInfo, info)); err != nil {
		return err
	}

	book, err := r.liquidity.GetLiquidity(ctx, chainId, market)
	if err != nil {
		return failed(market, err)
	}
	if err = s.Reply(models.NewMessage(models.OpLiquidity, chainId, market, book)); err != nil {
		return err
	}

	open, err := r.orders.OpenOrders(ctx, chainId, market)
	if err != nil {
		return failed(market, err)
	}
	return s.Reply(models.NewMessage(models.OpOrders, orderRows(open)))
}

func (r *Router) unsubscribeMarket(ctx context.Context, s session, args arguments) error {
	chainId, err := args.intArg(0, "chainId")
	if err != nil {
		return err
	}
	market, err := args.stringArg(1, "market")
	if err != nil {
		return err
	}

	s.Unsubscribe(chainId, market)
	return nil
}

type orderArgs struct {
	Side          string          `json:"side"`
	BaseQuantity  json.RawMessage `json:"baseQuantity"`
	QuoteQuantity json.RawMessage `json:"quoteQuantity"`
	Expires       int64           `json:"expires"`
	Payload       json.RawMessage `json:"payload"`
}

func (r *Router) submitOrder(ctx context.Context, s session, args arguments) error {
	chainId, err := r.chainArg(args, 0)
	if err != nil {
		return err
	}
	market, err := args.stringArg(1, "market")
	if err != nil {
		return err
	}

	var order orderArgs
	if err = args.decode(2, "order", &order); err != nil {
		return failed(market, err)
	}

	side, ok := models.ParseSide(order.Side)
	if !ok {
		return failed(market, staticerr.Invalid("Side must be \"s\" or \"b\""))
	}
	quantities := arguments{order.BaseQuantity, order.QuoteQuantity}
	base, err := quantities.decimalArg(0, "baseQuantity")
	if err != nil {
		return failed(market, err)
	}
	quoteQty, err := quantities.decimalArg(1, "quoteQuantity")
	if err != nil {
		return failed(market, err)
	}

	_, err = r.orders.SubmitOrder(ctx, chainId, s.UserId(), service.OrderRequest{
		Market:        market,
		Side:          side,
		BaseQuantity:  base,
		QuoteQuantity: quoteQty,
		Expires:       order.Expires,
		Payload:       order.Payload,
	})
	return failed(market, err)
}

func (r *Router) fillRequest(ctx context.Context, s session, args arguments) error {
	chainId, err := r.chainArg(args, 0)
	if err != nil {
		return err
	}
	orderId, err := args.intArg(1, "orderId")
	if err != nil {
		return err
	}

	var request models.FillRequest
	if err = args.decode(2, "fillOrder", &request); err != nil {
		return failed(orderId, err)
	}
	if request.MakerUserId == "" {
		request.MakerUserId = s.UserId()
	}
	if request.MakerUserId != s.UserId() {
		return failed(orderId, staticerr.ErrUnauthorized)
	}

	return failed(orderId, r.matcher.RequestMatch(ctx, chainId, orderId, request, s.ID()))
}

func (r *Router) indicateLiquidity(ctx context.Context, s session, args arguments) error {
	chainId, err := r.chainArg(args, 0)
	if err != nil {
		return err
	}
	market, err := args.stringArg(1, "market")
	if err != nil {
		return err
	}

	var positions []models.LiquidityPosition
	if err = args.decode(2, "liquidity", &positions); err != nil {
		return failed(market, err)
	}

	rejections, err := r.liquidity.UpdateLiquidity(ctx, chainId, market, s.UserId(), positions)
	for _, rejection := range rejections {
		reason := fmt.Sprintf("Position %d rejected: %s", rejection.Index, rejection.Reason)
		if replyErr := s.Reply(models.ErrorMessage(OpIndicateLiquidity, market, reason)); replyErr != nil {
			return replyErr
		}
	}
	return failed(market, err)
}

func (r *Router) requestQuote(ctx context.Context, s session, args arguments) error {
	chainId, err := r.chainArg(args, 0)
	if err != nil {
		return err
	}
	market, err := args.stringArg(1, "market")
	if err != nil {
		return err
	}
	sideArg, err := args.stringArg(2, "side")
	if err != nil {
		return failed(market, err)
	}
	side, ok := models.ParseSide(sideArg)
	if !ok {
		return failed(market, staticerr.Invalid("Side must be \"s\" or \"b\""))
	}
	base, err := args.decimalArg(3, "baseQuantity")
	if err != nil {
		return failed(market, err)
	}
	quoteQty, err := args.decimalArg(4, "quoteQuantity")
	if err != nil {
		return failed(market, err)
	}

	q, err := r.quotes.Quote(ctx, chainId, market, quote.Request{Side: side, BaseQuantity: base, QuoteQuantity: quoteQty})
	if err != nil {
		return failed(market, err)
	}

	return s.Reply(models.NewMessage(models.OpQuote, chainId, market, side,
		q.SoftBaseQuantity, q.SoftPrice, q.SoftQuoteQuantity, q.HardBaseQuantity, q.HardPrice, q.HardQuoteQuantity))
}

func (r *Router) cancelOrder(ctx context.Context, s session, args arguments) error {
	chainId, err := r.chainArg(args, 0)
	if err != nil {
		return err
	}
	orderId, err := args.intArg(1, "orderId")
	if err != nil {
		return err
	}

	_, err = r.orders.CancelOrder(ctx, chainId, orderId, s.UserId())
	return failed(orderId, err)
}

// cancelAll takes an optional chain id; without one every chain is affected.
func (r *Router) cancelAll(ctx context.Context, s session, args arguments) error {
	var chainId *int64
	if args.present(0) {
		id, err := r.chainArg(args, 0)
		if err != nil {
			return err
		}
		chainId = &id
	}

	_, err := r.orders.CancelAllOrders(ctx, s.UserId(), chainId)
	return failed(s.UserId(), err)
}

// orderStatusUpdate carries maker updates as [[chainId, orderId, status, payload], ...].
// Only "b" is accepted: the maker commits the assigned fill for settlement.
func (r *Router) orderStatusUpdate(ctx context.Context, s session, args arguments) error {
	var updates []arguments
	if err := args.decode(0, "updates", &updates); err != nil {
		return err
	}

	for _, update := range updates {
		chainId, err := r.chainArg(update, 0)
		if err != nil {
			return err
		}
		orderId, err := update.intArg(1, "orderId")
		if err != nil {
			return err
		}
		status, err := update.stringArg(2, "status")
		if err != nil {
			return failed(orderId, err)
		}
		if models.OrderStatus(status) != models.OrderStatusBusy {
			return failed(orderId, staticerr.Invalid("Status %q can not be set by makers", status))
		}

		var payload []byte
		if update.present(3) {
			payload = update[3]
		}

		if err = r.orders.SubmitFill(ctx, chainId, orderId, s.UserId(), payload); err != nil {
			return failed(orderId, err)
		}
	}
	return nil
}

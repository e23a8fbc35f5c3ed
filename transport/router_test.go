package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"exchange-coordinator/models"
	"exchange-coordinator/quote"
	"exchange-coordinator/service"
	"exchange-coordinator/staticerr"

	"github.com/shopspring/decimal"
)

type fakeSession struct {
	id         string
	chainId    int64
	userId     string
	subscribed map[string]bool
	replies    []models.Message
}

func newFakeSession() *fakeSession {
	return &fakeSession{id: "conn-1", subscribed: make(map[string]bool)}
}

func (s *fakeSession) ID() string     { return s.id }
func (s *fakeSession) UserId() string { return s.userId }
func (s *fakeSession) Login(chainId int64, userId string) {
	s.chainId, s.userId = chainId, userId
}
func (s *fakeSession) Subscribe(chainId int64, market string)   { s.subscribed[market] = true }
func (s *fakeSession) Unsubscribe(chainId int64, market string) { delete(s.subscribed, market) }
func (s *fakeSession) Reply(msg models.Message) error {
	s.replies = append(s.replies, msg)
	return nil
}

func (s *fakeSession) ops() []string {
	ops := make([]string, 0, len(s.replies))
	for _, r := range s.replies {
		ops = append(ops, r.Op)
	}
	return ops
}

type fakeServices struct {
	submitted  []service.OrderRequest
	canceled   []int64
	cancelAll  []*int64
	fills      []int64
	matches    []models.FillRequest
	matchConns []string
	liquidity  [][]models.LiquidityPosition
	rejections []models.LiquidityRejection
	err        error
}

func (f *fakeServices) SubmitOrder(ctx context.Context, chainId int64, userId string, request service.OrderRequest) (*models.Order, error) {
	f.submitted = append(f.submitted, request)
	return &models.Order{ChainId: chainId, OrderId: 1, UserId: userId}, f.err
}

func (f *fakeServices) CancelOrder(ctx context.Context, chainId int64, orderId int64, userId string) (*models.Order, error) {
	f.canceled = append(f.canceled, orderId)
	return &models.Order{OrderId: orderId}, f.err
}

func (f *fakeServices) CancelAllOrders(ctx context.Context, userId string, chainId *int64) ([]models.StatusUpdate, error) {
	f.cancelAll = append(f.cancelAll, chainId)
	return nil, f.err
}

func (f *fakeServices) SubmitFill(ctx context.Context, chainId int64, orderId int64, makerUserId string, makerPayload []byte) error {
	f.fills = append(f.fills, orderId)
	return f.err
}

func (f *fakeServices) OpenOrders(ctx context.Context, chainId int64, market string) ([]models.Order, error) {
	return []models.Order{{ChainId: chainId, OrderId: 5, Market: market}}, f.err
}

func (f *fakeServices) UserHistory(ctx context.Context, userId string) ([]models.Order, []models.Fill, error) {
	return []models.Order{{OrderId: 1, UserId: userId}}, []models.Fill{{FillId: 1}}, f.err
}

func (f *fakeServices) RequestMatch(ctx context.Context, chainId int64, orderId int64, request models.FillRequest, connId string) error {
	f.matches = append(f.matches, request)
	f.matchConns = append(f.matchConns, connId)
	return f.err
}

func (f *fakeServices) GetLiquidity(ctx context.Context, chainId int64, market string) ([]models.LiquidityPosition, error) {
	return nil, f.err
}

func (f *fakeServices) UpdateLiquidity(ctx context.Context, chainId int64, market string, makerId string, positions []models.LiquidityPosition) ([]models.LiquidityRejection, error) {
	f.liquidity = append(f.liquidity, positions)
	return f.rejections, f.err
}

func (f *fakeServices) Quote(ctx context.Context, chainId int64, market string, request quote.Request) (*quote.Quote, error) {
	if f.err != nil {
		return nil, f.err
	}
	price := decimal.NewFromInt(100)
	return &quote.Quote{SoftPrice: price, HardPrice: price, SoftBaseQuantity: request.BaseQuantity, HardBaseQuantity: request.BaseQuantity}, nil
}

func (f *fakeServices) MarketInfo(ctx context.Context, chainId int64, market string) (*models.MarketInfo, error) {
	if market != "ETH-USDC" {
		return nil, staticerr.ErrMarketNotFound
	}
	return &models.MarketInfo{Alias: market}, nil
}

func newTestRouter(f *fakeServices) *Router {
	return NewRouter(f, f, f, f, f, []int64{1, 1000})
}

func loggedIn() *fakeSession {
	s := newFakeSession()
	s.Login(1, "user-1")
	return s
}

func TestRouter_Handle(t *testing.T) {
	tests := []struct {
		name       string
		session    *fakeSession
		frame      string
		serviceErr error
		rejections []models.LiquidityRejection
		wantOps    []string
		wantReason string
		check      func(t *testing.T, f *fakeServices, s *fakeSession)
	}{
		{
			name:       "malformed frame",
			session:    newFakeSession(),
			frame:      `{"op":`,
			wantOps:    []string{models.OpError},
			wantReason: "Malformed message",
		},
		{
			name:       "unknown op",
			session:    newFakeSession(),
			frame:      `{"op":"dance","args":[]}`,
			wantOps:    []string{models.OpError},
			wantReason: `Unsupported operation "dance"`,
		},
		{
			name:       "login on unknown chain",
			session:    newFakeSession(),
			frame:      `{"op":"login","args":[5,"user-1"]}`,
			wantOps:    []string{models.OpError},
			wantReason: "5 is not a valid chain id",
		},
		{
			name:    "login sends history",
			session: newFakeSession(),
			frame:   `{"op":"login","args":[1,"user-1"]}`,
			wantOps: []string{models.OpOrders, models.OpFills},
			check: func(t *testing.T, f *fakeServices, s *fakeSession) {
				if s.userId != "user-1" || s.chainId != 1 {
					t.Errorf("session = %+v", s)
				}
			},
		},
		{
			name:    "subscribe sends snapshot",
			session: newFakeSession(),
			frame:   `{"op":"subscribemarket","args":[1,"ETH-USDC"]}`,
			wantOps: []string{models.OpMarketInfo, models.OpLiquidity, models.OpOrders},
			check: func(t *testing.T, f *fakeServices, s *fakeSession) {
				if !s.subscribed["ETH-USDC"] {
					t.Errorf("market not subscribed")
				}
			},
		},
		{
			name:       "subscribe unknown market",
			session:    newFakeSession(),
			frame:      `{"op":"subscribemarket","args":[1,"DOGE-USDC"]}`,
			wantOps:    []string{models.OpError},
			wantReason: "MarketNotFound",
		},
		{
			name:       "submit requires login",
			session:    newFakeSession(),
			frame:      `{"op":"submitorder","args":[1,"ETH-USDC",{"side":"s"}]}`,
			wantOps:    []string{models.OpError},
			wantReason: "Unauthorized",
		},
		{
			name:    "submit order",
			session: loggedIn(),
			frame:   `{"op":"submitorder","args":[1,"ETH-USDC",{"side":"s","baseQuantity":"1.5","quoteQuantity":150,"expires":1700000000,"payload":{"sig":"0x1"}}]}`,
			check: func(t *testing.T, f *fakeServices, s *fakeSession) {
				if len(f.submitted) != 1 {
					t.Fatalf("submitted = %d", len(f.submitted))
				}
				got := f.submitted[0]
				if got.Side != models.SideSell || !got.BaseQuantity.Equal(decimal.RequireFromString("1.5")) ||
					!got.QuoteQuantity.Equal(decimal.NewFromInt(150)) || got.Expires != 1700000000 || string(got.Payload) != `{"sig":"0x1"}` {
					t.Errorf("request = %+v", got)
				}
			},
		},
		{
			name:       "rate limited order keeps the reason",
			session:    loggedIn(),
			frame:      `{"op":"submitorder","args":[1,"ETH-USDC",{"side":"b","baseQuantity":"1","quoteQuantity":"100","expires":1}]}`,
			serviceErr: staticerr.ErrRateLimited,
			wantOps:    []string{models.OpError},
			wantReason: "RateLimited",
		},
		{
			name:       "expired order keeps the reason",
			session:    loggedIn(),
			frame:      `{"op":"submitorder","args":[1,"ETH-USDC",{"side":"b","baseQuantity":"1","quoteQuantity":"100","expires":1}]}`,
			serviceErr: fmt.Errorf("%w: order expires at 1", staticerr.ErrorOrderExpired),
			wantOps:    []string{models.OpError},
			wantReason: "OrderExpired: order expires at 1",
		},
		{
			name:    "fill request uses the connection",
			session: loggedIn(),
			frame:   `{"op":"fillrequest","args":[1,42,{"amount":"100000000"}]}`,
			check: func(t *testing.T, f *fakeServices, s *fakeSession) {
				if len(f.matches) != 1 || f.matches[0].MakerUserId != "user-1" || f.matchConns[0] != "conn-1" {
					t.Errorf("matches = %+v via %v", f.matches, f.matchConns)
				}
			},
		},
		{
			name:       "fill request for someone else",
			session:    loggedIn(),
			frame:      `{"op":"fillrequest","args":[1,42,{"accountId":"user-2","amount":"1"}]}`,
			wantOps:    []string{models.OpError},
			wantReason: "Unauthorized",
		},
		{
			name:       "liquidity rejections are reported",
			session:    loggedIn(),
			frame:      `{"op":"indicateliq2","args":[1,"ETH-USDC",[["s","101","1",1700000000],["x","1","1"]]]}`,
			rejections: []models.LiquidityRejection{{Index: 1, Reason: "invalid side"}},
			wantOps:    []string{models.OpError},
			check: func(t *testing.T, f *fakeServices, s *fakeSession) {
				if s.replies[0].Args[2] != "Position 1 rejected: invalid side" {
					t.Errorf("reason = %v", s.replies[0].Args[2])
				}
				if len(f.liquidity) != 1 || len(f.liquidity[0]) != 2 {
					t.Errorf("liquidity = %+v", f.liquidity)
				}
			},
		},
		{
			name:    "quote",
			session: newFakeSession(),
			frame:   `{"op":"requestquote","args":[1,"ETH-USDC","b","2"]}`,
			wantOps: []string{models.OpQuote},
		},
		{
			name:    "cancel all chains",
			session: loggedIn(),
			frame:   `{"op":"cancelall","args":[]}`,
			check: func(t *testing.T, f *fakeServices, s *fakeSession) {
				if len(f.cancelAll) != 1 || f.cancelAll[0] != nil {
					t.Errorf("cancelAll = %+v", f.cancelAll)
				}
			},
		},
		{
			name:    "cancel order",
			session: loggedIn(),
			frame:   `{"op":"cancelorder","args":[1,"9"]}`,
			check: func(t *testing.T, f *fakeServices, s *fakeSession) {
				if len(f.canceled) != 1 || f.canceled[0] != 9 {
					t.Errorf("canceled = %+v", f.canceled)
				}
			},
		},
		{
			name:    "maker commits fill",
			session: loggedIn(),
			frame:   `{"op":"orderstatusupdate","args":[[[1,42,"b",{"sig":"0x2"}]]]}`,
			check: func(t *testing.T, f *fakeServices, s *fakeSession) {
				if len(f.fills) != 1 || f.fills[0] != 42 {
					t.Errorf("fills = %+v", f.fills)
				}
			},
		},
		{
			name:       "maker can not fill directly",
			session:    loggedIn(),
			frame:      `{"op":"orderstatusupdate","args":[[[1,42,"f"]]]}`,
			wantOps:    []string{models.OpError},
			wantReason: `Status "f" can not be set by makers`,
		},
		{
			name:       "infrastructure errors stay internal",
			session:    loggedIn(),
			frame:      `{"op":"cancelorder","args":[1,9]}`,
			serviceErr: errors.New("pq: connection refused"),
			wantOps:    []string{models.OpError},
			wantReason: internalErrorReason,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeServices{err: tt.serviceErr, rejections: tt.rejections}
			router := newTestRouter(f)

			router.Handle(context.Background(), tt.session, []byte(tt.frame))

			ops := tt.session.ops()
			if len(ops) != len(tt.wantOps) {
				t.Fatalf("replies = %v, want %v", ops, tt.wantOps)
			}
			for i := range ops {
				if ops[i] != tt.wantOps[i] {
					t.Errorf("reply %d = %s, want %s", i, ops[i], tt.wantOps[i])
				}
			}
			if tt.wantReason != "" {
				last := tt.session.replies[len(tt.session.replies)-1]
				if last.Args[2] != tt.wantReason {
					t.Errorf("reason = %v, want %s", last.Args[2], tt.wantReason)
				}
			}
			if tt.check != nil {
				tt.check(t, f, tt.session)
			}
		})
	}
}

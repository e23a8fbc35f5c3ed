package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"exchange-coordinator/ledger"
	"exchange-coordinator/models"
	"exchange-coordinator/staticerr"
	"exchange-coordinator/storage"

	"github.com/alicebob/miniredis/v2"
	redisLib "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	testChain  = int64(1)
	testMarket = "ETH-USDC"
)

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func testMarketInfo() models.MarketInfo {
	return models.MarketInfo{
		Alias:                  testMarket,
		BaseAsset:              models.Asset{Symbol: "ETH", Decimals: 18},
		QuoteAsset:             models.Asset{Symbol: "USDC", Decimals: 6},
		BaseFee:                dec("0.001"),
		QuoteFee:               dec("1"),
		PricePrecisionDecimals: 4,
	}
}

func newTestRedis(t *testing.T) (*storage.RedisClient, *miniredis.Miniredis) {
	t.Helper()

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	cli := redisLib.NewClient(&redisLib.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = cli.Close() })

	return storage.WrapRedisClient(cli), s
}

type staticMarkets struct {
	markets map[string]models.MarketInfo
}

func newStaticMarkets(infos ...models.MarketInfo) *staticMarkets {
	markets := make(map[string]models.MarketInfo, len(infos))
	for _, info := range infos {
		markets[info.Alias] = info
	}
	return &staticMarkets{markets: markets}
}

func (s *staticMarkets) MarketInfo(ctx context.Context, chainId int64, market string) (*models.MarketInfo, error) {
	info, ok := s.markets[market]
	if !ok {
		return nil, staticerr.ErrMarketNotFound
	}
	return &info, nil
}

func (s *staticMarkets) Refresh(ctx context.Context, chainId int64) error {
	return nil
}

type sent struct {
	audience string
	target   string
	msg      models.Message
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []sent
}

func (p *recordingPublisher) record(audience string, target string, msg models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, sent{audience: audience, target: target, msg: msg})
	return nil
}

func (p *recordingPublisher) ToMarket(ctx context.Context, chainId int64, market string, msg models.Message) error {
	return p.record("market", market, msg)
}

func (p *recordingPublisher) ToChain(ctx context.Context, chainId int64, msg models.Message) error {
	return p.record("chain", "all", msg)
}

func (p *recordingPublisher) ToUser(ctx context.Context, chainId int64, userId string, msg models.Message) error {
	return p.record("user", userId, msg)
}

func (p *recordingPublisher) ToMaker(ctx context.Context, chainId int64, connId string, msg models.Message) error {
	return p.record("maker", connId, msg)
}

func (p *recordingPublisher) find(audience string, target string, op string) []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	var found []models.Message
	for _, m := range p.messages {
		if m.audience == audience && m.target == target && m.msg.Op == op {
			found = append(found, m.msg)
		}
	}
	return found
}

type recordingRelay struct {
	mu       sync.Mutex
	requests []models.SettlementRequest
	err      error
}

func (r *recordingRelay) Relay(ctx context.Context, request models.SettlementRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, request)
	return r.err
}

// memLedger keeps orders and fills in memory with the same guarded
// transitions as the relational ledger.
type memLedger struct {
	mu        sync.Mutex
	orders    map[int64]*models.Order
	fills     []*models.Fill
	nextOrder int64
	nextFill  int64

	// gate, when set, holds TransitionOrder callers until all of them arrived.
	gate *sync.WaitGroup
	// transitionErr, when set, fails every TransitionOrder call.
	transitionErr error
}

func newMemLedger() *memLedger {
	return &memLedger{orders: make(map[int64]*models.Order)}
}

func (l *memLedger) seedOrder(order models.Order) *models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextOrder++
	order.OrderId = l.nextOrder
	if order.ChainId == 0 {
		order.ChainId = testChain
	}
	if order.Market == "" {
		order.Market = testMarket
	}
	if order.Status == "" {
		order.Status = models.OrderStatusOpen
	}
	if order.Unfilled.IsZero() {
		order.Unfilled = order.BaseQuantity
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = time.Now()
	}
	stored := order
	l.orders[order.OrderId] = &stored
	copied := stored
	return &copied
}

func (l *memLedger) order(id int64) models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.orders[id]
}

func (l *memLedger) fillsOf(orderId int64) []models.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()

	var found []models.Fill
	for _, f := range l.fills {
		if f.TakerOrderId == orderId {
			found = append(found, *f)
		}
	}
	return found
}

func (l *memLedger) InsertOrder(ctx context.Context, order models.Order) (*models.Order, error) {
	return l.seedOrder(order), nil
}

func (l *memLedger) GetOrder(ctx context.Context, chainId int64, orderId int64) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.orders[orderId]
	if !ok || order.ChainId != chainId {
		return nil, staticerr.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (l *memLedger) TransitionOrder(ctx context.Context, chainId int64, orderId int64, from []models.OrderStatus, to models.OrderStatus) (*models.Order, error) {
	if l.gate != nil {
		l.gate.Done()
		l.gate.Wait()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.transitionErr != nil {
		return nil, l.transitionErr
	}

	order, ok := l.orders[orderId]
	if !ok || !containsStatus(from, order.Status) {
		return nil, staticerr.ErrTransitionLost
	}
	order.Status = to
	if to == models.OrderStatusMatched {
		order.MatchRound++
	}
	order.UpdatedAt = time.Now()
	copied := *order
	return &copied, nil
}

func (l *memLedger) SettleOrder(ctx context.Context, chainId int64, orderId int64, filled decimal.Decimal, txHash string) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.orders[orderId]
	if !ok || order.Status != models.OrderStatusBusy {
		return nil, staticerr.ErrTransitionLost
	}
	order.Unfilled = decimal.Max(order.Unfilled.Sub(filled), decimal.Zero)
	order.Status = models.OrderStatusPartialMatched
	if order.Unfilled.IsZero() {
		order.Status = models.OrderStatusFilled
	}
	if txHash != "" {
		order.TxHash = txHash
	}
	copied := *order
	return &copied, nil
}

func (l *memLedger) CancelOrder(ctx context.Context, chainId int64, orderId int64, userId string) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.orders[orderId]
	switch {
	case !ok:
		return nil, staticerr.ErrOrderNotFound
	case order.UserId != userId:
		return nil, staticerr.ErrUnauthorized
	case order.Status != models.OrderStatusOpen && order.Status != models.OrderStatusPartialMatched:
		return nil, staticerr.ErrOrderNotOpen
	}
	order.Status = models.OrderStatusCanceled
	copied := *order
	return &copied, nil
}

func (l *memLedger) cancelWhere(match func(*models.Order) bool) []models.StatusUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()

	var updates []models.StatusUpdate
	for id := int64(1); id <= l.nextOrder; id++ {
		order, ok := l.orders[id]
		if !ok || !match(order) {
			continue
		}
		order.Status = models.OrderStatusCanceled
		updates = append(updates, models.StatusUpdate{ChainId: order.ChainId, OrderId: id, Market: order.Market, Status: order.Status})
	}
	return updates
}

func openStatus(status models.OrderStatus) bool {
	return status == models.OrderStatusOpen || status == models.OrderStatusPartialMatched
}

func (l *memLedger) CancelUserOrders(ctx context.Context, userId string, chainId *int64) ([]models.StatusUpdate, error) {
	return l.cancelWhere(func(o *models.Order) bool {
		return o.UserId == userId && openStatus(o.Status) && (chainId == nil || o.ChainId == *chainId)
	}), nil
}

func (l *memLedger) CancelMarketOrders(ctx context.Context, chainId int64, market string) ([]models.StatusUpdate, error) {
	return l.cancelWhere(func(o *models.Order) bool {
		return o.ChainId == chainId && o.Market == market && openStatus(o.Status)
	}), nil
}

func (l *memLedger) CancelStale(ctx context.Context, chainId int64, cutoff time.Time) ([]models.StatusUpdate, error) {
	return l.cancelWhere(func(o *models.Order) bool {
		return o.ChainId == chainId && containsStatus(models.TransitionalStatuses, o.Status) && o.UpdatedAt.Before(cutoff)
	}), nil
}

func (l *memLedger) ExpireFills(ctx context.Context, chainId int64, cutoff time.Time) ([]models.Fill, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []models.Fill
	for _, f := range l.fills {
		if f.ChainId != chainId || f.UpdatedAt.After(cutoff) {
			continue
		}
		if f.Status != models.FillStatusMatched && f.Status != models.FillStatusBusy {
			continue
		}
		f.Status = models.FillStatusExpired
		f.FeeAmount = decimal.Zero
		expired = append(expired, *f)
	}
	return expired, nil
}

func (l *memLedger) ExpireDeclared(ctx context.Context, chainId int64, now time.Time) ([]models.StatusUpdate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var updates []models.StatusUpdate
	for id := int64(1); id <= l.nextOrder; id++ {
		order, ok := l.orders[id]
		if !ok || order.ChainId != chainId || !openStatus(order.Status) || order.Expires >= now.Unix() {
			continue
		}
		if order.Status == models.OrderStatusOpen {
			order.Status = models.OrderStatusExpired
		} else {
			order.Status = models.OrderStatusPartialFilled
		}
		updates = append(updates, models.StatusUpdate{ChainId: chainId, OrderId: id, Market: order.Market, Status: order.Status})
	}
	return updates, nil
}

func (l *memLedger) MarketVolumes(ctx context.Context, chainId int64, since time.Time) ([]models.MarketVolume, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	volumes := make(map[string]*models.MarketVolume)
	var markets []string
	for _, f := range l.fills {
		if f.ChainId != chainId || f.InsertedAt.Before(since) {
			continue
		}
		if f.Status == models.FillStatusExpired || f.Status == models.FillStatusReverted {
			continue
		}
		v, ok := volumes[f.Market]
		if !ok {
			v = &models.MarketVolume{ChainId: chainId, Market: f.Market}
			volumes[f.Market] = v
			markets = append(markets, f.Market)
		}
		v.BaseVolume = v.BaseVolume.Add(f.Amount)
		v.QuoteVolume = v.QuoteVolume.Add(f.Amount.Mul(f.Price))
	}

	result := make([]models.MarketVolume, 0, len(markets))
	for _, market := range markets {
		result = append(result, *volumes[market])
	}
	return result, nil
}

func (l *memLedger) PriceHighLow(ctx context.Context, chainId int64, since time.Time) ([]models.MarketHighLow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ranges := make(map[string]*models.MarketHighLow)
	var markets []string
	for _, f := range l.fills {
		if f.ChainId != chainId || f.Status != models.FillStatusFilled || f.InsertedAt.Before(since) {
			continue
		}
		r, ok := ranges[f.Market]
		if !ok {
			r = &models.MarketHighLow{ChainId: chainId, Market: f.Market, Low: f.Price, High: f.Price}
			ranges[f.Market] = r
			markets = append(markets, f.Market)
		}
		r.Low = decimal.Min(r.Low, f.Price)
		r.High = decimal.Max(r.High, f.Price)
	}

	result := make([]models.MarketHighLow, 0, len(markets))
	for _, market := range markets {
		result = append(result, *ranges[market])
	}
	return result, nil
}

func (l *memLedger) OpenOrders(ctx context.Context, chainId int64, market string) ([]models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var orders []models.Order
	for id := int64(1); id <= l.nextOrder; id++ {
		order, ok := l.orders[id]
		if ok && order.ChainId == chainId && order.Market == market &&
			(openStatus(order.Status) || order.Status == models.OrderStatusPartialFilled) {
			orders = append(orders, *order)
		}
	}
	return orders, nil
}

func (l *memLedger) UserOrders(ctx context.Context, userId string, limit int) ([]models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var orders []models.Order
	for id := l.nextOrder; id >= 1 && len(orders) < limit; id-- {
		if order, ok := l.orders[id]; ok && order.UserId == userId {
			orders = append(orders, *order)
		}
	}
	return orders, nil
}

func (l *memLedger) InsertFill(ctx context.Context, fill models.Fill) (*models.Fill, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, f := range l.fills {
		if f.ChainId == fill.ChainId && f.TakerOrderId == fill.TakerOrderId && f.MatchRound == fill.MatchRound {
			return nil, staticerr.ErrFillExists
		}
	}

	l.nextFill++
	fill.FillId = l.nextFill
	if fill.InsertedAt.IsZero() {
		fill.InsertedAt = time.Now()
	}
	fill.UpdatedAt = fill.InsertedAt
	stored := fill
	l.fills = append(l.fills, &stored)
	copied := stored
	return &copied, nil
}

func (l *memLedger) TransitionFill(ctx context.Context, chainId int64, takerOrderId int64, update ledger.FillUpdate) (*models.Fill, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var latest *models.Fill
	for _, f := range l.fills {
		if f.ChainId == chainId && f.TakerOrderId == takerOrderId && (latest == nil || f.MatchRound > latest.MatchRound) {
			latest = f
		}
	}
	if latest == nil || !containsFillStatus(update.From, latest.Status) {
		return nil, staticerr.ErrFillNotFound
	}

	latest.Status = update.To
	if update.TxHash != "" {
		latest.TxHash = update.TxHash
	}
	if update.FeeAmount != nil {
		latest.FeeAmount = *update.FeeAmount
	}
	if update.FeeToken != "" {
		latest.FeeToken = update.FeeToken
	}
	latest.UpdatedAt = time.Now()
	copied := *latest
	return &copied, nil
}

func (l *memLedger) UserFills(ctx context.Context, userId string, limit int) ([]models.Fill, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var fills []models.Fill
	for i := len(l.fills) - 1; i >= 0 && len(fills) < limit; i-- {
		if f := l.fills[i]; f.TakerUserId == userId || f.MakerUserId == userId {
			fills = append(fills, *f)
		}
	}
	return fills, nil
}

func containsStatus(statuses []models.OrderStatus, status models.OrderStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func containsFillStatus(statuses []models.FillStatus, status models.FillStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

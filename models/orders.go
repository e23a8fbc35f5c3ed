package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "b"
	SideSell Side = "s"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

func ParseSide(value string) (Side, bool) {
	switch value {
	case "b", "buy":
		return SideBuy, true
	case "s", "sell":
		return SideSell, true
	}
	return "", false
}

type OrderStatus string

const (
	OrderStatusOpen           OrderStatus = "o"
	OrderStatusMatched        OrderStatus = "m"
	OrderStatusBusy           OrderStatus = "b"
	OrderStatusPartialMatched OrderStatus = "pm"
	OrderStatusPartialFilled  OrderStatus = "pf"
	OrderStatusFilled         OrderStatus = "f"
	OrderStatusCanceled       OrderStatus = "c"
	OrderStatusExpired        OrderStatus = "e"
	OrderStatusReverted       OrderStatus = "r"
)

// MatchableStatuses are the states from which an order may enter a new match round.
var MatchableStatuses = []OrderStatus{OrderStatusOpen, OrderStatusPartialMatched}

// TransitionalStatuses are swept to canceled by the reconciler once stale.
var TransitionalStatuses = []OrderStatus{OrderStatusMatched, OrderStatusBusy, OrderStatusPartialMatched}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusOpen:           {OrderStatusMatched, OrderStatusCanceled, OrderStatusExpired},
	OrderStatusPartialMatched: {OrderStatusMatched, OrderStatusCanceled, OrderStatusPartialFilled},
	OrderStatusMatched:        {OrderStatusBusy, OrderStatusReverted, OrderStatusCanceled},
	OrderStatusBusy:           {OrderStatusPartialMatched, OrderStatusFilled, OrderStatusReverted, OrderStatusCanceled},
}

func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	_, ok := orderTransitions[s]
	return !ok
}

type Order struct {
	ChainId       int64           `json:"chain_id"`
	OrderId       int64           `json:"order_id"`
	Market        string          `json:"market"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	BaseQuantity  decimal.Decimal `json:"base_quantity"`
	QuoteQuantity decimal.Decimal `json:"quote_quantity"`
	Unfilled      decimal.Decimal `json:"unfilled"`
	Status        OrderStatus     `json:"status"`
	Expires       int64           `json:"expires"`
	UserId        string          `json:"user_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	TxHash        string          `json:"tx_hash,omitempty"`
	MatchRound    int             `json:"match_round"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Row is the positional shape of an order inside "orders" events.
func (o Order) Row() []any {
	var txHash any
	if o.TxHash != "" {
		txHash = o.TxHash
	}
	return []any{
		o.ChainId,
		o.OrderId,
		o.Market,
		o.Side,
		o.Price,
		o.BaseQuantity,
		o.QuoteQuantity,
		o.Expires,
		o.UserId,
		o.Status,
		txHash,
		o.Unfilled,
	}
}

// RemainingQuote is the quote amount still owed for the unfilled part of the order.
func (o Order) RemainingQuote() decimal.Decimal {
	if o.Unfilled.Equal(o.BaseQuantity) {
		return o.QuoteQuantity
	}
	return o.Unfilled.Mul(o.Price)
}

type StatusUpdate struct {
	ChainId  int64
	OrderId  int64
	Market   string
	Status   OrderStatus
	Unfilled *decimal.Decimal
}

func (u StatusUpdate) Row() []any {
	if u.Unfilled != nil {
		return []any{u.ChainId, u.OrderId, u.Status, *u.Unfilled}
	}
	return []any{u.ChainId, u.OrderId, u.Status}
}

package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// MatchCandidate is one maker response waiting in the candidate pool of a taker order.
type MatchCandidate struct {
	ChainId       int64           `json:"chain_id"`
	OrderId       int64           `json:"order_id"`
	MakerUserId   string          `json:"maker_user_id"`
	ConnId        string          `json:"conn_id"`
	Price         decimal.Decimal `json:"price"`
	OfferedAmount decimal.Decimal `json:"offered_amount"`
	FillPayload   json.RawMessage `json:"fill_payload,omitempty"`
	ArrivedAt     int64           `json:"arrived_at"`
	Passive       bool            `json:"passive,omitempty"`
}

// FillRequest is what a maker sends when it wants to fill an open order.
type FillRequest struct {
	MakerUserId string          `json:"accountId"`
	Amount      decimal.Decimal `json:"amount"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type MakerLock struct {
	OrderId int64  `json:"orderId"`
	ConnId  string `json:"connId"`
}

type SettlementRequest struct {
	RequestId    string
	ChainId      int64
	Market       string
	FillId       int64
	TakerOrderId int64
	Side         Side
	Price        decimal.Decimal
	Amount       decimal.Decimal
	TakerPayload json.RawMessage
	MakerPayload json.RawMessage
}

// SettlementResult reports the on-chain outcome of a relayed fill.
type SettlementResult struct {
	ChainId      int64           `json:"chain_id"`
	TakerOrderId int64           `json:"order_id"`
	Status       FillStatus      `json:"status"`
	TxHash       string          `json:"tx_hash"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	Reason       string          `json:"reason,omitempty"`
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type FillStatus string

const (
	FillStatusMatched  FillStatus = "m"
	FillStatusBusy     FillStatus = "b"
	FillStatusFilled   FillStatus = "f"
	FillStatusExpired  FillStatus = "e"
	FillStatusReverted FillStatus = "r"
)

type Fill struct {
	FillId       int64           `json:"fill_id"`
	ChainId      int64           `json:"chain_id"`
	Market       string          `json:"market"`
	TakerOrderId int64           `json:"taker_order_id"`
	TakerUserId  string          `json:"taker_user_id"`
	MakerUserId  string          `json:"maker_user_id"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	Status       FillStatus      `json:"status"`
	TxHash       string          `json:"tx_hash,omitempty"`
	FeeAmount    decimal.Decimal `json:"fee_amount"`
	FeeToken     string          `json:"fee_token,omitempty"`
	MatchRound   int             `json:"match_round"`
	InsertedAt   time.Time       `json:"inserted_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (f Fill) Row() []any {
	var txHash, feeToken any
	if f.TxHash != "" {
		txHash = f.TxHash
	}
	if f.FeeToken != "" {
		feeToken = f.FeeToken
	}
	return []any{
		f.ChainId,
		f.FillId,
		f.Market,
		f.Side,
		f.Price,
		f.Amount,
		f.Status,
		txHash,
		f.TakerUserId,
		f.MakerUserId,
		f.FeeAmount,
		feeToken,
		f.InsertedAt.Unix(),
	}
}

func (f Fill) StatusRow() []any {
	var txHash any
	if f.TxHash != "" {
		txHash = f.TxHash
	}
	return []any{f.ChainId, f.FillId, f.Status, txHash}
}

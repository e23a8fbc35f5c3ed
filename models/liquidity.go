package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LiquidityPosition is one maker quote. It is stored and broadcast as the
// positional array [side, price, quantity, expires, makerId].
type LiquidityPosition struct {
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Expires  int64
	MakerId  string
}

func (p LiquidityPosition) Expired(now time.Time) bool {
	return p.Expires <= now.Unix()
}

func (p LiquidityPosition) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Side, p.Price.String(), p.Quantity.String(), p.Expires, p.MakerId})
}

func (p *LiquidityPosition) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 3 {
		return fmt.Errorf("liquidity position: expected at least 3 fields, got %d", len(raw))
	}

	var side string
	if err := json.Unmarshal(raw[0], &side); err != nil {
		return fmt.Errorf("liquidity position side: %w", err)
	}
	p.Side = Side(side)

	if err := p.Price.UnmarshalJSON(raw[1]); err != nil {
		return fmt.Errorf("liquidity position price: %w", err)
	}
	if err := p.Quantity.UnmarshalJSON(raw[2]); err != nil {
		return fmt.Errorf("liquidity position quantity: %w", err)
	}

	p.Expires = 0
	if len(raw) > 3 && string(raw[3]) != "null" {
		var expires json.Number
		if err := json.Unmarshal(raw[3], &expires); err != nil {
			return fmt.Errorf("liquidity position expires: %w", err)
		}
		value, err := expires.Int64()
		if err != nil {
			return fmt.Errorf("liquidity position expires: %w", err)
		}
		p.Expires = value
	}

	p.MakerId = ""
	if len(raw) > 4 && string(raw[4]) != "null" {
		if err := json.Unmarshal(raw[4], &p.MakerId); err != nil {
			return fmt.Errorf("liquidity position maker: %w", err)
		}
	}
	return nil
}

// Level is one rung of a quote ladder.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

type LiquidityRejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

package models

import "github.com/shopspring/decimal"

type Asset struct {
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

type MarketInfo struct {
	Alias                  string          `json:"alias"`
	BaseAsset              Asset           `json:"baseAsset"`
	QuoteAsset             Asset           `json:"quoteAsset"`
	BaseFee                decimal.Decimal `json:"baseFee"`
	QuoteFee               decimal.Decimal `json:"quoteFee"`
	PricePrecisionDecimals int32           `json:"pricePrecisionDecimals"`
}

// Fee returns the fee charged for a fill on the given taker side.
func (m MarketInfo) Fee(side Side) (decimal.Decimal, string) {
	if side == SideSell {
		return m.BaseFee, m.BaseAsset.Symbol
	}
	return m.QuoteFee, m.QuoteAsset.Symbol
}

type LastPrice struct {
	Market      string           `json:"market"`
	Price       decimal.Decimal  `json:"price"`
	Change      decimal.Decimal  `json:"change"`
	QuoteVolume decimal.Decimal  `json:"quoteVolume"`
	BaseVolume  decimal.Decimal  `json:"baseVolume"`
	Low         *decimal.Decimal `json:"low,omitempty"`
	High        *decimal.Decimal `json:"high,omitempty"`
}

type MarketVolume struct {
	ChainId     int64
	Market      string
	BaseVolume  decimal.Decimal
	QuoteVolume decimal.Decimal
}

type MarketHighLow struct {
	ChainId int64
	Market  string
	Low     decimal.Decimal
	High    decimal.Decimal
}

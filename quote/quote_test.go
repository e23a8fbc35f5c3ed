package quote

import (
	"errors"
	"testing"

	"exchange-coordinator/models"
	"exchange-coordinator/staticerr"

	"github.com/shopspring/decimal"
)

func testMarket() models.MarketInfo {
	return models.MarketInfo{
		Alias:                  "ETH-USDC",
		BaseAsset:              models.Asset{Symbol: "ETH", Decimals: 18},
		QuoteAsset:             models.Asset{Symbol: "USDC", Decimals: 6},
		BaseFee:                decimal.RequireFromString("0.001"),
		QuoteFee:               decimal.RequireFromString("1"),
		PricePrecisionDecimals: 2,
	}
}

func testBook() []models.LiquidityPosition {
	pos := func(side models.Side, price, qty string) models.LiquidityPosition {
		return models.LiquidityPosition{Side: side, Price: decimal.RequireFromString(price), Quantity: decimal.RequireFromString(qty)}
	}
	return []models.LiquidityPosition{
		pos(models.SideBuy, "1990", "5"),
		pos(models.SideBuy, "1995", "1"),
		pos(models.SideSell, "2000", "1"),
		pos(models.SideSell, "2010", "5"),
	}
}

func TestGenerate_BaseQuantityBuy(t *testing.T) {
	q, err := Generate(testMarket(), testBook(), Request{Side: models.SideBuy, BaseQuantity: decimal.RequireFromString("2")})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// 1 @ 2000 + 1 @ 2010 plus the quote fee
	if !q.HardQuoteQuantity.Equal(decimal.RequireFromString("4011")) {
		t.Fatalf("unexpected hard quote quantity %s", q.HardQuoteQuantity)
	}
	if !q.HardPrice.Equal(decimal.RequireFromString("2005.5")) {
		t.Fatalf("unexpected hard price %s", q.HardPrice)
	}
	if !q.SoftPrice.GreaterThan(q.HardPrice) {
		t.Fatalf("expected soft price above hard price for buys, got %s <= %s", q.SoftPrice, q.HardPrice)
	}
}

func TestGenerate_BaseQuantitySellUsesBestBid(t *testing.T) {
	q, err := Generate(testMarket(), testBook(), Request{Side: models.SideSell, BaseQuantity: decimal.RequireFromString("1")})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !q.SoftPrice.LessThan(q.HardPrice) {
		t.Fatalf("expected soft price below hard price for sells")
	}
	if !q.HardPrice.LessThanOrEqual(decimal.RequireFromString("1995")) {
		t.Fatalf("expected price from best bid, got %s", q.HardPrice)
	}
}

func TestGenerate_QuoteQuantityBuy(t *testing.T) {
	q, err := Generate(testMarket(), testBook(), Request{Side: models.SideBuy, QuoteQuantity: decimal.RequireFromString("1001")})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !q.HardBaseQuantity.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("unexpected hard base quantity %s", q.HardBaseQuantity)
	}
	if !q.SoftQuoteQuantity.Equal(decimal.RequireFromString("1001")) {
		t.Fatalf("unexpected soft quote quantity %s", q.SoftQuoteQuantity)
	}
}

func TestGenerate_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		book       []models.LiquidityPosition
		req        Request
		wantErr    error
		validation bool
	}{
		{name: "both quantities", book: testBook(), req: Request{Side: models.SideBuy, BaseQuantity: decimal.NewFromInt(1), QuoteQuantity: decimal.NewFromInt(1)}, validation: true},
		{name: "no quantity", book: testBook(), req: Request{Side: models.SideBuy}, validation: true},
		{name: "bad side", book: testBook(), req: Request{Side: "x", BaseQuantity: decimal.NewFromInt(1)}, validation: true},
		{name: "negative", book: testBook(), req: Request{Side: models.SideBuy, BaseQuantity: decimal.NewFromInt(-1)}, validation: true},
		{name: "below fee", book: testBook(), req: Request{Side: models.SideBuy, BaseQuantity: decimal.RequireFromString("0.0001")}, validation: true},
		{name: "empty book", book: nil, req: Request{Side: models.SideBuy, BaseQuantity: decimal.NewFromInt(1)}, wantErr: staticerr.ErrNoLiquidity},
		{name: "too large", book: testBook(), req: Request{Side: models.SideBuy, BaseQuantity: decimal.NewFromInt(100)}, wantErr: staticerr.ErrInsufficientLiquidity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Generate(testMarket(), tt.book, tt.req)
			if tt.validation {
				if !staticerr.IsValidation(err) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

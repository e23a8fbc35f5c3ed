package quote

import (
	"errors"

	"exchange-coordinator/models"
	"exchange-coordinator/staticerr"

	"github.com/shopspring/decimal"
)

var (
	buySoftening       = decimal.RequireFromString("1.001")
	sellSoftening      = decimal.RequireFromString("0.999")
	quoteBuySoftening  = decimal.RequireFromString("1.0005")
	quoteSellSoftening = decimal.RequireFromString("0.9995")

	errNoPrice = errors.New("Internal Error. No price generated.")
)

// Request asks for a price on exactly one of the two quantities.
type Request struct {
	Side          models.Side
	BaseQuantity  decimal.Decimal
	QuoteQuantity decimal.Decimal
}

// Quote carries the executable (hard) terms and the slightly worse (soft)
// terms shown to the user to absorb movement before the order lands.
type Quote struct {
	SoftPrice         decimal.Decimal `json:"softPrice"`
	HardPrice         decimal.Decimal `json:"hardPrice"`
	SoftQuoteQuantity decimal.Decimal `json:"softQuoteQuantity"`
	HardQuoteQuantity decimal.Decimal `json:"hardQuoteQuantity"`
	SoftBaseQuantity  decimal.Decimal `json:"softBaseQuantity"`
	HardBaseQuantity  decimal.Decimal `json:"hardBaseQuantity"`
}

// Generate prices the request against a price ordered liquidity book.
func Generate(info models.MarketInfo, book []models.LiquidityPosition, req Request) (*Quote, error) {
	hasBase := !req.BaseQuantity.IsZero()
	hasQuote := !req.QuoteQuantity.IsZero()

	if hasBase == hasQuote {
		return nil, staticerr.Invalid("Only one of baseQuantity or quoteQuantity should be set")
	}
	if !req.Side.Valid() {
		return nil, staticerr.Invalid("Side must be \"s\" or \"b\"")
	}
	if req.BaseQuantity.IsNegative() || req.QuoteQuantity.IsNegative() {
		return nil, staticerr.Invalid("Quantity must be positive")
	}
	if len(book) == 0 {
		return nil, staticerr.ErrNoLiquidity
	}

	if hasBase {
		return fromBase(info, book, req)
	}
	return fromQuote(info, book, req)
}

func fromBase(info models.MarketInfo, book []models.LiquidityPosition, req Request) (*Quote, error) {
	qty := req.BaseQuantity
	if qty.LessThan(info.BaseFee) {
		return nil, staticerr.Invalid("Amount is inadequate to pay fee")
	}

	ladder := Asks(book)
	if req.Side == models.SideSell {
		ladder = Bids(book)
	}

	ladderPrice, err := FromLadder(ladder, qty)
	if err != nil {
		return nil, err
	}

	q := &Quote{HardBaseQuantity: qty.Round(info.BaseAsset.Decimals)}
	if q.HardBaseQuantity.IsZero() {
		return nil, staticerr.Invalid("Quantity must be positive")
	}

	if req.Side == models.SideBuy {
		q.HardQuoteQuantity = qty.Mul(ladderPrice).Add(info.QuoteFee).Round(info.QuoteAsset.Decimals)
		q.HardPrice = q.HardQuoteQuantity.Div(q.HardBaseQuantity).Round(info.PricePrecisionDecimals)
		q.SoftPrice = q.HardPrice.Mul(buySoftening).Round(info.PricePrecisionDecimals)
	} else {
		q.HardQuoteQuantity = qty.Sub(info.BaseFee).Mul(ladderPrice).Round(info.QuoteAsset.Decimals)
		q.HardPrice = q.HardQuoteQuantity.Div(q.HardBaseQuantity).Round(info.PricePrecisionDecimals)
		q.SoftPrice = q.HardPrice.Mul(sellSoftening).Round(info.PricePrecisionDecimals)
	}

	q.SoftBaseQuantity = q.HardBaseQuantity
	q.SoftQuoteQuantity = qty.Mul(q.SoftPrice).Round(info.QuoteAsset.Decimals)

	return q, nil
}

func fromQuote(info models.MarketInfo, book []models.LiquidityPosition, req Request) (*Quote, error) {
	qty := req.QuoteQuantity
	if qty.LessThan(info.QuoteFee) {
		return nil, staticerr.Invalid("Amount is inadequate to pay fee")
	}

	ladder := Asks(book)
	if req.Side == models.SideSell {
		ladder = Bids(book)
	}

	ladderPrice, err := FromLadder(QuoteDenominated(ladder), qty)
	if err != nil {
		return nil, err
	}

	q := &Quote{HardQuoteQuantity: qty.Round(info.QuoteAsset.Decimals)}

	if req.Side == models.SideBuy {
		q.HardBaseQuantity = qty.Sub(info.QuoteFee).Div(ladderPrice).Round(info.BaseAsset.Decimals)
	} else {
		q.HardBaseQuantity = qty.Div(ladderPrice).Add(info.BaseFee).Round(info.BaseAsset.Decimals)
	}
	if !q.HardBaseQuantity.IsPositive() {
		return nil, staticerr.Invalid("Amount is inadequate to pay fee")
	}

	q.HardPrice = q.HardQuoteQuantity.Div(q.HardBaseQuantity).Round(info.PricePrecisionDecimals)
	if req.Side == models.SideBuy {
		q.SoftPrice = q.HardPrice.Mul(quoteBuySoftening).Round(info.PricePrecisionDecimals)
	} else {
		q.SoftPrice = q.HardPrice.Mul(quoteSellSoftening).Round(info.PricePrecisionDecimals)
	}

	if !q.SoftPrice.IsPositive() {
		return nil, errNoPrice
	}

	q.SoftQuoteQuantity = q.HardQuoteQuantity
	q.SoftBaseQuantity = qty.Div(q.SoftPrice).Round(info.BaseAsset.Decimals)

	return q, nil
}

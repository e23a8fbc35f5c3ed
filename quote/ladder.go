package quote

import (
	"exchange-coordinator/models"
	"exchange-coordinator/staticerr"

	"github.com/shopspring/decimal"
)

// FromLadder walks the ladder from its first level and returns the average
// price paid for qty. The ladder must be ordered best price first.
func FromLadder(ladder []models.Level, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, staticerr.Invalid("Quantity must be positive")
	}

	sum := decimal.Zero
	unfilled := qty

	for _, level := range ladder {
		if level.Quantity.GreaterThanOrEqual(unfilled) {
			sum = sum.Add(unfilled.Mul(level.Price))
			unfilled = decimal.Zero
			break
		}
		sum = sum.Add(level.Quantity.Mul(level.Price))
		unfilled = unfilled.Sub(level.Quantity)
	}

	if unfilled.IsPositive() {
		return decimal.Zero, staticerr.ErrInsufficientLiquidity
	}

	return sum.Div(qty), nil
}

// Asks returns the sell positions of a price ordered book as a ladder, lowest first.
func Asks(book []models.LiquidityPosition) []models.Level {
	var levels []models.Level
	for _, p := range book {
		if p.Side == models.SideSell {
			levels = append(levels, models.Level{Price: p.Price, Quantity: p.Quantity})
		}
	}
	return levels
}

// Bids returns the buy positions of a price ordered book as a ladder, highest first.
func Bids(book []models.LiquidityPosition) []models.Level {
	var levels []models.Level
	for i := len(book) - 1; i >= 0; i-- {
		if book[i].Side == models.SideBuy {
			levels = append(levels, models.Level{Price: book[i].Price, Quantity: book[i].Quantity})
		}
	}
	return levels
}

// QuoteDenominated turns a base quantity ladder into one measured in quote amounts.
func QuoteDenominated(ladder []models.Level) []models.Level {
	levels := make([]models.Level, 0, len(ladder))
	for _, level := range ladder {
		levels = append(levels, models.Level{Price: level.Price, Quantity: level.Price.Mul(level.Quantity)})
	}
	return levels
}

package service

import (
	"context"

	"exchange-coordinator/quote"
	"exchange-coordinator/staticerr"
)

type QuoteService struct {
	liquidity *LiquidityService
	markets   iMarketInfo
	chains    map[int64]bool
}

func NewQuoteService(liquidity *LiquidityService, markets iMarketInfo, chains []int64) *QuoteService {
	enabled := make(map[int64]bool, len(chains))
	for _, chainId := range chains {
		enabled[chainId] = true
	}
	return &QuoteService{liquidity: liquidity, markets: markets, chains: enabled}
}

// Quote prices a request against the current book of the market.
func (q *QuoteService) Quote(ctx context.Context, chainId int64, market string, request quote.Request) (*quote.Quote, error) {
	if !q.chains[chainId] {
		return nil, staticerr.Invalid("Quotes not supported for this chain")
	}

	info, err := q.markets.MarketInfo(ctx, chainId, market)
	if err != nil {
		return nil, err
	}

	book, err := q.liquidity.GetLiquidity(ctx, chainId, market)
	if err != nil {
		return nil, err
	}

	return quote.Generate(*info, book, request)
}


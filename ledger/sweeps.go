package ledger

import (
	"context"
	"time"

	"exchange-coordinator/models"
)

// CancelStale force-cancels orders stuck in a transitional status since before
// cutoff. The status guard makes concurrent sweeps update each row once.
func (s *Store) CancelStale(ctx context.Context, chainId int64, cutoff time.Time) ([]models.StatusUpdate, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE orders
		SET status = 'c', updated_at = now()
		WHERE chainid = $1 AND status = ANY($2) AND updated_at < $3
		RETURNING chainid, id, market, status
	`, chainId, orderStatusArgs(models.TransitionalStatuses), cutoff)
	if err != nil {
		return nil, err
	}
	return scanStatusUpdates(rows)
}

// ExpireFills expires fills that never reached settlement. Expired fills carry no fee.
func (s *Store) ExpireFills(ctx context.Context, chainId int64, cutoff time.Time) ([]models.Fill, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE fills
		SET status = 'e', fee_amount = 0, updated_at = now()
		WHERE chainid = $1 AND status IN ('m', 'b') AND updated_at < $2
		RETURNING `+fillColumns,
		chainId, cutoff)
	if err != nil {
		return nil, err
	}
	return collectFills(rows)
}

// ExpireDeclared closes orders whose signed expiry has passed: open orders
// expire, partially filled ones close as partially filled.
func (s *Store) ExpireDeclared(ctx context.Context, chainId int64, now time.Time) ([]models.StatusUpdate, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE orders
		SET status = CASE status WHEN 'o' THEN 'e' ELSE 'pf' END, updated_at = now()
		WHERE chainid = $1 AND status IN ('o', 'pm') AND expires < $2
		RETURNING chainid, id, market, status
	`, chainId, now.Unix())
	if err != nil {
		return nil, err
	}
	return scanStatusUpdates(rows)
}

// MarketVolumes sums the traded amounts per market since the given time.
func (s *Store) MarketVolumes(ctx context.Context, chainId int64, since time.Time) ([]models.MarketVolume, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT market, SUM(amount)::text, SUM(amount * price)::text
		FROM fills
		WHERE chainid = $1 AND inserted_at > $2 AND status IN ('m', 'b', 'f')
		GROUP BY market
	`, chainId, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var volumes []models.MarketVolume
	for rows.Next() {
		volume := models.MarketVolume{ChainId: chainId}
		var baseStr, quoteStr string
		if err := rows.Scan(&volume.Market, &baseStr, &quoteStr); err != nil {
			return nil, err
		}
		if volume.BaseVolume, err = parseDecimal("base_volume", baseStr); err != nil {
			return nil, err
		}
		if volume.QuoteVolume, err = parseDecimal("quote_volume", quoteStr); err != nil {
			return nil, err
		}
		volumes = append(volumes, volume)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return volumes, nil
}

// PriceHighLow returns the settled price range per market since the given time.
func (s *Store) PriceHighLow(ctx context.Context, chainId int64, since time.Time) ([]models.MarketHighLow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT market, MIN(price)::text, MAX(price)::text
		FROM fills
		WHERE chainid = $1 AND inserted_at > $2 AND status = 'f'
		GROUP BY market
	`, chainId, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ranges []models.MarketHighLow
	for rows.Next() {
		priceRange := models.MarketHighLow{ChainId: chainId}
		var lowStr, highStr string
		if err := rows.Scan(&priceRange.Market, &lowStr, &highStr); err != nil {
			return nil, err
		}
		if priceRange.Low, err = parseDecimal("low", lowStr); err != nil {
			return nil, err
		}
		if priceRange.High, err = parseDecimal("high", highStr); err != nil {
			return nil, err
		}
		ranges = append(ranges, priceRange)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ranges, nil
}

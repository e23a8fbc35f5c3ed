package ledger

import (
	"context"
	"errors"

	"exchange-coordinator/models"
	"exchange-coordinator/staticerr"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// InsertFill records the outcome of a match round. A second fill for the same
// taker order and round fails with ErrFillExists.
func (s *Store) InsertFill(ctx context.Context, fill models.Fill) (*models.Fill, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO fills (chainid, market, taker_order_id, taker_user_id, maker_user_id, side, price, amount, status, fee_amount, fee_token, match_round)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (chainid, taker_order_id, match_round) DO NOTHING
		RETURNING `+fillColumns,
		fill.ChainId, fill.Market, fill.TakerOrderId, fill.TakerUserId, fill.MakerUserId, string(fill.Side),
		fill.Price.String(), fill.Amount.String(), string(fill.Status), fill.FeeAmount.String(),
		nullableString(fill.FeeToken), fill.MatchRound)

	stored, err := scanFillRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, staticerr.ErrFillExists
		}
		return nil, err
	}
	return stored, nil
}

// FillUpdate describes a guarded fill transition. Nil fee fields leave the
// stored values untouched.
type FillUpdate struct {
	From      []models.FillStatus
	To        models.FillStatus
	TxHash    string
	FeeAmount *decimal.Decimal
	FeeToken  string
}

// TransitionFill updates the latest fill of a taker order.
func (s *Store) TransitionFill(ctx context.Context, chainId int64, takerOrderId int64, update FillUpdate) (*models.Fill, error) {
	var fee any
	if update.FeeAmount != nil {
		fee = update.FeeAmount.String()
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE fills
		SET status = $1,
		    txhash = COALESCE($2, txhash),
		    fee_amount = COALESCE($3::numeric, fee_amount),
		    fee_token = COALESCE($4, fee_token),
		    updated_at = now()
		WHERE id = (
			SELECT id
			FROM fills
			WHERE chainid = $5 AND taker_order_id = $6
			ORDER BY match_round DESC
			LIMIT 1
		) AND status = ANY($7)
		RETURNING `+fillColumns,
		string(update.To), nullableString(update.TxHash), fee, nullableString(update.FeeToken),
		chainId, takerOrderId, fillStatusArgs(update.From))

	fill, err := scanFillRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, staticerr.ErrFillNotFound
		}
		return nil, err
	}
	return fill, nil
}

// UserFills lists the fills a user took part in, as taker or maker.
func (s *Store) UserFills(ctx context.Context, userId string, limit int) ([]models.Fill, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+fillColumns+`
		FROM fills
		WHERE taker_user_id = $1 OR maker_user_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, userId, limit)
	if err != nil {
		return nil, err
	}
	return collectFills(rows)
}

func collectFills(rows pgx.Rows) ([]models.Fill, error) {
	defer rows.Close()

	var fills []models.Fill
	for rows.Next() {
		fill, err := scanFillRow(rows)
		if err != nil {
			return nil, err
		}
		fills = append(fills, *fill)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return fills, nil
}

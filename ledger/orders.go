package ledger

import (
	"context"
	"errors"

	"exchange-coordinator/models"
	"exchange-coordinator/staticerr"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

func (s *Store) InsertOrder(ctx context.Context, order models.Order) (*models.Order, error) {
	var payload any
	if len(order.Payload) > 0 {
		payload = []byte(order.Payload)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO orders (chainid, userid, market, side, price, base_quantity, quote_quantity, unfilled, expires, status, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+orderColumns,
		order.ChainId, order.UserId, order.Market, string(order.Side), order.Price.String(), order.BaseQuantity.String(),
		order.QuoteQuantity.String(), order.Unfilled.String(), order.Expires, string(order.Status), payload)

	return scanOrderRow(row)
}

func (s *Store) GetOrder(ctx context.Context, chainId int64, orderId int64) (*models.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE chainid = $1 AND id = $2
	`, chainId, orderId)

	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, staticerr.ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// TransitionOrder moves the order to the target status only while it is in one
// of the expected statuses. ErrTransitionLost means another path owns the order.
// Entering "matched" opens a new match round.
func (s *Store) TransitionOrder(ctx context.Context, chainId int64, orderId int64, from []models.OrderStatus, to models.OrderStatus) (*models.Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $1,
		    match_round = CASE WHEN $1 = 'm' THEN match_round + 1 ELSE match_round END,
		    updated_at = now()
		WHERE chainid = $2 AND id = $3 AND status = ANY($4)
		RETURNING `+orderColumns,
		string(to), chainId, orderId, orderStatusArgs(from))

	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, staticerr.ErrTransitionLost
		}
		return nil, err
	}
	return order, nil
}

// SettleOrder applies a confirmed on-chain fill to a busy order. The order is
// filled once nothing is left unfilled and re-enters matching otherwise.
func (s *Store) SettleOrder(ctx context.Context, chainId int64, orderId int64, filled decimal.Decimal, txHash string) (*models.Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET unfilled = GREATEST(unfilled - $1::numeric, 0),
		    status = CASE WHEN GREATEST(unfilled - $1::numeric, 0) = 0 THEN 'f' ELSE 'pm' END,
		    txhash = COALESCE($2, txhash),
		    updated_at = now()
		WHERE chainid = $3 AND id = $4 AND status = 'b'
		RETURNING `+orderColumns,
		filled.String(), nullableString(txHash), chainId, orderId)

	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, staticerr.ErrTransitionLost
		}
		return nil, err
	}
	return order, nil
}

// CancelOrder cancels an open order on behalf of its owner.
func (s *Store) CancelOrder(ctx context.Context, chainId int64, orderId int64, userId string) (*models.Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = 'c', updated_at = now()
		WHERE chainid = $1 AND id = $2 AND userid = $3 AND status IN ('o', 'pm')
		RETURNING `+orderColumns,
		chainId, orderId, userId)

	order, err := scanOrderRow(row)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var owner string
	check := s.pool.QueryRow(ctx, `
		SELECT userid
		FROM orders
		WHERE chainid = $1 AND id = $2
	`, chainId, orderId)
	if scanErr := check.Scan(&owner); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, staticerr.ErrOrderNotFound
		}
		return nil, scanErr
	}
	if owner != userId {
		return nil, staticerr.ErrUnauthorized
	}
	return nil, staticerr.ErrOrderNotOpen
}

// CancelUserOrders cancels every open order of the user, optionally on one chain only.
func (s *Store) CancelUserOrders(ctx context.Context, userId string, chainId *int64) ([]models.StatusUpdate, error) {
	query := `
		UPDATE orders
		SET status = 'c', updated_at = now()
		WHERE userid = $1 AND status IN ('o', 'pm')
	`
	args := []any{userId}
	if chainId != nil {
		query += ` AND chainid = $2`
		args = append(args, *chainId)
	}
	query += ` RETURNING chainid, id, market, status`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanStatusUpdates(rows)
}

// CancelMarketOrders cancels the open orders of a market that lost all its liquidity.
func (s *Store) CancelMarketOrders(ctx context.Context, chainId int64, market string) ([]models.StatusUpdate, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE orders
		SET status = 'c', updated_at = now()
		WHERE chainid = $1 AND market = $2 AND status IN ('o', 'pm')
		RETURNING chainid, id, market, status
	`, chainId, market)
	if err != nil {
		return nil, err
	}
	return scanStatusUpdates(rows)
}

// OpenOrders lists orders of a market that are still visible in the book.
func (s *Store) OpenOrders(ctx context.Context, chainId int64, market string) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE chainid = $1 AND market = $2 AND status IN ('o', 'pm', 'pf')
		ORDER BY id
	`, chainId, market)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *Store) UserOrders(ctx context.Context, userId string, limit int) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE userid = $1
		ORDER BY id DESC
		LIMIT $2
	`, userId, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return orders, nil
}

package ledger

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"exchange-coordinator/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var Schema string

// UserHistoryLimit caps the orders and fills returned to a user on login.
const UserHistoryLimit = 25

// Store is the Order Ledger. Every status change goes through a guarded
// UPDATE so that concurrent coordinators cannot both win a transition.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

const orderColumns = `chainid, id, userid, market, side, price::text, base_quantity::text, quote_quantity::text,
	unfilled::text, expires, status, payload, txhash, match_round, created_at, updated_at`

const fillColumns = `id, chainid, market, taker_order_id, taker_user_id, maker_user_id, side, price::text,
	amount::text, status, txhash, fee_amount::text, fee_token, match_round, inserted_at, updated_at`

func scanOrderRow(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var side, status string
	var priceStr, baseStr, quoteStr, unfilledStr string
	var payload []byte
	var txHash *string

	if err := row.Scan(
		&order.ChainId,
		&order.OrderId,
		&order.UserId,
		&order.Market,
		&side,
		&priceStr,
		&baseStr,
		&quoteStr,
		&unfilledStr,
		&order.Expires,
		&status,
		&payload,
		&txHash,
		&order.MatchRound,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if order.Price, err = parseDecimal("price", priceStr); err != nil {
		return nil, err
	}
	if order.BaseQuantity, err = parseDecimal("base_quantity", baseStr); err != nil {
		return nil, err
	}
	if order.QuoteQuantity, err = parseDecimal("quote_quantity", quoteStr); err != nil {
		return nil, err
	}
	if order.Unfilled, err = parseDecimal("unfilled", unfilledStr); err != nil {
		return nil, err
	}

	order.Side = models.Side(strings.TrimSpace(side))
	order.Status = models.OrderStatus(strings.TrimSpace(status))
	order.Payload = payload
	if txHash != nil {
		order.TxHash = *txHash
	}

	return &order, nil
}

func scanFillRow(row pgx.Row) (*models.Fill, error) {
	var fill models.Fill
	var side, status string
	var priceStr, amountStr, feeStr string
	var txHash, feeToken *string

	if err := row.Scan(
		&fill.FillId,
		&fill.ChainId,
		&fill.Market,
		&fill.TakerOrderId,
		&fill.TakerUserId,
		&fill.MakerUserId,
		&side,
		&priceStr,
		&amountStr,
		&status,
		&txHash,
		&feeStr,
		&feeToken,
		&fill.MatchRound,
		&fill.InsertedAt,
		&fill.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if fill.Price, err = parseDecimal("price", priceStr); err != nil {
		return nil, err
	}
	if fill.Amount, err = parseDecimal("amount", amountStr); err != nil {
		return nil, err
	}
	if fill.FeeAmount, err = parseDecimal("fee_amount", feeStr); err != nil {
		return nil, err
	}

	fill.Side = models.Side(strings.TrimSpace(side))
	fill.Status = models.FillStatus(strings.TrimSpace(status))
	if txHash != nil {
		fill.TxHash = *txHash
	}
	if feeToken != nil {
		fill.FeeToken = *feeToken
	}

	return &fill, nil
}

func scanStatusUpdates(rows pgx.Rows) ([]models.StatusUpdate, error) {
	defer rows.Close()

	var updates []models.StatusUpdate
	for rows.Next() {
		var update models.StatusUpdate
		var status string
		if err := rows.Scan(&update.ChainId, &update.OrderId, &update.Market, &status); err != nil {
			return nil, err
		}
		update.Status = models.OrderStatus(strings.TrimSpace(status))
		updates = append(updates, update)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return updates, nil
}

func parseDecimal(column string, value string) (decimal.Decimal, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", column, err)
	}
	return parsed, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func orderStatusArgs(statuses []models.OrderStatus) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return values
}

func fillStatusArgs(statuses []models.FillStatus) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return values
}

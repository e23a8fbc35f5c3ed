package rabbit

import (
	"context"
	"encoding/json"
	"errors"

	"exchange-coordinator/models"
	"exchange-coordinator/staticerr"

	"github.com/sirupsen/logrus"
)

type iSettlementApplier interface {
	ApplySettlementResult(ctx context.Context, result models.SettlementResult) (*models.Order, error)
}

func parseSettlementResult(body []byte) (*models.SettlementResult, error) {
	var result models.SettlementResult

	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}

	if result.TakerOrderId == 0 || result.ChainId == 0 {
		return nil, staticerr.Invalid("settlement result without order")
	}

	return &result, nil
}

// retrySettlement requeues infrastructure failures only. A result for an order
// that already left the busy state is a duplicate and is dropped.
func retrySettlement(err error) bool {
	switch {
	case errors.Is(err, staticerr.ErrTransitionLost),
		errors.Is(err, staticerr.ErrFillNotFound),
		errors.Is(err, staticerr.ErrOrderNotFound),
		staticerr.IsValidation(err):
		return false
	}
	return true
}

// NewSettlementProcessor consumes settlement outcomes into the order ledger.
func NewSettlementProcessor(orders iSettlementApplier) Processor[models.SettlementResult] {
	handler := func(ctx context.Context, result *models.SettlementResult) error {
		order, err := orders.ApplySettlementResult(ctx, *result)
		if err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"chainId": order.ChainId,
			"orderId": order.OrderId,
			"status":  order.Status,
		}).Infoln("Settlement outcome applied")
		return nil
	}

	return NewProcessor[models.SettlementResult](parseSettlementResult, handler, retrySettlement)
}

package staticerr

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrorRabbitConnectionFail = errors.New("RabbitUnvailable")
	ErrorResourceIsLocked     = errors.New("ResourceIsLocked")
	ErrorOrderExpired         = errors.New("OrderExpired")

	ErrOrderNotFound         = errors.New("OrderNotFound")
	ErrOrderNotOpen          = errors.New("OrderNotOpen")
	ErrTransitionLost        = errors.New("TransitionLost")
	ErrFillExists            = errors.New("FillExists")
	ErrFillNotFound          = errors.New("FillNotFound")
	ErrMakerBusy             = errors.New("MakerBusy")
	ErrMakerPassive          = errors.New("MakerPassive")
	ErrPoolEmpty             = errors.New("CandidatePoolEmpty")
	ErrInsufficientLiquidity = errors.New("InsufficientLiquidity")
	ErrNoLiquidity           = errors.New("NoLiquidityForPair")
	ErrNoValidLiquidity      = errors.New("NoValidLiquidity")
	ErrMarketNotFound        = errors.New("MarketNotFound")
	ErrRateLimited           = errors.New("RateLimited")
	ErrUnauthorized          = errors.New("Unauthorized")
	ErrSettlementRejected    = errors.New("SettlementRejected")
)

// ValidationError carries a reason that is safe to show to the caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// WaitError decorates a contention error with the time left before the resource frees up.
type WaitError struct {
	Err       error
	OrderId   int64
	Remaining time.Duration
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("Your address did not respond to order (%d) yet. Remaining timeout: %d.", e.OrderId, int64(e.Remaining.Seconds()))
}

func (e *WaitError) Unwrap() error {
	return e.Err
}

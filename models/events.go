package models

const (
	OpOrders         = "orders"
	OpOrderStatus    = "orderstatus"
	OpFills          = "fills"
	OpFillStatus     = "fillstatus"
	OpLiquidity      = "liquidity2"
	OpLastPrice      = "lastprice"
	OpMarketInfo     = "marketinfo"
	OpError          = "error"
	OpUserOrderMatch = "userordermatch"
	OpUserOrderAck   = "userorderack"
	OpQuote          = "quote"
)

// Message is the {op, args} envelope delivered to subscribers.
type Message struct {
	Op   string `json:"op"`
	Args []any  `json:"args"`
}

func NewMessage(op string, args ...any) Message {
	if args == nil {
		args = []any{}
	}
	return Message{Op: op, Args: args}
}

func ErrorMessage(context string, subject string, reason string) Message {
	return NewMessage(OpError, context, subject, reason)
}

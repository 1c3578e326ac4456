package domain

// Order statuses as reported by the broker gateway. Orders in any of the
// first three states are still working at the exchange.
const (
	OrderStatusPending        = "PENDING"
	OrderStatusOpen           = "OPEN"
	OrderStatusTriggerPending = "TRIGGER PENDING"
	OrderStatusComplete       = "COMPLETE"
	OrderStatusCancelled      = "CANCELLED"
	OrderStatusRejected       = "REJECTED"
)

// Order types. SL and SL-M stops plus strategy-tagged LIMIT targets are the
// exit orders the cleanup worker cares about.
const (
	OrderTypeSL     = "SL"
	OrderTypeSLM    = "SL-M"
	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"
)

// DefaultOrderVariety is the variety used for cancellations unless an order
// says otherwise.
const DefaultOrderVariety = "regular"

// Order is a broker order as mirrored locally.
type Order struct {
	OrderID         string  `json:"order_id"`
	AccountID       string  `json:"account_id"`
	TradingSymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	Product         string  `json:"product"`
	OrderType       string  `json:"order_type"`
	TransactionType string  `json:"transaction_type"` // BUY or SELL
	Quantity        int64   `json:"quantity"`
	Price           float64 `json:"price"`
	TriggerPrice    float64 `json:"trigger_price"`
	Status          string  `json:"status"`
	Variety         string  `json:"variety"`
	StrategyID      string  `json:"strategy_id,omitempty"`
	Tag             string  `json:"tag,omitempty"`
}

// IsStopOrder reports whether the order is a stop-loss (SL or SL-M) order.
func (o Order) IsStopOrder() bool {
	return o.OrderType == OrderTypeSL || o.OrderType == OrderTypeSLM
}

// IsWorking reports whether the order is still pending at the exchange.
func (o Order) IsWorking() bool {
	switch o.Status {
	case OrderStatusPending, OrderStatusOpen, OrderStatusTriggerPending:
		return true
	}
	return false
}

// Quote is a live quote for one instrument.
type Quote struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"last_price"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	VWAP      float64 `json:"vwap"`
	Volume    float64 `json:"volume"`
	OI        float64 `json:"oi"`
	Timestamp int64   `json:"timestamp"` // UTC epoch seconds
}

// Funds is an account's margin summary.
type Funds struct {
	AccountID     string  `json:"account_id"`
	AvailableCash float64 `json:"available_cash"`
	UsedMargin    float64 `json:"used_margin"`
	TotalMargin   float64 `json:"total_margin"`
}

// GreekSnapshot carries the greeks for one instrument, averaged over the most
// recent rolled-up bucket.
type GreekSnapshot struct {
	Symbol string  `json:"symbol"`
	Delta  float64 `json:"delta"`
	Gamma  float64 `json:"gamma"`
	Theta  float64 `json:"theta"`
	Vega   float64 `json:"vega"`
	IV     float64 `json:"iv"`
}

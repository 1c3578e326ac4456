// Package domain holds broker-agnostic types shared across the service.
// These abstract the broker gateway's wire format so the tracker, cleanup
// worker, and evaluator never depend on a specific broker client.
package domain

import "time"

// Position represents one row of an account's position snapshot.
type Position struct {
	AccountID     string  `json:"account_id"`
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"` // NFO, NSE, BFO, ...
	Product       string  `json:"product"`  // NRML, MIS, CNC
	Quantity      int64   `json:"quantity"` // net quantity, negative for short
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
	DayPnL        float64 `json:"day_pnl"`
}

// PositionKey identifies a position within an account.
type PositionKey struct {
	TradingSymbol string
	Exchange      string
	Product       string
}

// Key returns the identity key of the position within its account.
func (p Position) Key() PositionKey {
	return PositionKey{
		TradingSymbol: p.TradingSymbol,
		Exchange:      p.Exchange,
		Product:       p.Product,
	}
}

// PositionEventType classifies a position change between two snapshots.
type PositionEventType string

const (
	PositionOpened    PositionEventType = "OPENED"
	PositionIncreased PositionEventType = "INCREASED"
	PositionReduced   PositionEventType = "REDUCED"
	PositionClosed    PositionEventType = "CLOSED"
	PositionUpdated   PositionEventType = "UPDATED"
)

// PositionEvent is a semantic change to a per-account position as seen
// between two consecutive snapshots.
type PositionEvent struct {
	EventID        string            `json:"event_id"`
	EventType      PositionEventType `json:"event_type"`
	AccountID      string            `json:"account_id"`
	TradingSymbol  string            `json:"tradingsymbol"`
	Exchange       string            `json:"exchange"`
	Product        string            `json:"product"`
	QuantityBefore int64             `json:"quantity_before"`
	QuantityAfter  int64             `json:"quantity_after"`
	QuantityDelta  int64             `json:"quantity_delta"`
	Current        *Position         `json:"current_position,omitempty"`
	Previous       *Position         `json:"previous_position,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// StrategySettings drives the order-cleanup policy for a strategy.
type StrategySettings struct {
	StrategyID              string `json:"strategy_id"`
	AutoCleanupEnabled      bool   `json:"auto_cleanup_enabled"`
	CleanupSLOnExit         bool   `json:"cleanup_sl_on_exit"`
	CleanupTargetOnExit     bool   `json:"cleanup_target_on_exit"`
	AllowOrphanedOrders     bool   `json:"allow_orphaned_orders"`
	NotifyOnOrphanDetection bool   `json:"notify_on_orphan_detection"`
}

// DefaultStrategySettings is the policy applied when an order carries no
// strategy id: every cleanup action disabled.
func DefaultStrategySettings() StrategySettings {
	return StrategySettings{}
}

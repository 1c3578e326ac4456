package positions

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantrails/strikeline/internal/domain"
)

// Cleanup decision reasons written to the audit log.
const (
	reasonPositionClosed        = "position_closed"
	reasonPositionReduced       = "position_reduced"
	reasonAutoCleanupDisabled   = "auto_cleanup_disabled"
	reasonCleanupSLDisabled     = "cleanup_sl_on_exit_disabled"
	reasonCleanupTargetDisabled = "cleanup_target_on_exit_disabled"
	reasonTickerServiceError    = "ticker_service_error"
	reasonStrategyLookupError   = "strategy_lookup_error"
)

// Cleanup actions written to the audit log.
const (
	actionCancelled = "cancelled"
	actionSkipped   = "skipped"
	actionFailed    = "failed"
)

// cleanupQueueSize bounds buffered events between the tracker and the
// worker goroutine.
const cleanupQueueSize = 128

// OrderCanceller submits order cancellations to the broker.
type OrderCanceller interface {
	CancelOrder(ctx context.Context, accountID, orderID, variety string) error
}

// CleanupWorker reacts to CLOSED and REDUCED position events: it finds the
// working stop and target orders covering the position, applies the
// strategy's cleanup policy, cancels orphans through the broker, and records
// every decision in the audit log.
type CleanupWorker struct {
	orders    *OrderRepository
	canceller OrderCanceller

	events  chan domain.PositionEvent
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	log zerolog.Logger
}

// NewCleanupWorker creates the worker. Register attaches it to a tracker and
// Start launches the consumer goroutine.
func NewCleanupWorker(orders *OrderRepository, canceller OrderCanceller, log zerolog.Logger) *CleanupWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &CleanupWorker{
		orders:    orders,
		canceller: canceller,
		events:    make(chan domain.PositionEvent, cleanupQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
		log:       log.With().Str("component", "order_cleanup").Logger(),
	}
}

// Register subscribes the worker to CLOSED and REDUCED events on the tracker.
func (w *CleanupWorker) Register(tracker *Tracker) {
	tracker.RegisterListener(w.enqueue, func(e domain.PositionEvent) bool {
		return e.EventType == domain.PositionClosed || e.EventType == domain.PositionReduced
	})
}

// Start launches the event consumer.
func (w *CleanupWorker) Start() {
	go w.run()
}

// Stop drains the queued events and waits for the consumer to exit.
func (w *CleanupWorker) Stop() {
	w.cancel()
	<-w.stopped
}

// enqueue hands an event to the worker goroutine. A full queue drops the
// event with an error log; the tracker must never block on a listener.
func (w *CleanupWorker) enqueue(event domain.PositionEvent) {
	select {
	case w.events <- event:
	default:
		w.log.Error().
			Str("event_type", string(event.EventType)).
			Str("symbol", event.TradingSymbol).
			Msg("Cleanup queue full, dropping position event")
	}
}

func (w *CleanupWorker) run() {
	defer close(w.stopped)
	w.log.Info().Msg("Order cleanup worker started")

	for {
		select {
		case event := <-w.events:
			w.handleEvent(event)
		case <-w.ctx.Done():
			// Drain whatever is still queued before exiting.
			for {
				select {
				case event := <-w.events:
					w.handleEvent(event)
				default:
					w.log.Info().Msg("Order cleanup worker stopping")
					return
				}
			}
		}
	}
}

// handleEvent applies the cleanup policy to every working exit order
// covering the event's position key.
func (w *CleanupWorker) handleEvent(event domain.PositionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	orders, err := w.orders.FindPendingExitOrders(ctx, event.AccountID, event.TradingSymbol, event.Exchange, event.Product)
	if err != nil {
		w.log.Error().Err(err).
			Str("symbol", event.TradingSymbol).
			Msg("Failed to look up exit orders for position event")
		return
	}
	if len(orders) == 0 {
		return
	}

	for _, order := range orders {
		w.handleOrder(ctx, event, order)
	}
}

func (w *CleanupWorker) handleOrder(ctx context.Context, event domain.PositionEvent, order domain.Order) {
	settings, err := w.orders.GetStrategySettings(ctx, order.StrategyID)
	if err != nil {
		w.log.Error().Err(err).Str("order_id", order.OrderID).Msg("Failed to load strategy settings")
		w.logOutcome(ctx, event, order, actionFailed, reasonStrategyLookupError, err.Error())
		return
	}

	if !settings.AutoCleanupEnabled {
		w.logOutcome(ctx, event, order, actionSkipped, reasonAutoCleanupDisabled, "")
		return
	}
	if order.OrderType == domain.OrderTypeSL && !settings.CleanupSLOnExit {
		w.logOutcome(ctx, event, order, actionSkipped, reasonCleanupSLDisabled, "")
		return
	}
	if order.OrderType == domain.OrderTypeSLM && !settings.CleanupSLOnExit {
		w.logOutcome(ctx, event, order, actionSkipped, reasonCleanupSLDisabled, "")
		return
	}
	if order.OrderType == domain.OrderTypeLimit && !settings.CleanupTargetOnExit {
		w.logOutcome(ctx, event, order, actionSkipped, reasonCleanupTargetDisabled, "")
		return
	}

	// A reduced position that still covers the exit order's quantity keeps
	// its protection; nothing to log.
	if event.EventType == domain.PositionReduced && order.Quantity <= abs(event.QuantityAfter) {
		return
	}

	reason := reasonPositionClosed
	if event.EventType == domain.PositionReduced {
		reason = reasonPositionReduced
	}

	if err := w.canceller.CancelOrder(ctx, event.AccountID, order.OrderID, order.Variety); err != nil {
		w.log.Error().Err(err).
			Str("order_id", order.OrderID).
			Str("symbol", order.TradingSymbol).
			Msg("Failed to cancel orphaned exit order")
		w.logOutcome(ctx, event, order, actionFailed, reasonTickerServiceError, err.Error())
		return
	}

	if err := w.orders.MarkOrderStatus(ctx, order.OrderID, domain.OrderStatusCancelled); err != nil {
		w.log.Error().Err(err).Str("order_id", order.OrderID).Msg("Failed to update mirrored order status")
	}

	w.log.Info().
		Str("order_id", order.OrderID).
		Str("symbol", order.TradingSymbol).
		Str("reason", reason).
		Msg("Cancelled orphaned exit order")
	w.logOutcome(ctx, event, order, actionCancelled, reason, "")
}

func (w *CleanupWorker) logOutcome(ctx context.Context, event domain.PositionEvent, order domain.Order, action, reason, detail string) {
	row := &CleanupLogRow{
		AccountID:     event.AccountID,
		OrderID:       order.OrderID,
		TradingSymbol: order.TradingSymbol,
		Exchange:      order.Exchange,
		Product:       order.Product,
		OrderType:     order.OrderType,
		EventType:     string(event.EventType),
		CleanupAction: action,
		CleanupReason: reason,
		Detail:        detail,
	}
	if err := w.orders.AppendCleanupLog(ctx, row); err != nil {
		w.log.Error().Err(err).Str("order_id", order.OrderID).Msg("Failed to append cleanup log")
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

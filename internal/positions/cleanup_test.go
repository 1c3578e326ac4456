package positions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrails/strikeline/internal/domain"
	testingpkg "github.com/quantrails/strikeline/internal/testing"
)

type fakeCanceller struct {
	mu     sync.Mutex
	calls  []string
	failAl bool
}

func (f *fakeCanceller) CancelOrder(_ context.Context, accountID, orderID, variety string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAl {
		return context.DeadlineExceeded
	}
	f.calls = append(f.calls, accountID+"/"+orderID+"/"+variety)
	return nil
}

func (f *fakeCanceller) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func newCleanupFixture(t *testing.T) (*Tracker, *OrderRepository, *fakeCanceller, *CleanupWorker) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "trading")
	t.Cleanup(cleanup)

	repo := NewOrderRepository(db.Conn(), zerolog.Nop())
	canceller := &fakeCanceller{}
	worker := NewCleanupWorker(repo, canceller, zerolog.Nop())

	tracker := NewTracker(zerolog.Nop())
	worker.Register(tracker)
	worker.Start()
	t.Cleanup(worker.Stop)

	return tracker, repo, canceller, worker
}

func seedStopOrder(t *testing.T, repo *OrderRepository, orderID, strategyID string, qty int64) {
	t.Helper()
	require.NoError(t, repo.UpsertOrder(context.Background(), &domain.Order{
		OrderID:         orderID,
		AccountID:       "ACC1",
		TradingSymbol:   "NIFTY24NOV24000CE",
		Exchange:        "NFO",
		Product:         "NRML",
		OrderType:       domain.OrderTypeSL,
		TransactionType: "SELL",
		Quantity:        qty,
		TriggerPrice:    95,
		Status:          domain.OrderStatusTriggerPending,
		Variety:         "regular",
		StrategyID:      strategyID,
	}))
}

func seedTargetOrder(t *testing.T, repo *OrderRepository, orderID, strategyID string, qty int64) {
	t.Helper()
	require.NoError(t, repo.UpsertOrder(context.Background(), &domain.Order{
		OrderID:         orderID,
		AccountID:       "ACC1",
		TradingSymbol:   "NIFTY24NOV24000CE",
		Exchange:        "NFO",
		Product:         "NRML",
		OrderType:       domain.OrderTypeLimit,
		TransactionType: "SELL",
		Quantity:        qty,
		Price:           150,
		Status:          domain.OrderStatusOpen,
		Variety:         "regular",
		StrategyID:      strategyID,
	}))
}

func enableCleanup(t *testing.T, repo *OrderRepository, strategyID string) {
	t.Helper()
	require.NoError(t, repo.UpsertStrategySettings(context.Background(), &domain.StrategySettings{
		StrategyID:         strategyID,
		AutoCleanupEnabled: true,
		CleanupSLOnExit:    true,
	}))
}

func waitForLog(t *testing.T, repo *OrderRepository, want int) []CleanupLogRow {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := repo.ListCleanupLog(context.Background(), "", 50)
		require.NoError(t, err)
		if len(rows) >= want {
			return rows
		}
		time.Sleep(10 * time.Millisecond)
	}
	rows, _ := repo.ListCleanupLog(context.Background(), "", 50)
	t.Fatalf("expected %d cleanup log rows, got %d", want, len(rows))
	return rows
}

// Position closed with cleanup enabled: the covering SL order is cancelled
// and the audit log records position_closed.
func TestClosedPositionCancelsStopOrder(t *testing.T) {
	tracker, repo, canceller, _ := newCleanupFixture(t)
	seedStopOrder(t, repo, "ORD1", "strat-1", 50)
	enableCleanup(t, repo, "strat-1")

	tracker.OnPositionUpdate("ACC1", []domain.Position{pos("NIFTY24NOV24000CE", 50, 120, 0)})
	tracker.OnPositionUpdate("ACC1", nil)

	rows := waitForLog(t, repo, 1)
	assert.Equal(t, "cancelled", rows[0].CleanupAction)
	assert.Equal(t, "position_closed", rows[0].CleanupReason)
	assert.Equal(t, "CLOSED", rows[0].EventType)
	assert.Equal(t, []string{"ACC1/ORD1/regular"}, canceller.cancelled())

	// The mirror reflects the cancellation: no working exit order remains.
	pending, err := repo.FindPendingExitOrders(context.Background(), "ACC1", "NIFTY24NOV24000CE", "NFO", "NRML")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// Position reduced from 100 to 30 with a 20-lot SL order: the order still
// fits inside the remaining position, so nothing is cancelled or logged.
func TestReducedWithinRemainingIsSilent(t *testing.T) {
	tracker, repo, canceller, worker := newCleanupFixture(t)
	seedStopOrder(t, repo, "ORD1", "strat-1", 20)
	enableCleanup(t, repo, "strat-1")

	tracker.OnPositionUpdate("ACC1", []domain.Position{pos("NIFTY24NOV24000CE", 100, 120, 0)})
	tracker.OnPositionUpdate("ACC1", []domain.Position{pos("NIFTY24NOV24000CE", 30, 120, 0)})

	// Stop drains the queue, so after this the worker has processed both events.
	worker.Stop()

	assert.Empty(t, canceller.cancelled())
	rows, err := repo.ListCleanupLog(context.Background(), "", 50)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// Position reduced below the order quantity: the over-sized stop is orphaned
// and must go.
func TestReducedBelowOrderQuantityCancels(t *testing.T) {
	tracker, repo, canceller, _ := newCleanupFixture(t)
	seedStopOrder(t, repo, "ORD1", "strat-1", 50)
	enableCleanup(t, repo, "strat-1")

	tracker.OnPositionUpdate("ACC1", []domain.Position{pos("NIFTY24NOV24000CE", 100, 120, 0)})
	tracker.OnPositionUpdate("ACC1", []domain.Position{pos("NIFTY24NOV24000CE", 30, 120, 0)})

	rows := waitForLog(t, repo, 1)
	assert.Equal(t, "cancelled", rows[0].CleanupAction)
	assert.Equal(t, "position_reduced", rows[0].CleanupReason)
	assert.Len(t, canceller.cancelled(), 1)
}

func TestAutoCleanupDisabledSkips(t *testing.T) {
	tracker, repo, canceller, _ := newCleanupFixture(t)
	// No strategy settings row: defaults disable every cleanup action.
	seedStopOrder(t, repo, "ORD1", "strat-unknown", 50)

	tracker.OnPositionUpdate("ACC1", []domain.Position{pos("NIFTY24NOV24000CE", 50, 120, 0)})
	tracker.OnPositionUpdate("ACC1", nil)

	rows := waitForLog(t, repo, 1)
	assert.Equal(t, "skipped", rows[0].CleanupAction)
	assert.Equal(t, "auto_cleanup_disabled", rows[0].CleanupReason)
	assert.Empty(t, canceller.cancelled())
}

func TestCleanupSLOnExitDisabledSkips(t *testing.T) {
	tracker, repo, canceller, _ := newCleanupFixture(t)
	seedStopOrder(t, repo, "ORD1", "strat-1", 50)
	require.NoError(t, repo.UpsertStrategySettings(context.Background(), &domain.StrategySettings{
		StrategyID:         "strat-1",
		AutoCleanupEnabled: true,
		CleanupSLOnExit:    false,
	}))

	tracker.OnPositionUpdate("ACC1", []domain.Position{pos("NIFTY24NOV24000CE", 50, 120, 0)})
	tracker.OnPositionUpdate("ACC1", nil)

	rows := waitForLog(t, repo, 1)
	assert.Equal(t, "skipped", rows[0].CleanupAction)
	assert.Equal(t, "cleanup_sl_on_exit_disabled", rows[0].CleanupReason)
	assert.Empty(t, canceller.cancelled())
}

// A strategy-tagged target order is cancelled on exit when the strategy
// opted into target cleanup.
func TestClosedPositionCancelsTargetOrder(t *testing.T) {
	tracker, repo, canceller, _ := newCleanupFixture(t)
	seedTargetOrder(t, repo, "ORD2", "strat-1", 50)
	require.NoError(t, repo.UpsertStrategySettings(context.Background(), &domain.StrategySettings{
		StrategyID:          "strat-1",
		AutoCleanupEnabled:  true,
		CleanupTargetOnExit: true,
	}))

	tracker.OnPositionUpdate("ACC1", []domain.Position{pos("NIFTY24NOV24000CE", 50, 120, 0)})
	tracker.OnPositionUpdate("ACC1", nil)

	rows := waitForLog(t, repo, 1)
	assert.Equal(t, "cancelled", rows[0].CleanupAction)
	assert.Equal(t, "position_closed", rows[0].CleanupReason)
	assert.Equal(t, domain.OrderTypeLimit, rows[0].OrderType)
	assert.Equal(t, []string{"ACC1/ORD2/regular"}, canceller.cancelled())
}

func TestCleanupTargetOnExitDisabledSkips(t *testing.T) {
	tracker, repo, canceller, _ := newCleanupFixture(t)
	seedTargetOrder(t, repo, "ORD2", "strat-1", 50)
	require.NoError(t, repo.UpsertStrategySettings(context.Background(), &domain.StrategySettings{
		StrategyID:          "strat-1",
		AutoCleanupEnabled:  true,
		CleanupSLOnExit:     true,
		CleanupTargetOnExit: false,
	}))

	tracker.OnPositionUpdate("ACC1", []domain.Position{pos("NIFTY24NOV24000CE", 50, 120, 0)})
	tracker.OnPositionUpdate("ACC1", nil)

	rows := waitForLog(t, repo, 1)
	assert.Equal(t, "skipped", rows[0].CleanupAction)
	assert.Equal(t, "cleanup_target_on_exit_disabled", rows[0].CleanupReason)
	assert.Empty(t, canceller.cancelled())
}

func TestBrokerFailureLogsFailed(t *testing.T) {
	tracker, repo, canceller, _ := newCleanupFixture(t)
	canceller.failAl = true
	seedStopOrder(t, repo, "ORD1", "strat-1", 50)
	enableCleanup(t, repo, "strat-1")

	tracker.OnPositionUpdate("ACC1", []domain.Position{pos("NIFTY24NOV24000CE", 50, 120, 0)})
	tracker.OnPositionUpdate("ACC1", nil)

	rows := waitForLog(t, repo, 1)
	assert.Equal(t, "failed", rows[0].CleanupAction)
	assert.Equal(t, "ticker_service_error", rows[0].CleanupReason)
}

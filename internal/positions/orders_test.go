package positions

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrails/strikeline/internal/domain"
	testingpkg "github.com/quantrails/strikeline/internal/testing"
)

func newOrderRepo(t *testing.T) *OrderRepository {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "trading")
	t.Cleanup(cleanup)
	return NewOrderRepository(db.Conn(), zerolog.Nop())
}

func TestFindPendingExitOrdersFilters(t *testing.T) {
	repo := newOrderRepo(t)
	ctx := context.Background()

	orders := []domain.Order{
		{OrderID: "O1", TradingSymbol: "NIFTY24NOV24000CE", Exchange: "NFO", Product: "NRML",
			OrderType: domain.OrderTypeSL, TransactionType: "SELL", Quantity: 50,
			Status: domain.OrderStatusTriggerPending},
		{OrderID: "O2", TradingSymbol: "NIFTY24NOV24000CE", Exchange: "NFO", Product: "NRML",
			OrderType: domain.OrderTypeSLM, TransactionType: "SELL", Quantity: 25,
			Status: domain.OrderStatusOpen},
		// Untagged limit: could be a manual entry, never treated as an exit.
		{OrderID: "O3", TradingSymbol: "NIFTY24NOV24000CE", Exchange: "NFO", Product: "NRML",
			OrderType: domain.OrderTypeLimit, TransactionType: "SELL", Quantity: 50,
			Status: domain.OrderStatusOpen},
		// Already complete.
		{OrderID: "O4", TradingSymbol: "NIFTY24NOV24000CE", Exchange: "NFO", Product: "NRML",
			OrderType: domain.OrderTypeSL, TransactionType: "SELL", Quantity: 50,
			Status: domain.OrderStatusComplete},
		// Different position key.
		{OrderID: "O5", TradingSymbol: "NIFTY24NOV23800PE", Exchange: "NFO", Product: "NRML",
			OrderType: domain.OrderTypeSL, TransactionType: "SELL", Quantity: 50,
			Status: domain.OrderStatusOpen},
		// Strategy-tagged limit target: part of the exit pair.
		{OrderID: "O6", TradingSymbol: "NIFTY24NOV24000CE", Exchange: "NFO", Product: "NRML",
			OrderType: domain.OrderTypeLimit, TransactionType: "SELL", Quantity: 50,
			Status: domain.OrderStatusOpen, StrategyID: "strat-1"},
	}
	require.NoError(t, repo.SyncOrders(ctx, "ACC1", orders))

	pending, err := repo.FindPendingExitOrders(ctx, "ACC1", "NIFTY24NOV24000CE", "NFO", "NRML")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "O1", pending[0].OrderID)
	assert.Equal(t, "O2", pending[1].OrderID)
	assert.Equal(t, "O6", pending[2].OrderID)
	assert.Equal(t, "ACC1", pending[0].AccountID)
}

func TestSyncOrdersReplacesAccountMirror(t *testing.T) {
	repo := newOrderRepo(t)
	ctx := context.Background()

	first := []domain.Order{{OrderID: "O1", TradingSymbol: "A", Exchange: "NFO", Product: "NRML",
		OrderType: domain.OrderTypeSL, TransactionType: "SELL", Quantity: 10, Status: domain.OrderStatusOpen}}
	require.NoError(t, repo.SyncOrders(ctx, "ACC1", first))

	// The next sync no longer contains O1: it must vanish from the mirror.
	second := []domain.Order{{OrderID: "O2", TradingSymbol: "A", Exchange: "NFO", Product: "NRML",
		OrderType: domain.OrderTypeSL, TransactionType: "SELL", Quantity: 10, Status: domain.OrderStatusOpen}}
	require.NoError(t, repo.SyncOrders(ctx, "ACC1", second))

	pending, err := repo.FindPendingExitOrders(ctx, "ACC1", "A", "NFO", "NRML")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "O2", pending[0].OrderID)
}

func TestStrategySettingsDefaults(t *testing.T) {
	repo := newOrderRepo(t)
	ctx := context.Background()

	// Empty strategy id and unknown strategy id both fall back to all-false.
	s, err := repo.GetStrategySettings(ctx, "")
	require.NoError(t, err)
	assert.False(t, s.AutoCleanupEnabled)

	s, err = repo.GetStrategySettings(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, s.AutoCleanupEnabled)
	assert.False(t, s.CleanupSLOnExit)

	require.NoError(t, repo.UpsertStrategySettings(ctx, &domain.StrategySettings{
		StrategyID:         "strat-1",
		AutoCleanupEnabled: true,
		CleanupSLOnExit:    true,
	}))
	s, err = repo.GetStrategySettings(ctx, "strat-1")
	require.NoError(t, err)
	assert.True(t, s.AutoCleanupEnabled)
	assert.True(t, s.CleanupSLOnExit)
	assert.False(t, s.CleanupTargetOnExit)
}

func TestCleanupLogAppendListPrune(t *testing.T) {
	repo := newOrderRepo(t)
	ctx := context.Background()

	rows := []CleanupLogRow{
		{AccountID: "ACC1", OrderID: "O1", TradingSymbol: "A", Exchange: "NFO", Product: "NRML",
			EventType: "CLOSED", CleanupAction: "cancelled", CleanupReason: "position_closed", CreatedAt: 100},
		{AccountID: "ACC2", OrderID: "O2", TradingSymbol: "B", Exchange: "NFO", Product: "NRML",
			EventType: "REDUCED", CleanupAction: "skipped", CleanupReason: "auto_cleanup_disabled", CreatedAt: 200},
	}
	for i := range rows {
		require.NoError(t, repo.AppendCleanupLog(ctx, &rows[i]))
	}

	all, err := repo.ListCleanupLog(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "O2", all[0].OrderID, "newest first")

	scoped, err := repo.ListCleanupLog(ctx, "ACC1", 10)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "O1", scoped[0].OrderID)

	pruned, err := repo.PruneCleanupLog(ctx, 150)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

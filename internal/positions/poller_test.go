package positions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrails/strikeline/internal/domain"
	testingpkg "github.com/quantrails/strikeline/internal/testing"
)

type fakeBrokerSource struct {
	mu        sync.Mutex
	positions []domain.Position
	orders    []domain.Order
	fetchErr  error
	syncs     int
}

func (f *fakeBrokerSource) FetchPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	f.syncs++
	return f.positions, nil
}

func (f *fakeBrokerSource) FetchOrders(ctx context.Context, accountID string) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.orders, nil
}

func (f *fakeBrokerSource) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

func TestPollerSyncsPositionsAndOrders(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "trading")
	defer cleanup()

	broker := &fakeBrokerSource{
		positions: []domain.Position{{
			AccountID:     "ACC1",
			TradingSymbol: "NIFTY24NOV24000CE",
			Exchange:      "NFO",
			Product:       "NRML",
			Quantity:      50,
			AveragePrice:  120,
			LastPrice:     125,
		}},
		orders: []domain.Order{{
			OrderID:         "ORD1",
			AccountID:       "ACC1",
			TradingSymbol:   "NIFTY24NOV24000CE",
			Exchange:        "NFO",
			Product:         "NRML",
			OrderType:       "SL",
			TransactionType: "SELL",
			Quantity:        50,
			TriggerPrice:    100,
			Status:          "TRIGGER PENDING",
			Variety:         "regular",
		}},
	}

	tracker := NewTracker(zerolog.Nop())
	orders := NewOrderRepository(db.Conn(), zerolog.Nop())
	poller := NewPoller(broker, tracker, orders, []string{"ACC1"}, 50*time.Millisecond, zerolog.Nop())

	poller.Start()
	defer poller.Stop()

	require.Eventually(t, func() bool {
		return len(tracker.Snapshot("ACC1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	snapshot := tracker.Snapshot("ACC1")
	assert.Equal(t, "NIFTY24NOV24000CE", snapshot[0].TradingSymbol)

	pending, err := orders.FindPendingExitOrders(context.Background(), "ACC1", "NIFTY24NOV24000CE", "NFO", "NRML")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ORD1", pending[0].OrderID)
}

func TestPollerBacksOffOnBrokerErrors(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "trading")
	defer cleanup()

	broker := &fakeBrokerSource{fetchErr: errors.New("gateway down")}
	tracker := NewTracker(zerolog.Nop())
	orders := NewOrderRepository(db.Conn(), zerolog.Nop())
	poller := NewPoller(broker, tracker, orders, []string{"ACC1"}, 10*time.Millisecond, zerolog.Nop())

	poller.Start()
	time.Sleep(100 * time.Millisecond)
	poller.Stop()

	// The error path never reaches the position fetch and never updates the tracker.
	assert.Zero(t, broker.syncCount())
	assert.Empty(t, tracker.Snapshot("ACC1"))
}

func TestPollerStopIsIdempotentWithNoAccounts(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "trading")
	defer cleanup()

	poller := NewPoller(&fakeBrokerSource{}, NewTracker(zerolog.Nop()),
		NewOrderRepository(db.Conn(), zerolog.Nop()), nil, time.Second, zerolog.Nop())
	poller.Start()
	poller.Stop()
}

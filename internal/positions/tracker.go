// Package positions implements the position change detector and the
// order-cleanup worker: per-account snapshots are diffed into semantic
// events (opened, increased, reduced, closed, updated), and registered
// listeners react to them.
package positions

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantrails/strikeline/internal/domain"
)

// updatePriceThreshold is the relative last-price move that turns an
// otherwise-unchanged position into an UPDATED event.
const updatePriceThreshold = 0.001

// Listener receives position events. Filter, when set, decides which events
// reach the callback.
type Listener struct {
	Callback func(domain.PositionEvent)
	Filter   func(domain.PositionEvent) bool
}

// Tracker keeps the last-seen position snapshot per account and emits change
// events on every update. Listeners run sequentially in registration order;
// a panicking listener is logged and skipped, never blocking the rest.
type Tracker struct {
	mu        sync.Mutex
	positions map[string]map[domain.PositionKey]domain.Position
	listeners []Listener

	clock func() time.Time
	log   zerolog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(log zerolog.Logger) *Tracker {
	return &Tracker{
		positions: make(map[string]map[domain.PositionKey]domain.Position),
		clock:     time.Now,
		log:       log.With().Str("component", "position_tracker").Logger(),
	}
}

// RegisterListener adds a listener. A nil filter receives every event.
func (t *Tracker) RegisterListener(callback func(domain.PositionEvent), filter func(domain.PositionEvent) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, Listener{Callback: callback, Filter: filter})
}

// OnPositionUpdate diffs the update against the stored snapshot for the
// account, replaces the snapshot, and dispatches the resulting events.
// Events are ordered CLOSED, OPENED, INCREASED/REDUCED/UPDATED, each group
// by symbol ascending, and at most one event is emitted per key.
func (t *Tracker) OnPositionUpdate(accountID string, update []domain.Position) {
	next := make(map[domain.PositionKey]domain.Position, len(update))
	for _, p := range update {
		p.AccountID = accountID
		next[p.Key()] = p
	}

	t.mu.Lock()
	prev := t.positions[accountID]
	t.positions[accountID] = next
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	events := diffSnapshots(accountID, prev, next, t.clock())
	if len(events) == 0 {
		return
	}

	t.log.Debug().
		Str("account_id", accountID).
		Int("events", len(events)).
		Msg("Position snapshot diffed")

	for _, event := range events {
		for _, l := range listeners {
			t.dispatch(l, event)
		}
	}
}

// Snapshot returns a copy of the account's last-seen positions.
func (t *Tracker) Snapshot(accountID string) []domain.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	stored := t.positions[accountID]
	out := make([]domain.Position, 0, len(stored))
	for _, p := range stored {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradingSymbol < out[j].TradingSymbol })
	return out
}

// Accounts returns the account ids with a stored snapshot.
func (t *Tracker) Accounts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.positions))
	for id := range t.positions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Restore seeds an account's snapshot without emitting events. Used when
// loading the warm-restart cache so a restart does not replay OPENED events
// for every existing position.
func (t *Tracker) Restore(accountID string, positions []domain.Position) {
	stored := make(map[domain.PositionKey]domain.Position, len(positions))
	for _, p := range positions {
		p.AccountID = accountID
		stored[p.Key()] = p
	}

	t.mu.Lock()
	t.positions[accountID] = stored
	t.mu.Unlock()
}

func (t *Tracker) dispatch(l Listener, event domain.PositionEvent) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.EventType)).
				Str("symbol", event.TradingSymbol).
				Msg("Position listener panicked")
		}
	}()

	if l.Filter != nil && !l.Filter(event) {
		return
	}
	l.Callback(event)
}

// diffSnapshots computes the events between two snapshots of one account.
func diffSnapshots(accountID string, prev, next map[domain.PositionKey]domain.Position, now time.Time) []domain.PositionEvent {
	var closed, opened, changed []domain.PositionEvent

	for _, key := range sortedKeys(prev) {
		if _, ok := next[key]; ok {
			continue
		}
		old := prev[key]
		closed = append(closed, newEvent(domain.PositionClosed, accountID, key, old.Quantity, 0, nil, &old, now,
			map[string]string{"reason": "position_not_in_update"}))
	}

	for _, key := range sortedKeys(next) {
		cur := next[key]
		old, existed := prev[key]
		if !existed {
			opened = append(opened, newEvent(domain.PositionOpened, accountID, key, 0, cur.Quantity, &cur, nil, now, nil))
			continue
		}

		delta := cur.Quantity - old.Quantity
		switch {
		case delta > 0:
			changed = append(changed, newEvent(domain.PositionIncreased, accountID, key, old.Quantity, cur.Quantity, &cur, &old, now, nil))
		case delta < 0:
			changed = append(changed, newEvent(domain.PositionReduced, accountID, key, old.Quantity, cur.Quantity, &cur, &old, now, nil))
		case priceMoved(old.LastPrice, cur.LastPrice) || old.PnL != cur.PnL:
			changed = append(changed, newEvent(domain.PositionUpdated, accountID, key, old.Quantity, cur.Quantity, &cur, &old, now, nil))
		}
	}

	events := make([]domain.PositionEvent, 0, len(closed)+len(opened)+len(changed))
	events = append(events, closed...)
	events = append(events, opened...)
	events = append(events, changed...)
	return events
}

func priceMoved(oldPrice, newPrice float64) bool {
	if oldPrice == 0 {
		return newPrice != 0
	}
	return math.Abs(newPrice-oldPrice)/math.Abs(oldPrice) > updatePriceThreshold
}

func newEvent(
	eventType domain.PositionEventType,
	accountID string,
	key domain.PositionKey,
	before, after int64,
	current, previous *domain.Position,
	now time.Time,
	metadata map[string]string,
) domain.PositionEvent {
	return domain.PositionEvent{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		AccountID:      accountID,
		TradingSymbol:  key.TradingSymbol,
		Exchange:       key.Exchange,
		Product:        key.Product,
		QuantityBefore: before,
		QuantityAfter:  after,
		QuantityDelta:  after - before,
		Current:        current,
		Previous:       previous,
		Timestamp:      now.UTC(),
		Metadata:       metadata,
	}
}

func sortedKeys(m map[domain.PositionKey]domain.Position) []domain.PositionKey {
	keys := make([]domain.PositionKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TradingSymbol != keys[j].TradingSymbol {
			return keys[i].TradingSymbol < keys[j].TradingSymbol
		}
		if keys[i].Exchange != keys[j].Exchange {
			return keys[i].Exchange < keys[j].Exchange
		}
		return keys[i].Product < keys[j].Product
	})
	return keys
}

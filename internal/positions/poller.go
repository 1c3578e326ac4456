package positions

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantrails/strikeline/internal/domain"
)

// pollErrorBackoff is the pause after a failed broker fetch before the next
// attempt for that account.
const pollErrorBackoff = 5 * time.Second

// BrokerSource serves position and order snapshots for the poller.
type BrokerSource interface {
	FetchPositions(ctx context.Context, accountID string) ([]domain.Position, error)
	FetchOrders(ctx context.Context, accountID string) ([]domain.Order, error)
}

// Poller keeps the tracker and the local order mirror synchronized with the
// broker: one loop per configured account, each fetching positions and
// orders every interval.
type Poller struct {
	broker   BrokerSource
	tracker  *Tracker
	orders   *OrderRepository
	accounts []string
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log zerolog.Logger
}

// NewPoller creates the sync loops. Start launches one goroutine per account.
func NewPoller(broker BrokerSource, tracker *Tracker, orders *OrderRepository, accounts []string, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		broker:   broker,
		tracker:  tracker,
		orders:   orders,
		accounts: accounts,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		log:      log.With().Str("component", "position_poller").Logger(),
	}
}

// Start launches the per-account sync loops.
func (p *Poller) Start() {
	for _, account := range p.accounts {
		p.wg.Add(1)
		go p.run(account)
	}
	p.log.Info().
		Strs("accounts", p.accounts).
		Dur("interval", p.interval).
		Msg("Position poller started")
}

// Stop cancels every loop and waits for them to exit.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
	p.log.Info().Msg("Position poller stopped")
}

func (p *Poller) run(accountID string) {
	defer p.wg.Done()

	// First sync immediately, then on the interval.
	sleep := time.Duration(0)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(sleep):
		}

		if err := p.syncOnce(accountID); err != nil {
			p.log.Error().Err(err).Str("account_id", accountID).Msg("Position sync failed")
			sleep = pollErrorBackoff
			continue
		}
		sleep = p.interval
	}
}

// syncOnce fetches one account's positions and orders and feeds them to the
// tracker and the order mirror. The position update runs last so cleanup
// decisions see the freshest order book.
func (p *Poller) syncOnce(accountID string) error {
	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()

	orders, err := p.broker.FetchOrders(ctx, accountID)
	if err != nil {
		return err
	}
	if err := p.orders.SyncOrders(ctx, accountID, orders); err != nil {
		return err
	}

	positions, err := p.broker.FetchPositions(ctx, accountID)
	if err != nil {
		return err
	}
	p.tracker.OnPositionUpdate(accountID, positions)
	return nil
}

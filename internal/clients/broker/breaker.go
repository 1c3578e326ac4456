package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/quantrails/strikeline/internal/domain"
)

// BreakerClient wraps the broker client in a circuit breaker so a flapping
// gateway fails fast instead of stacking up timed-out calls across the
// evaluator, poller, and cleanup worker.
type BreakerClient struct {
	client  *Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewBreakerClient wraps client with a breaker that trips at >=60% failures
// over at least 5 requests and probes again after 30 seconds.
func NewBreakerClient(client *Client, log zerolog.Logger) *BreakerClient {
	logger := log.With().Str("component", "broker_breaker").Logger()

	settings := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Broker circuit breaker state changed")
		},
	}

	return &BreakerClient{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     logger,
	}
}

// execBreaker runs fn through the breaker, preserving the typed result.
func execBreaker[T any](b *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := b.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// FetchPositions proxies Client.FetchPositions through the breaker.
func (b *BreakerClient) FetchPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	return execBreaker(b.breaker, func() ([]domain.Position, error) {
		return b.client.FetchPositions(ctx, accountID)
	})
}

// FetchOrders proxies Client.FetchOrders through the breaker.
func (b *BreakerClient) FetchOrders(ctx context.Context, accountID string) ([]domain.Order, error) {
	return execBreaker(b.breaker, func() ([]domain.Order, error) {
		return b.client.FetchOrders(ctx, accountID)
	})
}

// CancelOrder proxies Client.CancelOrder through the breaker.
func (b *BreakerClient) CancelOrder(ctx context.Context, accountID, orderID, variety string) error {
	_, err := execBreaker(b.breaker, func() (struct{}, error) {
		return struct{}{}, b.client.CancelOrder(ctx, accountID, orderID, variety)
	})
	return err
}

// GetQuote proxies Client.GetQuote through the breaker.
func (b *BreakerClient) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	return execBreaker(b.breaker, func() (*domain.Quote, error) {
		return b.client.GetQuote(ctx, symbol)
	})
}

// GetLTP proxies Client.GetLTP through the breaker.
func (b *BreakerClient) GetLTP(ctx context.Context, symbols ...string) (map[string]float64, error) {
	return execBreaker(b.breaker, func() (map[string]float64, error) {
		return b.client.GetLTP(ctx, symbols...)
	})
}

// FetchFunds proxies Client.FetchFunds through the breaker.
func (b *BreakerClient) FetchFunds(ctx context.Context, accountID string) (*domain.Funds, error) {
	return execBreaker(b.breaker, func() (*domain.Funds, error) {
		return b.client.FetchFunds(ctx, accountID)
	})
}

// State exposes the breaker state for the status endpoint.
func (b *BreakerClient) State() string {
	return b.breaker.State().String()
}

// Close releases the underlying client.
func (b *BreakerClient) Close() error {
	return b.client.Close()
}

// Package broker implements the HTTP client for the broker gateway. The
// gateway owns credentials and sessions; this client only consumes its REST
// surface for positions, orders, quotes, funds, and order cancellation.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/quantrails/strikeline/internal/domain"
)

// cancelTimeout bounds one order cancellation round trip.
const cancelTimeout = 30 * time.Second

// Config holds the gateway connection settings.
type Config struct {
	BaseURL string
	APIKey  string
}

// Client is the broker gateway REST client. Reads retry on 5xx; the
// cancellation path never retries (the broker treats a repeat cancel of a
// gone order as a 404, which counts as success).
type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

// NewClient creates a broker client with retry on idempotent reads.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r.Request.Method != http.MethodGet {
				return false
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")

	if cfg.APIKey != "" {
		httpClient.SetHeader("X-API-Key", cfg.APIKey)
	}

	return &Client{
		http: httpClient,
		log:  log.With().Str("component", "broker_client").Logger(),
	}
}

// positionsResponse is the gateway's positions payload: net and day books,
// Kite-style.
type positionsResponse struct {
	Status string `json:"status"`
	Data   struct {
		Net []domain.Position `json:"net"`
		Day []domain.Position `json:"day"`
	} `json:"data"`
}

// FetchPositions returns the account's combined position snapshot. Net rows
// win over day rows for the same (symbol, exchange, product) key.
func (c *Client) FetchPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	var result positionsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/accounts/%s/positions", accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch positions: status %d: %s", resp.StatusCode(), resp.String())
	}

	merged := make(map[domain.PositionKey]domain.Position, len(result.Data.Net)+len(result.Data.Day))
	for _, p := range result.Data.Day {
		p.AccountID = accountID
		merged[p.Key()] = p
	}
	for _, p := range result.Data.Net {
		p.AccountID = accountID
		merged[p.Key()] = p
	}

	out := make([]domain.Position, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	return out, nil
}

type ordersResponse struct {
	Status string         `json:"status"`
	Data   []domain.Order `json:"data"`
}

// FetchOrders returns the account's order book for the day.
func (c *Client) FetchOrders(ctx context.Context, accountID string) ([]domain.Order, error) {
	var result ordersResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/accounts/%s/orders", accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	for i := range result.Data {
		result.Data[i].AccountID = accountID
		if result.Data[i].Variety == "" {
			result.Data[i].Variety = domain.DefaultOrderVariety
		}
	}
	return result.Data, nil
}

// CancelOrder cancels one order. HTTP 200, 202, and 404 all count as success;
// a 404 means the order was already gone, which is the outcome we wanted.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID, variety string) error {
	if variety == "" {
		variety = domain.DefaultOrderVariety
	}

	callCtx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(callCtx).
		Delete(fmt.Sprintf("/accounts/%s/orders/%s/%s", accountID, variety, orderID))
	if err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusAccepted, http.StatusNotFound:
		return nil
	}
	return fmt.Errorf("failed to cancel order %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
}

type quoteResponse struct {
	Status string       `json:"status"`
	Data   domain.Quote `json:"data"`
}

// GetQuote fetches a live quote for one instrument.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	var result quoteResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/quotes")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quote: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch quote: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Data.Symbol == "" {
		result.Data.Symbol = symbol
	}
	return &result.Data, nil
}

type ltpResponse struct {
	Status string             `json:"status"`
	Data   map[string]float64 `json:"data"`
}

// GetLTP fetches last traded prices for a set of instruments in one call.
func (c *Client) GetLTP(ctx context.Context, symbols ...string) (map[string]float64, error) {
	var result ltpResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(url.Values{"symbol": symbols}).
		SetResult(&result).
		Get("/ltp")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ltp: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch ltp: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Data, nil
}

type fundsResponse struct {
	Status string       `json:"status"`
	Data   domain.Funds `json:"data"`
}

// FetchFunds returns the account's margin summary.
func (c *Client) FetchFunds(ctx context.Context, accountID string) (*domain.Funds, error) {
	var result fundsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/accounts/%s/funds", accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch funds: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch funds: status %d: %s", resp.StatusCode(), resp.String())
	}
	result.Data.AccountID = accountID
	return &result.Data, nil
}

// Close releases pooled connections.
func (c *Client) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}

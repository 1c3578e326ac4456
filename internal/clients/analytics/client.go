// Package analytics implements the HTTP client for the analytics endpoints
// the alert evaluator consumes: indicator values, the quotes fallback, and
// per-instrument greek snapshots. The base URL usually points back at this
// service's own HTTP API, but any host serving the same routes works.
package analytics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/quantrails/strikeline/internal/domain"
)

// Config holds the analytics endpoint settings.
type Config struct {
	BaseURL string
}

// Client is the analytics REST client.
type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

// NewClient creates an analytics client. Calls are bounded by the evaluator's
// per-call timeout; the transport timeout here is a backstop.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http: httpClient,
		log:  log.With().Str("component", "analytics_client").Logger(),
	}
}

type indicatorResponse struct {
	Symbol    string  `json:"symbol"`
	Indicator string  `json:"indicator"`
	Timeframe string  `json:"timeframe"`
	Value     float64 `json:"value"`
}

// GetIndicator fetches the latest value of one indicator for a symbol.
func (c *Client) GetIndicator(ctx context.Context, symbol, indicator, timeframe string, lookback int) (float64, error) {
	var result indicatorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"indicator": indicator,
			"timeframe": timeframe,
			"lookback":  fmt.Sprintf("%d", lookback),
		}).
		SetResult(&result).
		Get("/api/indicators/" + symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch indicator: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("failed to fetch indicator: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Value, nil
}

// GetQuote fetches a quote from the analytics quotes endpoint. Used as the
// evaluator's fallback price source.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	var result domain.Quote
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/api/quotes")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quote: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch quote: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Symbol == "" {
		result.Symbol = symbol
	}
	return &result, nil
}

// GetGreeks fetches the averaged greeks of the most recent rolled-up bucket
// for one instrument.
func (c *Client) GetGreeks(ctx context.Context, symbol string) (*domain.GreekSnapshot, error) {
	var result domain.GreekSnapshot
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/greeks/" + symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch greeks: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch greeks: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Symbol == "" {
		result.Symbol = symbol
	}
	return &result, nil
}

// Close releases pooled connections.
func (c *Client) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}

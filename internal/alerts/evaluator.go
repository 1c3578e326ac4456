package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantrails/strikeline/internal/domain"
)

// defaultFetchTimeout bounds each external fetch during evaluation.
const defaultFetchTimeout = 5 * time.Second

// QuoteSource serves live quotes.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (*domain.Quote, error)
}

// IndicatorSource serves computed indicator values.
type IndicatorSource interface {
	GetIndicator(ctx context.Context, symbol, indicator, timeframe string, lookback int) (float64, error)
}

// PositionSource serves account position snapshots.
type PositionSource interface {
	FetchPositions(ctx context.Context, accountID string) ([]domain.Position, error)
}

// GreekSource serves per-instrument greeks.
type GreekSource interface {
	GetGreeks(ctx context.Context, symbol string) (*domain.GreekSnapshot, error)
}

// Sources bundles the evaluator's external data dependencies. Quotes is the
// primary price source; QuotesFallback, when set, is tried after a primary
// failure.
type Sources struct {
	Quotes         QuoteSource
	QuotesFallback QuoteSource
	Indicators     IndicatorSource
	Positions      PositionSource
	Greeks         GreekSource
}

// Evaluator evaluates parsed conditions against external data sources. It is
// stateless between calls and safe for concurrent use.
type Evaluator struct {
	sources Sources
	timeout time.Duration
	clock   func() time.Time
	log     zerolog.Logger
}

// NewEvaluator builds an evaluator over the given sources.
func NewEvaluator(sources Sources, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		sources: sources,
		timeout: defaultFetchTimeout,
		clock:   time.Now,
		log:     log.With().Str("component", "alert_evaluator").Logger(),
	}
}

// Evaluate parses and evaluates one condition config. All failures come back
// as results with Matched false and Error set; Evaluate itself never fails.
func (ev *Evaluator) Evaluate(ctx context.Context, config json.RawMessage) EvaluationResult {
	cond, err := ParseCondition(config)
	if err != nil {
		return EvaluationResult{
			EvaluatedAt: time.Now().UTC(),
			Error:       err.Error(),
		}
	}
	return cond.evaluate(ctx, ev)
}

// Close releases any sources that hold connections.
func (ev *Evaluator) Close() {
	seen := make(map[io.Closer]bool)
	for _, src := range []interface{}{
		ev.sources.Quotes, ev.sources.QuotesFallback,
		ev.sources.Indicators, ev.sources.Positions, ev.sources.Greeks,
	} {
		if closer, ok := src.(io.Closer); ok && closer != nil && !seen[closer] {
			seen[closer] = true
			_ = closer.Close()
		}
	}
}

func (ev *Evaluator) now() time.Time {
	return ev.clock()
}

// fetchQuote tries the primary source, then the fallback.
func (ev *Evaluator) fetchQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	if ev.sources.Quotes == nil && ev.sources.QuotesFallback == nil {
		return nil, fmt.Errorf("no quote source configured")
	}

	var primaryErr error
	if ev.sources.Quotes != nil {
		callCtx, cancel := context.WithTimeout(ctx, ev.timeout)
		quote, err := ev.sources.Quotes.GetQuote(callCtx, symbol)
		cancel()
		if err == nil {
			return quote, nil
		}
		primaryErr = err
	}

	if ev.sources.QuotesFallback == nil {
		return nil, primaryErr
	}
	if primaryErr != nil {
		ev.log.Debug().Err(primaryErr).Str("symbol", symbol).Msg("Primary quote source failed, trying fallback")
	}

	callCtx, cancel := context.WithTimeout(ctx, ev.timeout)
	defer cancel()
	quote, err := ev.sources.QuotesFallback.GetQuote(callCtx, symbol)
	if err != nil {
		if primaryErr != nil {
			return nil, fmt.Errorf("primary: %v; fallback: %w", primaryErr, err)
		}
		return nil, err
	}
	return quote, nil
}

func (ev *Evaluator) fetchIndicator(ctx context.Context, symbol, indicator, timeframe string, lookback int) (float64, error) {
	if ev.sources.Indicators == nil {
		return 0, fmt.Errorf("no indicator source configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, ev.timeout)
	defer cancel()
	return ev.sources.Indicators.GetIndicator(callCtx, symbol, indicator, timeframe, lookback)
}

func (ev *Evaluator) fetchPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	if ev.sources.Positions == nil {
		return nil, fmt.Errorf("no position source configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, ev.timeout)
	defer cancel()
	return ev.sources.Positions.FetchPositions(callCtx, accountID)
}

func (ev *Evaluator) fetchGreeks(ctx context.Context, symbol string) (*domain.GreekSnapshot, error) {
	if ev.sources.Greeks == nil {
		return nil, fmt.Errorf("no greek source configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, ev.timeout)
	defer cancel()
	return ev.sources.Greeks.GetGreeks(callCtx, symbol)
}

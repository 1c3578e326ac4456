package indicators

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	talib "github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/quantrails/strikeline/internal/fo"
)

// warmupBars is the extra history fetched beyond the lookback so indicators
// with internal smoothing (EMA, MACD, RSI) have settled values.
const warmupBars = 50

// sessionSeconds is one NSE trading session, 09:15 to 15:30.
const sessionSeconds = 6.25 * 3600

// tradingDaysPerYear is the annualization base for realized volatility.
const tradingDaysPerYear = 252

// BarSource serves the persisted underlying bars indicators are computed on.
type BarSource interface {
	FetchRecentCloses(ctx context.Context, symbol, timeframe string, limit int) ([]fo.UnderlyingBarRow, error)
}

// Service computes the latest value of a named indicator over the rolled-up
// underlying bars, with a timeframe-proportional cache in front of the math.
type Service struct {
	bars  BarSource
	cache *Cache
	log   zerolog.Logger
}

// NewService creates the indicator service. A nil cache disables caching.
func NewService(bars BarSource, cache *Cache, log zerolog.Logger) *Service {
	return &Service{
		bars:  bars,
		cache: cache,
		log:   log.With().Str("component", "indicators").Logger(),
	}
}

// Value returns the most recent value of the indicator for one symbol and
// timeframe. Supported indicators: rsi, sma, ema, macd, macd_signal, atr,
// bbands_upper, bbands_middle, bbands_lower, vwap, realized_vol.
func (s *Service) Value(ctx context.Context, symbol, indicator, timeframe string, lookback int) (float64, error) {
	indicator = strings.ToLower(strings.TrimSpace(indicator))
	if lookback <= 0 {
		lookback = 14
	}

	cacheKey := fmt.Sprintf("indicator:%s:%s:%s:%d", symbol, indicator, timeframe, lookback)
	if s.cache != nil {
		var cached float64
		if s.cache.Get(ctx, cacheKey, &cached) {
			return cached, nil
		}
	}

	bars, err := s.bars.FetchRecentCloses(ctx, symbol, timeframe, lookback+warmupBars)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch bars: %w", err)
	}
	if len(bars) < minBars(indicator, lookback) {
		return 0, fmt.Errorf("not enough bars for %s(%d) on %s %s: have %d",
			indicator, lookback, symbol, timeframe, len(bars))
	}

	value, err := compute(indicator, bars, lookback, timeframe)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, value, cacheTTL(timeframe)); err != nil {
			s.log.Debug().Err(err).Str("key", cacheKey).Msg("Failed to cache indicator value")
		}
	}
	return value, nil
}

// minBars is the minimum history each indicator needs to produce a value.
func minBars(indicator string, lookback int) int {
	switch indicator {
	case "macd", "macd_signal":
		return 35
	case "vwap":
		return 1
	case "realized_vol":
		return 3
	default:
		return lookback + 1
	}
}

// cacheTTL scales with the timeframe: a 1min indicator goes stale in a
// minute, a 15min one lives a quarter hour.
func cacheTTL(timeframe string) time.Duration {
	secs, err := fo.ParseTimeframe(timeframe)
	if err != nil {
		return time.Minute
	}
	return time.Duration(secs) * time.Second
}

func compute(indicator string, bars []fo.UnderlyingBarRow, lookback int, timeframe string) (float64, error) {
	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = b.Volume
	}

	switch indicator {
	case "rsi":
		return last(talib.Rsi(closes, lookback))
	case "sma":
		return last(talib.Sma(closes, lookback))
	case "ema":
		return last(talib.Ema(closes, lookback))
	case "atr":
		return last(talib.Atr(highs, lows, closes, lookback))
	case "macd":
		macd, _, _ := talib.Macd(closes, 12, 26, 9)
		return last(macd)
	case "macd_signal":
		_, signal, _ := talib.Macd(closes, 12, 26, 9)
		return last(signal)
	case "bbands_upper":
		upper, _, _ := talib.BBands(closes, lookback, 2, 2, talib.SMA)
		return last(upper)
	case "bbands_middle":
		_, middle, _ := talib.BBands(closes, lookback, 2, 2, talib.SMA)
		return last(middle)
	case "bbands_lower":
		_, _, lower := talib.BBands(closes, lookback, 2, 2, talib.SMA)
		return last(lower)
	case "vwap":
		return vwap(closes, volumes, lookback)
	case "realized_vol":
		return realizedVol(closes, timeframe)
	default:
		return 0, fmt.Errorf("unknown indicator %q", indicator)
	}
}

// last returns the final value of a talib output series, rejecting the
// leading zeros talib emits before the warmup period is filled.
func last(series []float64) (float64, error) {
	if len(series) == 0 {
		return 0, fmt.Errorf("indicator produced no values")
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("indicator value is not finite")
	}
	return v, nil
}

// vwap is the volume-weighted average close over the last lookback bars.
// Falls back to the plain mean when no volume was recorded.
func vwap(closes, volumes []float64, lookback int) (float64, error) {
	start := len(closes) - lookback
	if start < 0 {
		start = 0
	}

	var pv, vol float64
	for i := start; i < len(closes); i++ {
		pv += closes[i] * volumes[i]
		vol += volumes[i]
	}
	if vol > 0 {
		return pv / vol, nil
	}

	var sum float64
	for i := start; i < len(closes); i++ {
		sum += closes[i]
	}
	return sum / float64(len(closes)-start), nil
}

// realizedVol is the annualized standard deviation of log returns over the
// full fetched window.
func realizedVol(closes []float64, timeframe string) (float64, error) {
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	if len(returns) < 2 {
		return 0, fmt.Errorf("not enough returns for realized volatility")
	}

	secs, err := fo.ParseTimeframe(timeframe)
	if err != nil {
		return 0, err
	}
	barsPerYear := tradingDaysPerYear * sessionSeconds / float64(secs)
	return stat.StdDev(returns, nil) * math.Sqrt(barsPerYear), nil
}

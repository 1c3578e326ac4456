// Package payoff computes expiry payoff profiles for multi-leg option
// strategies: per-spot P&L points, breakevens, and max profit/loss.
package payoff

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Leg is one option position in a strategy.
type Leg struct {
	Type     string  `json:"type"`     // CE or PE
	Side     string  `json:"side"`     // BUY or SELL
	Strike   float64 `json:"strike"`
	Premium  float64 `json:"premium"`
	Quantity int64   `json:"quantity"`
}

// Point is the strategy P&L at one expiry spot.
type Point struct {
	Spot float64 `json:"spot"`
	PnL  float64 `json:"pnl"`
}

// Result is the full payoff profile over a spot range.
type Result struct {
	Points     []Point   `json:"points"`
	Breakevens []float64 `json:"breakevens"`
	MaxProfit  float64   `json:"max_profit"`
	MaxLoss    float64   `json:"max_loss"`
}

// Validate rejects malformed legs before computation.
func Validate(legs []Leg) error {
	if len(legs) == 0 {
		return fmt.Errorf("at least one leg is required")
	}
	for i, leg := range legs {
		t := strings.ToUpper(leg.Type)
		if t != "CE" && t != "PE" {
			return fmt.Errorf("leg %d: type must be CE or PE, got %q", i, leg.Type)
		}
		side := strings.ToUpper(leg.Side)
		if side != "BUY" && side != "SELL" {
			return fmt.Errorf("leg %d: side must be BUY or SELL, got %q", i, leg.Side)
		}
		if leg.Strike <= 0 {
			return fmt.Errorf("leg %d: strike must be positive", i)
		}
		if leg.Premium < 0 {
			return fmt.Errorf("leg %d: premium cannot be negative", i)
		}
		if leg.Quantity <= 0 {
			return fmt.Errorf("leg %d: quantity must be positive", i)
		}
	}
	return nil
}

// legPnL is the expiry P&L of one leg at a given spot.
func legPnL(leg Leg, spot float64) float64 {
	var intrinsic float64
	if strings.ToUpper(leg.Type) == "CE" {
		intrinsic = math.Max(spot-leg.Strike, 0)
	} else {
		intrinsic = math.Max(leg.Strike-spot, 0)
	}

	qty := float64(leg.Quantity)
	if strings.ToUpper(leg.Side) == "BUY" {
		return (intrinsic - leg.Premium) * qty
	}
	return (leg.Premium - intrinsic) * qty
}

// At evaluates the strategy P&L at one expiry spot.
func At(legs []Leg, spot float64) float64 {
	var total float64
	for _, leg := range legs {
		total += legPnL(leg, spot)
	}
	return total
}

// Compute evaluates the strategy across the spot range. Breakevens are found
// by linear interpolation between adjacent points whose P&L changes sign.
func Compute(legs []Leg, spotRange []float64) (*Result, error) {
	if err := Validate(legs); err != nil {
		return nil, err
	}
	if len(spotRange) < 2 {
		return nil, fmt.Errorf("spot range needs at least two points")
	}

	spots := make([]float64, len(spotRange))
	copy(spots, spotRange)
	sort.Float64s(spots)

	result := &Result{
		Points:    make([]Point, len(spots)),
		MaxProfit: math.Inf(-1),
		MaxLoss:   math.Inf(1),
	}
	for i, spot := range spots {
		pnl := At(legs, spot)
		result.Points[i] = Point{Spot: spot, PnL: pnl}
		if pnl > result.MaxProfit {
			result.MaxProfit = pnl
		}
		if pnl < result.MaxLoss {
			result.MaxLoss = pnl
		}
	}

	for i := 1; i < len(result.Points); i++ {
		prev, curr := result.Points[i-1], result.Points[i]
		if prev.PnL == 0 {
			result.Breakevens = append(result.Breakevens, prev.Spot)
			continue
		}
		if prev.PnL*curr.PnL < 0 {
			// Piecewise-linear payoff: interpolation between the bracketing
			// points is exact when the range includes every strike.
			be := prev.Spot + (curr.Spot-prev.Spot)*(-prev.PnL)/(curr.PnL-prev.PnL)
			result.Breakevens = append(result.Breakevens, be)
		}
	}
	if last := result.Points[len(result.Points)-1]; last.PnL == 0 {
		result.Breakevens = append(result.Breakevens, last.Spot)
	}

	return result, nil
}

// SpotRangeAround builds 2n+1 spots centred on spot, stepped by strikeGap.
func SpotRangeAround(spot, strikeGap float64, n int) []float64 {
	if strikeGap <= 0 {
		strikeGap = 50
	}
	if n <= 0 {
		n = 20
	}
	out := make([]float64, 0, 2*n+1)
	for i := -n; i <= n; i++ {
		s := spot + float64(i)*strikeGap
		if s <= 0 {
			continue
		}
		out = append(out, s)
	}
	return out
}

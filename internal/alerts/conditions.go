package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Condition is one parsed alert condition. Each variant evaluates itself
// against the evaluator's data sources.
type Condition interface {
	evaluate(ctx context.Context, ev *Evaluator) EvaluationResult
}

// conditionEnvelope carries just the discriminator for dispatch.
type conditionEnvelope struct {
	Type string `json:"type"`
}

// ParseCondition decodes a condition config into its variant. Unknown types
// parse into a condition that evaluates to an error result; only malformed
// JSON is a parse error.
func ParseCondition(raw json.RawMessage) (Condition, error) {
	var env conditionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode condition config: %w", err)
	}

	switch env.Type {
	case "price":
		var c PriceCondition
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("failed to decode price condition: %w", err)
		}
		return &c, nil

	case "indicator":
		var c IndicatorCondition
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("failed to decode indicator condition: %w", err)
		}
		return &c, nil

	case "position":
		var c PositionCondition
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("failed to decode position condition: %w", err)
		}
		return &c, nil

	case "greek":
		var c GreekCondition
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("failed to decode greek condition: %w", err)
		}
		return &c, nil

	case "time":
		var c TimeCondition
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("failed to decode time condition: %w", err)
		}
		return &c, nil

	case "composite":
		var envC struct {
			Operator   string            `json:"operator"`
			Conditions []json.RawMessage `json:"conditions"`
		}
		if err := json.Unmarshal(raw, &envC); err != nil {
			return nil, fmt.Errorf("failed to decode composite condition: %w", err)
		}
		if len(envC.Conditions) < 2 {
			return nil, fmt.Errorf("composite condition requires at least 2 sub-conditions, got %d", len(envC.Conditions))
		}
		c := &CompositeCondition{Operator: envC.Operator}
		for i, sub := range envC.Conditions {
			parsed, err := ParseCondition(sub)
			if err != nil {
				return nil, fmt.Errorf("failed to parse sub-condition %d: %w", i, err)
			}
			c.Conditions = append(c.Conditions, parsed)
		}
		return c, nil

	default:
		return &unsupportedCondition{Type: env.Type}, nil
	}
}

// compare applies an operator to a current value. eq uses a relative
// tolerance of max(|threshold|*1e-3, 1e-3); between needs maxThreshold.
func compare(operator string, current, threshold float64, maxThreshold *float64) (bool, error) {
	switch operator {
	case "gt":
		return current > threshold, nil
	case "gte":
		return current >= threshold, nil
	case "lt":
		return current < threshold, nil
	case "lte":
		return current <= threshold, nil
	case "eq":
		tol := math.Max(math.Abs(threshold)*1e-3, 1e-3)
		return math.Abs(current-threshold) <= tol, nil
	case "between":
		if maxThreshold == nil {
			return false, fmt.Errorf("operator between requires max_threshold")
		}
		return current >= threshold && current <= *maxThreshold, nil
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}

// PriceCondition compares a live quote field against a threshold.
type PriceCondition struct {
	Symbol       string   `json:"symbol"`
	Operator     string   `json:"operator"`
	Threshold    float64  `json:"threshold"`
	MaxThreshold *float64 `json:"max_threshold,omitempty"`
	Comparison   string   `json:"comparison,omitempty"` // last_price|bid|ask|vwap
}

func (c *PriceCondition) evaluate(ctx context.Context, ev *Evaluator) EvaluationResult {
	result := newResult(c.Threshold)

	quote, err := ev.fetchQuote(ctx, c.Symbol)
	if err != nil {
		result.Error = fmt.Sprintf("failed to fetch quote for %s: %v", c.Symbol, err)
		return result
	}

	var current float64
	switch c.Comparison {
	case "", "last_price":
		current = quote.LastPrice
	case "bid":
		current = quote.Bid
	case "ask":
		current = quote.Ask
	case "vwap":
		current = quote.VWAP
	default:
		result.Error = fmt.Sprintf("unknown comparison field %q", c.Comparison)
		return result
	}
	result.CurrentValue = &current
	result.Details = map[string]interface{}{
		"symbol":     c.Symbol,
		"comparison": defaultString(c.Comparison, "last_price"),
	}

	matched, err := compare(c.Operator, current, c.Threshold, c.MaxThreshold)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Matched = matched
	return result
}

// IndicatorCondition compares a computed technical indicator value.
type IndicatorCondition struct {
	Symbol          string   `json:"symbol"`
	Indicator       string   `json:"indicator"`
	Timeframe       string   `json:"timeframe"`
	Operator        string   `json:"operator"`
	Threshold       float64  `json:"threshold"`
	MaxThreshold    *float64 `json:"max_threshold,omitempty"`
	LookbackPeriods int      `json:"lookback_periods,omitempty"`
}

func (c *IndicatorCondition) evaluate(ctx context.Context, ev *Evaluator) EvaluationResult {
	result := newResult(c.Threshold)

	current, err := ev.fetchIndicator(ctx, c.Symbol, c.Indicator, c.Timeframe, c.LookbackPeriods)
	if err != nil {
		result.Error = fmt.Sprintf("failed to fetch %s for %s: %v", c.Indicator, c.Symbol, err)
		return result
	}
	result.CurrentValue = &current
	result.Details = map[string]interface{}{
		"symbol":    c.Symbol,
		"indicator": c.Indicator,
		"timeframe": c.Timeframe,
	}

	matched, err := compare(c.Operator, current, c.Threshold, c.MaxThreshold)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Matched = matched
	return result
}

// PositionCondition aggregates a metric across the account's positions and
// compares the sum.
type PositionCondition struct {
	Metric       string   `json:"metric"` // pnl|day_pnl|quantity|pnl_percentage|exposure
	Operator     string   `json:"operator"`
	Threshold    float64  `json:"threshold"`
	MaxThreshold *float64 `json:"max_threshold,omitempty"`
	Symbol       string   `json:"symbol,omitempty"`
	Product      string   `json:"product,omitempty"`
	AccountID    string   `json:"account_id,omitempty"`
}

func (c *PositionCondition) evaluate(ctx context.Context, ev *Evaluator) EvaluationResult {
	result := newResult(c.Threshold)

	positions, err := ev.fetchPositions(ctx, c.AccountID)
	if err != nil {
		result.Error = fmt.Sprintf("failed to fetch positions: %v", err)
		return result
	}

	var current float64
	var count int
	for _, p := range positions {
		if c.Symbol != "" && p.TradingSymbol != c.Symbol {
			continue
		}
		if c.Product != "" && p.Product != c.Product {
			continue
		}
		count++

		switch c.Metric {
		case "pnl":
			current += p.PnL
		case "day_pnl":
			current += p.DayPnL
		case "quantity":
			current += float64(p.Quantity)
		case "pnl_percentage":
			invested := p.AveragePrice * math.Abs(float64(p.Quantity))
			if invested > 0 {
				current += p.PnL / invested * 100
			}
		case "exposure":
			current += p.LastPrice * math.Abs(float64(p.Quantity))
		default:
			result.Error = fmt.Sprintf("unknown position metric %q", c.Metric)
			return result
		}
	}
	result.CurrentValue = &current
	result.Details = map[string]interface{}{
		"metric":         c.Metric,
		"positions_seen": count,
	}

	matched, err := compare(c.Operator, current, c.Threshold, c.MaxThreshold)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Matched = matched
	return result
}

// GreekCondition compares one greek of an instrument.
type GreekCondition struct {
	Greek        string   `json:"greek"` // delta|gamma|theta|vega
	Symbol       string   `json:"symbol"`
	Operator     string   `json:"operator"`
	Threshold    float64  `json:"threshold"`
	MaxThreshold *float64 `json:"max_threshold,omitempty"`
}

func (c *GreekCondition) evaluate(ctx context.Context, ev *Evaluator) EvaluationResult {
	result := newResult(c.Threshold)

	snap, err := ev.fetchGreeks(ctx, c.Symbol)
	if err != nil {
		result.Error = fmt.Sprintf("failed to fetch greeks for %s: %v", c.Symbol, err)
		return result
	}

	var current float64
	switch c.Greek {
	case "delta":
		current = snap.Delta
	case "gamma":
		current = snap.Gamma
	case "theta":
		current = snap.Theta
	case "vega":
		current = snap.Vega
	default:
		result.Error = fmt.Sprintf("unknown greek %q", c.Greek)
		return result
	}
	result.CurrentValue = &current
	result.Details = map[string]interface{}{
		"symbol": c.Symbol,
		"greek":  c.Greek,
	}

	matched, err := compare(c.Operator, current, c.Threshold, c.MaxThreshold)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Matched = matched
	return result
}

// Indian cash-market session, local to the condition's timezone.
const (
	marketOpen  = "09:15"
	marketClose = "15:30"
)

// TimeCondition matches against the current wall clock in a named timezone.
type TimeCondition struct {
	Condition string   `json:"condition"` // market_hours|time_range|day_of_week
	Timezone  string   `json:"timezone,omitempty"`
	StartTime string   `json:"start_time,omitempty"` // HH:MM
	EndTime   string   `json:"end_time,omitempty"`
	Days      []string `json:"days,omitempty"`
}

func (c *TimeCondition) evaluate(_ context.Context, ev *Evaluator) EvaluationResult {
	result := EvaluationResult{EvaluatedAt: time.Now().UTC()}

	tz := c.Timezone
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		result.Error = fmt.Sprintf("unknown timezone %q", tz)
		return result
	}
	now := ev.now().In(loc)
	local := now.Format("15:04")

	result.Details = map[string]interface{}{
		"timezone":   tz,
		"local_time": local,
	}

	switch c.Condition {
	case "market_hours":
		result.Matched = marketOpen <= local && local <= marketClose &&
			now.Weekday() != time.Saturday && now.Weekday() != time.Sunday

	case "time_range":
		if c.StartTime == "" || c.EndTime == "" {
			result.Error = "time_range requires start_time and end_time"
			return result
		}
		result.Matched = inClockWindow(local, c.StartTime, c.EndTime)

	case "day_of_week":
		day := strings.ToLower(now.Weekday().String())
		for _, d := range c.Days {
			if strings.ToLower(d) == day {
				result.Matched = true
				break
			}
		}

	default:
		result.Error = fmt.Sprintf("unknown time condition %q", c.Condition)
	}
	return result
}

// inClockWindow reports whether t lies in [start, end] on a 24h clock.
// A window with start > end wraps past midnight.
func inClockWindow(t, start, end string) bool {
	if start <= end {
		return start <= t && t <= end
	}
	return t >= start || t <= end
}

// CompositeCondition combines sub-conditions with and/or. Every sub-condition
// is evaluated so the result carries all sub-results; there is no
// short-circuit.
type CompositeCondition struct {
	Operator   string
	Conditions []Condition
}

func (c *CompositeCondition) evaluate(ctx context.Context, ev *Evaluator) EvaluationResult {
	result := EvaluationResult{EvaluatedAt: time.Now().UTC()}

	matches := make([]bool, 0, len(c.Conditions))
	for _, sub := range c.Conditions {
		subResult := sub.evaluate(ctx, ev)
		result.SubResults = append(result.SubResults, subResult)
		matches = append(matches, subResult.Matched)
	}

	switch c.Operator {
	case "and":
		result.Matched = true
		for _, m := range matches {
			result.Matched = result.Matched && m
		}
	case "or":
		for _, m := range matches {
			result.Matched = result.Matched || m
		}
	default:
		result.Matched = false
		result.Error = fmt.Sprintf("unknown composite operator %q", c.Operator)
	}
	return result
}

// unsupportedCondition covers custom, script, and unknown types.
type unsupportedCondition struct {
	Type string
}

func (c *unsupportedCondition) evaluate(_ context.Context, _ *Evaluator) EvaluationResult {
	return EvaluationResult{
		EvaluatedAt: time.Now().UTC(),
		Error:       fmt.Sprintf("condition type %q not implemented", c.Type),
	}
}

func newResult(threshold float64) EvaluationResult {
	t := threshold
	return EvaluationResult{
		Threshold:   &t,
		EvaluatedAt: time.Now().UTC(),
	}
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

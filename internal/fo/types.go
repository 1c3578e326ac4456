// Package fo implements the F&O tick aggregation pipeline: wire tick decoding,
// in-memory bucket state per timeframe, flush-sweep persistence, and live
// bucket fan-out.
package fo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Option sides.
const (
	SideCall = "CE"
	SidePut  = "PE"
)

// expiryLayout is the ISO date format used on the wire and in persisted rows.
const expiryLayout = "2006-01-02"

// DepthLevel is one level of the order book ladder.
type DepthLevel struct {
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Orders   int     `json:"orders"`
}

// Depth is the order book attached to an option tick, best level first.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// OptionTick is a single option instrument tick from the pub/sub feed.
// Unknown fields are ignored by the JSON decoder.
type OptionTick struct {
	Symbol    string  `json:"symbol"`
	Expiry    string  `json:"expiry"` // ISO date, e.g. 2024-11-07
	Strike    float64 `json:"strike"`
	Type      string  `json:"type"` // CE or PE
	TS        int64   `json:"ts"`   // epoch seconds, UTC
	IV        float64 `json:"iv"`
	Delta     float64 `json:"delta"`
	Gamma     float64 `json:"gamma"`
	Theta     float64 `json:"theta"`
	Vega      float64 `json:"vega"`
	Volume    float64 `json:"volume"`
	OI        float64 `json:"oi"`
	Price     float64 `json:"price"`
	LastPrice float64 `json:"last_price"`
	Depth     *Depth  `json:"depth,omitempty"`
	IsMock    bool    `json:"is_mock,omitempty"`
}

// Valid reports whether the tick can be aggregated. Mock ticks, unparseable
// expiries, unknown option types, and non-positive strikes are discarded
// without error.
func (t *OptionTick) Valid() bool {
	if t.IsMock {
		return false
	}
	if t.Type != SideCall && t.Type != SidePut {
		return false
	}
	if t.Strike <= 0 || math.IsNaN(t.Strike) || math.IsInf(t.Strike, 0) {
		return false
	}
	if _, err := time.Parse(expiryLayout, t.Expiry); err != nil {
		return false
	}
	return true
}

// UnderlyingTick is a tick for the underlying index or stock.
type UnderlyingTick struct {
	Symbol string  `json:"symbol"`
	TS     int64   `json:"ts"` // epoch seconds, UTC
	Close  float64 `json:"close"`
	Volume float64 `json:"volume,omitempty"`
	IsMock bool    `json:"is_mock,omitempty"`
}

// ParseTimeframe converts a timeframe label to its length in seconds.
// Supported forms are "<n>min" and "<n>h"; every label must map to at least
// 60 seconds.
func ParseTimeframe(label string) (int64, error) {
	var n int
	var unit int64
	var err error

	switch {
	case strings.HasSuffix(label, "min"):
		n, err = strconv.Atoi(strings.TrimSuffix(label, "min"))
		unit = 60
	case strings.HasSuffix(label, "h"):
		n, err = strconv.Atoi(strings.TrimSuffix(label, "h"))
		unit = 3600
	default:
		return 0, fmt.Errorf("unsupported timeframe label %q", label)
	}

	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe label %q", label)
	}

	secs := int64(n) * unit
	if secs < 60 {
		return 0, fmt.Errorf("timeframe %q is shorter than 60s", label)
	}
	return secs, nil
}

// BucketStart aligns a timestamp to the start of its bucket for the given
// timeframe length.
func BucketStart(ts, tfSeconds int64) int64 {
	return ts - (ts % tfSeconds)
}

package fo

// depthLevels caps how many book levels contribute to the quantity sums.
const depthLevels = 5

// LiquiditySnapshot summarizes the order book attached to an option tick.
// Within a bucket the last snapshot written for a strike wins.
type LiquiditySnapshot struct {
	BestBid        float64 `json:"best_bid"`
	BestAsk        float64 `json:"best_ask"`
	SpreadAbs      float64 `json:"spread_abs"`
	SpreadPct      float64 `json:"spread_pct"`
	BidDepthQty    float64 `json:"bid_depth_qty"`
	AskDepthQty    float64 `json:"ask_depth_qty"`
	DepthImbalance float64 `json:"depth_imbalance"` // (bid-ask)/(bid+ask) quantity, 0 when flat
	BidLevels      int     `json:"bid_levels"`
	AskLevels      int     `json:"ask_levels"`
}

// ComputeLiquidity derives a snapshot from a depth payload. The book is
// assumed best level first. Returns nil when either side is empty or the top
// of book carries no price.
func ComputeLiquidity(d *Depth) *LiquiditySnapshot {
	if d == nil || len(d.Buy) == 0 || len(d.Sell) == 0 {
		return nil
	}

	bestBid := d.Buy[0].Price
	bestAsk := d.Sell[0].Price
	if bestBid <= 0 || bestAsk <= 0 {
		return nil
	}

	snap := &LiquiditySnapshot{
		BestBid:   bestBid,
		BestAsk:   bestAsk,
		SpreadAbs: bestAsk - bestBid,
		BidLevels: len(d.Buy),
		AskLevels: len(d.Sell),
	}

	if mid := (bestBid + bestAsk) / 2; mid > 0 {
		snap.SpreadPct = snap.SpreadAbs / mid * 100
	}

	for i, lvl := range d.Buy {
		if i >= depthLevels {
			break
		}
		snap.BidDepthQty += lvl.Quantity
	}
	for i, lvl := range d.Sell {
		if i >= depthLevels {
			break
		}
		snap.AskDepthQty += lvl.Quantity
	}

	if total := snap.BidDepthQty + snap.AskDepthQty; total > 0 {
		snap.DepthImbalance = (snap.BidDepthQty - snap.AskDepthQty) / total
	}

	return snap
}

package fo

import "sort"

// OptionStats accumulates running sums for one side of a strike within one
// bucket. Averages are derived at serialization time; volume and oi stay sums.
type OptionStats struct {
	IVSum     float64
	DeltaSum  float64
	GammaSum  float64
	ThetaSum  float64
	VegaSum   float64
	VolumeSum float64
	OISum     float64
	Count     int64
}

// Add folds one option tick into the accumulator.
func (s *OptionStats) Add(t *OptionTick) {
	s.IVSum += t.IV
	s.DeltaSum += t.Delta
	s.GammaSum += t.Gamma
	s.ThetaSum += t.Theta
	s.VegaSum += t.Vega
	s.VolumeSum += t.Volume
	s.OISum += t.OI
	s.Count++
}

// SideStats is the serialized form of an accumulator as persisted and
// broadcast. Averages are null when no ticks were folded in.
type SideStats struct {
	IV     *float64 `json:"iv"`
	Delta  *float64 `json:"delta"`
	Gamma  *float64 `json:"gamma"`
	Theta  *float64 `json:"theta"`
	Vega   *float64 `json:"vega"`
	Volume float64  `json:"volume"`
	OI     float64  `json:"oi"`
	Count  int64    `json:"count"`
}

// Serialize converts running sums into the persisted/broadcast form.
func (s *OptionStats) Serialize() SideStats {
	out := SideStats{
		Volume: s.VolumeSum,
		OI:     s.OISum,
		Count:  s.Count,
	}
	if s.Count == 0 {
		return out
	}

	n := float64(s.Count)
	avg := func(sum float64) *float64 {
		v := sum / n
		return &v
	}
	out.IV = avg(s.IVSum)
	out.Delta = avg(s.DeltaSum)
	out.Gamma = avg(s.GammaSum)
	out.Theta = avg(s.ThetaSum)
	out.Vega = avg(s.VegaSum)
	return out
}

// StrikeRow is one persisted strike rollup.
type StrikeRow struct {
	Timeframe       string             `json:"timeframe"`
	Symbol          string             `json:"symbol"`
	Expiry          string             `json:"expiry"`
	Strike          float64            `json:"strike"`
	BucketTime      int64              `json:"bucket_time"`
	UnderlyingClose *float64           `json:"underlying_close,omitempty"`
	Call            SideStats          `json:"call"`
	Put             SideStats          `json:"put"`
	Liquidity       *LiquiditySnapshot `json:"liquidity,omitempty"`
}

// ExpiryMetricsRow is one persisted per-expiry metrics rollup.
type ExpiryMetricsRow struct {
	Timeframe       string   `json:"timeframe"`
	Symbol          string   `json:"symbol"`
	Expiry          string   `json:"expiry"`
	BucketTime      int64    `json:"bucket_time"`
	UnderlyingClose *float64 `json:"underlying_close,omitempty"`
	TotalCallVolume float64  `json:"total_call_volume"`
	TotalPutVolume  float64  `json:"total_put_volume"`
	TotalCallOI     float64  `json:"total_call_oi"`
	TotalPutOI      float64  `json:"total_put_oi"`
	PCR             *float64 `json:"pcr,omitempty"`
	MaxPainStrike   *float64 `json:"max_pain_strike,omitempty"`
}

// UnderlyingBarRow is one persisted OHLCV bar for an underlying.
type UnderlyingBarRow struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Time      int64   `json:"time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// ComputeExpiryMetrics derives the per-expiry metrics row from a bucket's
// strike rows: call/put volume and oi totals, put-call ratio, and max pain.
func ComputeExpiryMetrics(rows []StrikeRow) (totalCallVol, totalPutVol, totalCallOI, totalPutOI float64, pcr, maxPain *float64) {
	for _, r := range rows {
		totalCallVol += r.Call.Volume
		totalPutVol += r.Put.Volume
		totalCallOI += r.Call.OI
		totalPutOI += r.Put.OI
	}

	if totalCallVol > 0 {
		v := totalPutVol / totalCallVol
		pcr = &v
	}
	maxPain = MaxPainStrike(rows)
	return
}

// MaxPainStrike returns the strike K* minimizing
//
//	sum_K max(0, K-K*)*callVol(K) + sum_K max(0, K*-K)*putVol(K)
//
// over the strikes present in the bucket. Ties break to the smallest strike.
// Returns nil when the bucket has no strikes.
func MaxPainStrike(rows []StrikeRow) *float64 {
	if len(rows) == 0 {
		return nil
	}

	strikes := make([]float64, 0, len(rows))
	callVol := make(map[float64]float64, len(rows))
	putVol := make(map[float64]float64, len(rows))
	for _, r := range rows {
		strikes = append(strikes, r.Strike)
		callVol[r.Strike] += r.Call.Volume
		putVol[r.Strike] += r.Put.Volume
	}
	sort.Float64s(strikes)

	best := strikes[0]
	bestLoss := painAt(best, strikes, callVol, putVol)
	for _, k := range strikes[1:] {
		loss := painAt(k, strikes, callVol, putVol)
		if loss < bestLoss {
			best, bestLoss = k, loss
		}
	}
	return &best
}

func painAt(candidate float64, strikes []float64, callVol, putVol map[float64]float64) float64 {
	var loss float64
	for _, k := range strikes {
		if k > candidate {
			loss += (k - candidate) * callVol[k]
		}
		if candidate > k {
			loss += (candidate - k) * putVol[k]
		}
	}
	return loss
}

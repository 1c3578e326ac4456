package fo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionStatsSerialize(t *testing.T) {
	var s OptionStats
	s.Add(&OptionTick{IV: 0.20, Delta: 0.50, Gamma: 0.01, Theta: -5, Vega: 10, Volume: 100, OI: 1000})
	s.Add(&OptionTick{IV: 0.30, Delta: 0.60, Gamma: 0.03, Theta: -7, Vega: 14, Volume: 50, OI: 2000})

	out := s.Serialize()
	require.NotNil(t, out.IV)
	assert.InDelta(t, 0.25, *out.IV, 1e-9)
	assert.InDelta(t, 0.55, *out.Delta, 1e-9)
	assert.InDelta(t, 0.02, *out.Gamma, 1e-9)
	assert.InDelta(t, -6, *out.Theta, 1e-9)
	assert.InDelta(t, 12, *out.Vega, 1e-9)
	assert.Equal(t, float64(150), out.Volume)
	assert.Equal(t, float64(3000), out.OI)
	assert.Equal(t, int64(2), out.Count)
}

func TestOptionStatsSerializeEmpty(t *testing.T) {
	var s OptionStats
	out := s.Serialize()

	assert.Nil(t, out.IV)
	assert.Nil(t, out.Delta)
	assert.Nil(t, out.Gamma)
	assert.Nil(t, out.Theta)
	assert.Nil(t, out.Vega)
	assert.Equal(t, float64(0), out.Volume)
	assert.Equal(t, int64(0), out.Count)
}

func strikeRowWithVolumes(strike, callVol, putVol float64) StrikeRow {
	return StrikeRow{
		Strike: strike,
		Call:   SideStats{Volume: callVol},
		Put:    SideStats{Volume: putVol},
	}
}

func TestMaxPainStrike(t *testing.T) {
	// Heavy put volume below and call volume above pins pain to the middle.
	rows := []StrikeRow{
		strikeRowWithVolumes(23800, 0, 500),
		strikeRowWithVolumes(23900, 100, 300),
		strikeRowWithVolumes(24000, 200, 200),
		strikeRowWithVolumes(24100, 300, 100),
		strikeRowWithVolumes(24200, 500, 0),
	}

	got := MaxPainStrike(rows)
	require.NotNil(t, got)

	// Verify against a brute-force evaluation of the loss function.
	best, bestLoss := 0.0, -1.0
	for _, cand := range []float64{23800, 23900, 24000, 24100, 24200} {
		loss := 0.0
		for _, r := range rows {
			if r.Strike > cand {
				loss += (r.Strike - cand) * r.Call.Volume
			}
			if cand > r.Strike {
				loss += (cand - r.Strike) * r.Put.Volume
			}
		}
		if bestLoss < 0 || loss < bestLoss {
			best, bestLoss = cand, loss
		}
	}
	assert.Equal(t, best, *got)
}

func TestMaxPainStrikeTieBreaksToSmallest(t *testing.T) {
	// Symmetric volumes make 23900 and 24100 produce identical losses.
	rows := []StrikeRow{
		strikeRowWithVolumes(23900, 100, 100),
		strikeRowWithVolumes(24100, 100, 100),
	}

	got := MaxPainStrike(rows)
	require.NotNil(t, got)
	assert.Equal(t, float64(23900), *got)
}

func TestMaxPainStrikeEmpty(t *testing.T) {
	assert.Nil(t, MaxPainStrike(nil))
}

func TestComputeExpiryMetrics(t *testing.T) {
	rows := []StrikeRow{
		{Strike: 24000, Call: SideStats{Volume: 100, OI: 1000}, Put: SideStats{Volume: 150, OI: 500}},
		{Strike: 24100, Call: SideStats{Volume: 50, OI: 2000}, Put: SideStats{Volume: 75, OI: 1500}},
	}

	callVol, putVol, callOI, putOI, pcr, maxPain := ComputeExpiryMetrics(rows)
	assert.Equal(t, float64(150), callVol)
	assert.Equal(t, float64(225), putVol)
	assert.Equal(t, float64(3000), callOI)
	assert.Equal(t, float64(2000), putOI)
	require.NotNil(t, pcr)
	assert.InDelta(t, 1.5, *pcr, 1e-9)
	require.NotNil(t, maxPain)
}

func TestComputeExpiryMetricsZeroCallVolume(t *testing.T) {
	rows := []StrikeRow{
		{Strike: 24000, Put: SideStats{Volume: 150}},
	}

	_, _, _, _, pcr, _ := ComputeExpiryMetrics(rows)
	assert.Nil(t, pcr, "pcr is undefined when call volume is zero")
}

package payoff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLongCallPayoff(t *testing.T) {
	legs := []Leg{{Type: "CE", Side: "BUY", Strike: 24000, Premium: 100, Quantity: 50}}

	// Below the strike the whole premium is lost.
	assert.InDelta(t, -5000, At(legs, 23500), 1e-9)
	// At breakeven strike+premium the P&L is flat.
	assert.InDelta(t, 0, At(legs, 24100), 1e-9)
	// Deep in the money.
	assert.InDelta(t, (400-100)*50, At(legs, 24400), 1e-9)
}

func TestShortStraddleProfile(t *testing.T) {
	legs := []Leg{
		{Type: "CE", Side: "SELL", Strike: 24000, Premium: 150, Quantity: 50},
		{Type: "PE", Side: "SELL", Strike: 24000, Premium: 120, Quantity: 50},
	}
	spots := SpotRangeAround(24000, 50, 20)

	result, err := Compute(legs, spots)
	require.NoError(t, err)

	// Max profit is the combined premium, collected at the strike.
	assert.InDelta(t, (150+120)*50, result.MaxProfit, 1e-9)

	// Breakevens at strike ± combined premium.
	require.Len(t, result.Breakevens, 2)
	assert.InDelta(t, 24000-270, result.Breakevens[0], 1e-6)
	assert.InDelta(t, 24000+270, result.Breakevens[1], 1e-6)

	// Losses are unbounded; the worst point sits at a range edge.
	assert.Less(t, result.MaxLoss, 0.0)
	assert.InDelta(t, result.MaxLoss, result.Points[len(result.Points)-1].PnL, 1e-9)
}

func TestBullCallSpreadCapsBothSides(t *testing.T) {
	legs := []Leg{
		{Type: "CE", Side: "BUY", Strike: 24000, Premium: 150, Quantity: 50},
		{Type: "CE", Side: "SELL", Strike: 24200, Premium: 60, Quantity: 50},
	}
	result, err := Compute(legs, SpotRangeAround(24100, 50, 10))
	require.NoError(t, err)

	// Net debit 90, width 200: capped profit (200-90)*50, capped loss -90*50.
	assert.InDelta(t, 110*50, result.MaxProfit, 1e-9)
	assert.InDelta(t, -90*50, result.MaxLoss, 1e-9)

	require.Len(t, result.Breakevens, 1)
	assert.InDelta(t, 24090, result.Breakevens[0], 1e-6)
}

func TestComputeValidatesLegs(t *testing.T) {
	cases := []struct {
		name string
		leg  Leg
	}{
		{"bad type", Leg{Type: "FUT", Side: "BUY", Strike: 24000, Premium: 10, Quantity: 50}},
		{"bad side", Leg{Type: "CE", Side: "HOLD", Strike: 24000, Premium: 10, Quantity: 50}},
		{"zero strike", Leg{Type: "CE", Side: "BUY", Strike: 0, Premium: 10, Quantity: 50}},
		{"negative premium", Leg{Type: "CE", Side: "BUY", Strike: 24000, Premium: -1, Quantity: 50}},
		{"zero quantity", Leg{Type: "CE", Side: "BUY", Strike: 24000, Premium: 10, Quantity: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compute([]Leg{tc.leg}, []float64{23000, 25000})
			assert.Error(t, err)
		})
	}

	_, err := Compute(nil, []float64{23000, 25000})
	assert.Error(t, err, "empty strategies are rejected")
}

func TestSpotRangeAroundSkipsNonPositive(t *testing.T) {
	spots := SpotRangeAround(100, 50, 5)
	for _, s := range spots {
		assert.Greater(t, s, 0.0)
	}
	assert.Contains(t, spots, 100.0)
}

func TestLowercaseLegFieldsAccepted(t *testing.T) {
	legs := []Leg{{Type: "ce", Side: "buy", Strike: 24000, Premium: 100, Quantity: 50}}
	assert.InDelta(t, -5000, At(legs, 23000), 1e-9)
}

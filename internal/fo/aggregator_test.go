package fo

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePersistence struct {
	mu      sync.Mutex
	strikes [][]StrikeRow
	metrics [][]ExpiryMetricsRow
	bars    [][]UnderlyingBarRow
	fail    bool
}

func (c *capturePersistence) UpsertStrikeRows(_ context.Context, rows []StrikeRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("persistence unavailable")
	}
	c.strikes = append(c.strikes, rows)
	return nil
}

func (c *capturePersistence) UpsertExpiryMetrics(_ context.Context, rows []ExpiryMetricsRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("persistence unavailable")
	}
	c.metrics = append(c.metrics, rows)
	return nil
}

func (c *capturePersistence) UpsertUnderlyingBars(_ context.Context, rows []UnderlyingBarRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("persistence unavailable")
	}
	c.bars = append(c.bars, rows)
	return nil
}

func (c *capturePersistence) strikeBatches() [][]StrikeRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]StrikeRow, len(c.strikes))
	copy(out, c.strikes)
	return out
}

func (c *capturePersistence) barBatches() [][]UnderlyingBarRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]UnderlyingBarRow, len(c.bars))
	copy(out, c.bars)
	return out
}

func (c *capturePersistence) metricBatches() [][]ExpiryMetricsRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]ExpiryMetricsRow, len(c.metrics))
	copy(out, c.metrics)
	return out
}

type captureHub struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (h *captureHub) Broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, payload)
}

func (h *captureHub) messages() []BroadcastPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]BroadcastPayload, 0, len(h.payloads))
	for _, p := range h.payloads {
		var msg BroadcastPayload
		if err := json.Unmarshal(p, &msg); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

func newTestAggregator(t *testing.T, cfg Config) (*Aggregator, *capturePersistence, *captureHub) {
	t.Helper()
	persist := &capturePersistence{}
	hub := &captureHub{}
	agg, err := NewAggregator(cfg, persist, hub, zerolog.Nop())
	require.NoError(t, err)
	return agg, persist, hub
}

func optTick(strike float64, side string, ts int64) *OptionTick {
	return &OptionTick{
		Symbol: "NIFTY",
		Expiry: "2024-11-07",
		Strike: strike,
		Type:   side,
		TS:     ts,
		IV:     0.2,
		Delta:  0.5,
		Volume: 10,
		OI:     100,
	}
}

func TestNewAggregatorValidation(t *testing.T) {
	_, err := NewAggregator(Config{}, &capturePersistence{}, &captureHub{}, zerolog.Nop())
	assert.Error(t, err, "no timeframes")

	_, err = NewAggregator(Config{
		Timeframes:        []string{"1min"},
		PersistTimeframes: []string{"5min"},
	}, &capturePersistence{}, &captureHub{}, zerolog.Nop())
	assert.Error(t, err, "persist timeframe not configured")

	_, err = NewAggregator(Config{Timeframes: []string{"90s"}}, &capturePersistence{}, &captureHub{}, zerolog.Nop())
	assert.Error(t, err, "unparseable timeframe")
}

func TestAggregatorHoldsBucketUntilLagElapses(t *testing.T) {
	agg, persist, hub := newTestAggregator(t, Config{
		Timeframes:        []string{"1min"},
		PersistTimeframes: []string{"1min"},
		FlushLagSeconds:   5,
	})

	agg.HandleOption(optTick(24000, SideCall, 60))
	// 124 is one second short of boundary (120) plus lag (5).
	agg.HandleOption(optTick(24000, SideCall, 124))
	agg.Wait()

	assert.Empty(t, persist.strikeBatches())
	assert.Empty(t, hub.messages())
	assert.Equal(t, 2, agg.BufferedBuckets())
}

func TestAggregatorFlushesAfterBoundaryPlusLag(t *testing.T) {
	agg, persist, hub := newTestAggregator(t, Config{
		Timeframes:        []string{"1min"},
		PersistTimeframes: []string{"1min"},
		FlushLagSeconds:   5,
	})

	agg.HandleOption(optTick(24000, SideCall, 60))
	agg.HandleOption(optTick(24000, SidePut, 70))
	agg.HandleOption(optTick(24000, SideCall, 125))
	agg.Wait()

	batches := persist.strikeBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)

	row := batches[0][0]
	assert.Equal(t, "1min", row.Timeframe)
	assert.Equal(t, "NIFTY", row.Symbol)
	assert.Equal(t, "2024-11-07", row.Expiry)
	assert.Equal(t, float64(24000), row.Strike)
	assert.Equal(t, int64(60), row.BucketTime)
	assert.Equal(t, int64(1), row.Call.Count)
	assert.Equal(t, int64(1), row.Put.Count)
	assert.Equal(t, float64(10), row.Call.Volume)

	msgs := hub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(60), msgs[0].BucketTime)

	metrics := persist.metricBatches()
	require.Len(t, metrics, 1)
	require.Len(t, metrics[0], 1)
	require.NotNil(t, metrics[0][0].PCR)
	assert.InDelta(t, 1.0, *metrics[0][0].PCR, 1e-9)

	// The triggering tick's own bucket is still live.
	assert.Equal(t, 1, agg.BufferedBuckets())
}

func TestAggregatorReopensLateBucket(t *testing.T) {
	agg, persist, _ := newTestAggregator(t, Config{
		Timeframes:        []string{"1min"},
		PersistTimeframes: []string{"1min"},
	})

	agg.HandleOption(optTick(24000, SideCall, 60))
	agg.HandleOption(optTick(24000, SideCall, 125))
	agg.Wait()
	require.Len(t, persist.strikeBatches(), 1)

	// A straggler for the already-flushed bucket reopens it; the next flush
	// writes it again and the upsert overwrites the earlier row.
	agg.HandleOption(optTick(24000, SidePut, 61))
	agg.FlushAll()

	batches := persist.strikeBatches()
	var flushes []StrikeRow
	for _, b := range batches {
		for _, r := range b {
			if r.BucketTime == 60 {
				flushes = append(flushes, r)
			}
		}
	}
	require.Len(t, flushes, 2)
	assert.Equal(t, int64(1), flushes[0].Call.Count)
	assert.Equal(t, int64(0), flushes[1].Call.Count, "reopened bucket holds only the straggler")
	assert.Equal(t, int64(1), flushes[1].Put.Count)
}

func TestAggregatorDiscardsInvalidTicks(t *testing.T) {
	agg, persist, hub := newTestAggregator(t, Config{
		Timeframes:        []string{"1min"},
		PersistTimeframes: []string{"1min"},
	})

	mock := optTick(24000, SideCall, 60)
	mock.IsMock = true
	agg.HandleOption(mock)

	badType := optTick(24000, "XX", 60)
	agg.HandleOption(badType)

	badExpiry := optTick(24000, SideCall, 60)
	badExpiry.Expiry = "soon"
	agg.HandleOption(badExpiry)

	agg.HandleOption(nil)

	assert.Equal(t, 0, agg.BufferedBuckets())
	agg.FlushAll()
	assert.Empty(t, persist.strikeBatches())
	assert.Empty(t, hub.messages())
}

func TestAggregatorBroadcastsAllTimeframesPersistsSubset(t *testing.T) {
	agg, persist, hub := newTestAggregator(t, Config{
		Timeframes:        []string{"1min", "5min"},
		PersistTimeframes: []string{"1min"},
	})

	agg.HandleOption(optTick(24000, SideCall, 60))
	agg.FlushAll()

	msgs := hub.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "1min", msgs[0].Timeframe)
	assert.Equal(t, "5min", msgs[1].Timeframe)

	batches := persist.strikeBatches()
	require.Len(t, batches, 1)
	assert.Equal(t, "1min", batches[0][0].Timeframe)
}

func TestAggregatorSeedsUnderlyingClose(t *testing.T) {
	agg, persist, _ := newTestAggregator(t, Config{
		Timeframes:        []string{"1min"},
		PersistTimeframes: []string{"1min"},
	})

	agg.HandleUnderlying(&UnderlyingTick{Symbol: "NIFTY", TS: 55, Close: 24123.5})
	agg.HandleOption(optTick(24000, SideCall, 60))
	agg.FlushAll()

	batches := persist.strikeBatches()
	require.Len(t, batches, 1)
	require.NotNil(t, batches[0][0].UnderlyingClose)
	assert.Equal(t, 24123.5, *batches[0][0].UnderlyingClose)

	metrics := persist.metricBatches()
	require.Len(t, metrics, 1)
	require.NotNil(t, metrics[0][0].UnderlyingClose)
	assert.Equal(t, 24123.5, *metrics[0][0].UnderlyingClose)
}

func TestAggregatorNilUnderlyingWithoutTicks(t *testing.T) {
	agg, persist, _ := newTestAggregator(t, Config{
		Timeframes:        []string{"1min"},
		PersistTimeframes: []string{"1min"},
	})

	agg.HandleOption(optTick(24000, SideCall, 60))
	agg.FlushAll()

	batches := persist.strikeBatches()
	require.Len(t, batches, 1)
	assert.Nil(t, batches[0][0].UnderlyingClose)
}

func TestAggregatorBuildsOHLCVBars(t *testing.T) {
	agg, persist, hub := newTestAggregator(t, Config{
		Timeframes:        []string{"1min"},
		PersistTimeframes: []string{"1min"},
	})

	agg.HandleUnderlying(&UnderlyingTick{Symbol: "NIFTY", TS: 60, Close: 100, Volume: 5})
	agg.HandleUnderlying(&UnderlyingTick{Symbol: "NIFTY", TS: 70, Close: 105, Volume: 3})
	agg.HandleUnderlying(&UnderlyingTick{Symbol: "NIFTY", TS: 80, Close: 95, Volume: 2})
	agg.HandleUnderlying(&UnderlyingTick{Symbol: "NIFTY", TS: 90, Close: 102, Volume: 1})
	agg.FlushAll()

	batches := persist.barBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)

	bar := batches[0][0]
	assert.Equal(t, int64(60), bar.Time)
	assert.Equal(t, float64(100), bar.Open)
	assert.Equal(t, float64(105), bar.High)
	assert.Equal(t, float64(95), bar.Low)
	assert.Equal(t, float64(102), bar.Close)
	assert.Equal(t, float64(11), bar.Volume)

	// Bars are persisted, never broadcast.
	assert.Empty(t, hub.messages())
}

func TestAggregatorLiquidityLastWriteWins(t *testing.T) {
	agg, persist, _ := newTestAggregator(t, Config{
		Timeframes:        []string{"1min"},
		PersistTimeframes: []string{"1min"},
	})

	first := optTick(24000, SideCall, 60)
	first.Depth = &Depth{
		Buy:  []DepthLevel{{Price: 99, Quantity: 10}},
		Sell: []DepthLevel{{Price: 101, Quantity: 10}},
	}
	second := optTick(24000, SideCall, 61)
	second.Depth = &Depth{
		Buy:  []DepthLevel{{Price: 98, Quantity: 20}},
		Sell: []DepthLevel{{Price: 102, Quantity: 20}},
	}
	agg.HandleOption(first)
	agg.HandleOption(second)
	agg.FlushAll()

	batches := persist.strikeBatches()
	require.Len(t, batches, 1)
	require.NotNil(t, batches[0][0].Liquidity)
	assert.Equal(t, float64(98), batches[0][0].Liquidity.BestBid)
	assert.Equal(t, float64(102), batches[0][0].Liquidity.BestAsk)
}

func TestAggregatorBroadcastPayloadShape(t *testing.T) {
	agg, _, hub := newTestAggregator(t, Config{
		Timeframes:        []string{"1min"},
		PersistTimeframes: []string{"1min"},
	})

	agg.HandleUnderlying(&UnderlyingTick{Symbol: "NIFTY", TS: 55, Close: 24050})
	agg.HandleOption(optTick(24000, SideCall, 60))
	agg.HandleOption(optTick(24100, SidePut, 61))
	agg.FlushAll()

	msgs := hub.messages()
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, "fo_bucket", msg.Type)
	assert.Equal(t, "1min", msg.Timeframe)
	assert.Equal(t, "NIFTY", msg.Symbol)
	assert.Equal(t, "2024-11-07", msg.Expiry)
	assert.Equal(t, int64(60), msg.BucketTime)
	require.Len(t, msg.Strikes, 2)
	assert.Equal(t, float64(24000), msg.Strikes[0].Strike, "strikes sorted ascending")
	assert.Equal(t, float64(24100), msg.Strikes[1].Strike)
	require.NotNil(t, msg.Strikes[0].Call.IV)
	require.NotNil(t, msg.Metrics.PCR)
	assert.Equal(t, "2024-11-07", msg.Metrics.Expiry)
}

func TestAggregatorDropsBatchOnPersistError(t *testing.T) {
	persist := &capturePersistence{fail: true}
	hub := &captureHub{}
	agg, err := NewAggregator(Config{
		Timeframes:        []string{"1min"},
		PersistTimeframes: []string{"1min"},
	}, persist, hub, zerolog.Nop())
	require.NoError(t, err)

	agg.HandleOption(optTick(24000, SideCall, 60))
	agg.FlushAll()

	// The failed batch is dropped; the buffer is gone and nothing retries.
	assert.Equal(t, 0, agg.BufferedBuckets())
	assert.Empty(t, persist.strikeBatches())
	// Broadcast still happened.
	assert.Len(t, hub.messages(), 1)
}

func TestFlushAllDrainsEverything(t *testing.T) {
	agg, persist, _ := newTestAggregator(t, Config{
		Timeframes:        []string{"1min", "5min"},
		PersistTimeframes: []string{"1min", "5min"},
	})

	agg.HandleOption(optTick(24000, SideCall, 60))
	agg.HandleOption(optTick(24100, SidePut, 400))
	agg.HandleUnderlying(&UnderlyingTick{Symbol: "NIFTY", TS: 60, Close: 24000, Volume: 1})
	agg.FlushAll()

	assert.Equal(t, 0, agg.BufferedBuckets())

	// Two ticks across two timeframes: the second tick may have flushed the
	// first 1min bucket already, so count total rows rather than batches.
	var total int
	for _, batch := range persist.strikeBatches() {
		total += len(batch)
	}
	assert.Equal(t, 4, total)
	require.NotEmpty(t, persist.barBatches())
}

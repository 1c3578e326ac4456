package fo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantrails/strikeline/internal/utils"
)

// persistTimeout bounds one persistence batch write.
const persistTimeout = 30 * time.Second

// Persistence is the sink for flushed rollups.
type Persistence interface {
	UpsertStrikeRows(ctx context.Context, rows []StrikeRow) error
	UpsertExpiryMetrics(ctx context.Context, rows []ExpiryMetricsRow) error
	UpsertUnderlyingBars(ctx context.Context, rows []UnderlyingBarRow) error
}

// Broadcaster fans live bucket payloads out to subscribers. It must never
// block the caller.
type Broadcaster interface {
	Broadcast(payload []byte)
}

// Config controls bucket sizes, flushing, and persistence bounds.
type Config struct {
	Timeframes         []string // bucket sizes to maintain and broadcast
	PersistTimeframes  []string // subset of Timeframes written to persistence
	FlushLagSeconds    int      // extra wait after bucket boundary before flushing
	PersistConcurrency int      // max concurrent persistence calls
	StrikeGap          float64  // strike spacing, reported to consumers as-is
}

type bucketKey struct {
	Timeframe   string
	Symbol      string
	Expiry      string
	BucketStart int64
}

type strikeSides struct {
	CE OptionStats
	PE OptionStats
}

// bucket accumulates option activity for one (timeframe, symbol, expiry,
// bucket_start). Created on first tick, destroyed when moved into a flush.
type bucket struct {
	strikes    map[float64]*strikeSides
	underlying *float64 // lazily seeded from the last-seen underlying close
	liquidity  map[float64]*LiquiditySnapshot
}

type barKey struct {
	Timeframe   string
	Symbol      string
	BucketStart int64
}

type underlyingBar struct {
	open   float64
	high   float64
	low    float64
	close  float64
	volume float64
}

// Aggregator owns all mutable bucket state for the tick pipeline. One mutex
// guards the buffers and the last-underlying cache; it is never held across
// persistence or broadcast I/O.
type Aggregator struct {
	mu                sync.Mutex
	buffers           map[bucketKey]*bucket
	underlyingBuffers map[barKey]*underlyingBar
	lastUnderlying    map[string]float64

	tfLabels   []string         // timeframe labels ordered by seconds ascending
	tfSeconds  map[string]int64 // label -> bucket length in seconds
	persistSet map[string]bool
	flushLag   int64
	strikeGap  float64

	persist Persistence
	hub     Broadcaster
	sem     chan struct{} // bounds concurrent persistence calls
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// NewAggregator validates the timeframe configuration and builds an empty
// aggregator.
func NewAggregator(cfg Config, persist Persistence, hub Broadcaster, log zerolog.Logger) (*Aggregator, error) {
	if len(cfg.Timeframes) == 0 {
		return nil, fmt.Errorf("at least one timeframe is required")
	}

	tfSeconds := make(map[string]int64, len(cfg.Timeframes))
	labels := make([]string, 0, len(cfg.Timeframes))
	for _, label := range cfg.Timeframes {
		secs, err := ParseTimeframe(label)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timeframe: %w", err)
		}
		if _, dup := tfSeconds[label]; dup {
			continue
		}
		tfSeconds[label] = secs
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return tfSeconds[labels[i]] < tfSeconds[labels[j]] })

	persistSet := make(map[string]bool, len(cfg.PersistTimeframes))
	for _, label := range cfg.PersistTimeframes {
		if _, ok := tfSeconds[label]; !ok {
			return nil, fmt.Errorf("persist timeframe %q is not a configured timeframe", label)
		}
		persistSet[label] = true
	}

	flushLag := cfg.FlushLagSeconds
	if flushLag < 0 {
		flushLag = 0
	}
	concurrency := cfg.PersistConcurrency
	if concurrency < 1 {
		concurrency = 2
	}

	return &Aggregator{
		buffers:           make(map[bucketKey]*bucket),
		underlyingBuffers: make(map[barKey]*underlyingBar),
		lastUnderlying:    make(map[string]float64),
		tfLabels:          labels,
		tfSeconds:         tfSeconds,
		persistSet:        persistSet,
		flushLag:          int64(flushLag),
		strikeGap:         cfg.StrikeGap,
		persist:           persist,
		hub:               hub,
		sem:               make(chan struct{}, concurrency),
		log:               log.With().Str("component", "fo_aggregator").Logger(),
	}, nil
}

// HandleOption folds one option tick into every configured timeframe's bucket,
// then runs the flush-sweep. Invalid and mock ticks are discarded silently.
func (a *Aggregator) HandleOption(t *OptionTick) {
	if t == nil || !t.Valid() {
		return
	}

	a.mu.Lock()
	for _, tf := range a.tfLabels {
		key := bucketKey{
			Timeframe:   tf,
			Symbol:      t.Symbol,
			Expiry:      t.Expiry,
			BucketStart: BucketStart(t.TS, a.tfSeconds[tf]),
		}

		b, ok := a.buffers[key]
		if !ok {
			b = &bucket{
				strikes:   make(map[float64]*strikeSides),
				liquidity: make(map[float64]*LiquiditySnapshot),
			}
			a.buffers[key] = b
		}

		sides, ok := b.strikes[t.Strike]
		if !ok {
			sides = &strikeSides{}
			b.strikes[t.Strike] = sides
		}
		if t.Type == SideCall {
			sides.CE.Add(t)
		} else {
			sides.PE.Add(t)
		}

		if b.underlying == nil {
			if close, ok := a.lastUnderlying[t.Symbol]; ok {
				v := close
				b.underlying = &v
			}
		}

		if t.Depth != nil {
			if snap := ComputeLiquidity(t.Depth); snap != nil {
				b.liquidity[t.Strike] = snap
			}
		}
	}
	a.mu.Unlock()

	a.sweep(t.TS, false)
}

// HandleUnderlying updates the OHLCV bar buffers and the last-underlying
// cache, then runs the flush-sweep.
func (a *Aggregator) HandleUnderlying(t *UnderlyingTick) {
	if t == nil || t.IsMock {
		return
	}

	a.mu.Lock()
	for _, tf := range a.tfLabels {
		key := barKey{
			Timeframe:   tf,
			Symbol:      t.Symbol,
			BucketStart: BucketStart(t.TS, a.tfSeconds[tf]),
		}

		bar, ok := a.underlyingBuffers[key]
		if !ok {
			a.underlyingBuffers[key] = &underlyingBar{
				open:   t.Close,
				high:   t.Close,
				low:    t.Close,
				close:  t.Close,
				volume: t.Volume,
			}
			continue
		}

		bar.close = t.Close
		if t.Close > bar.high {
			bar.high = t.Close
		}
		if t.Close < bar.low {
			bar.low = t.Close
		}
		bar.volume += t.Volume
	}
	a.lastUnderlying[t.Symbol] = t.Close
	a.mu.Unlock()

	a.sweep(t.TS, false)
}

// FlushAll drains every bucket and bar regardless of boundary and waits for
// all persistence batches to complete. Used on shutdown.
func (a *Aggregator) FlushAll() {
	a.sweep(0, true)
	a.wg.Wait()
}

// Wait blocks until in-flight persistence batches have drained.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}

type flushedBucket struct {
	key bucketKey
	b   *bucket
}

type flushedBar struct {
	key barKey
	bar *underlyingBar
}

// sweep collects and removes all eligible buckets and bars under the lock,
// then materializes, broadcasts, and persists them outside it. With all set,
// every live buffer is flushed regardless of its boundary.
func (a *Aggregator) sweep(now int64, all bool) {
	a.mu.Lock()

	var buckets []flushedBucket
	for key, b := range a.buffers {
		if all || now-key.BucketStart >= a.tfSeconds[key.Timeframe]+a.flushLag {
			buckets = append(buckets, flushedBucket{key: key, b: b})
			delete(a.buffers, key)
		}
	}

	var bars []flushedBar
	for key, bar := range a.underlyingBuffers {
		if all || now-key.BucketStart >= a.tfSeconds[key.Timeframe]+a.flushLag {
			bars = append(bars, flushedBar{key: key, bar: bar})
			delete(a.underlyingBuffers, key)
		}
	}

	// Snapshot the underlying fallbacks for flushed symbols while still
	// holding the lock.
	lastClose := make(map[string]float64, len(buckets))
	for _, f := range buckets {
		if v, ok := a.lastUnderlying[f.key.Symbol]; ok {
			lastClose[f.key.Symbol] = v
		}
	}

	a.mu.Unlock()

	if len(buckets) == 0 && len(bars) == 0 {
		return
	}

	a.dispatch(buckets, bars, lastClose)
}

// dispatch materializes flushed state into row batches in deterministic order
// (timeframe, then bucket start, then symbol/expiry; strikes ascending within
// a bucket), enqueues one broadcast per bucket, and launches bounded
// persistence writes.
func (a *Aggregator) dispatch(buckets []flushedBucket, bars []flushedBar, lastClose map[string]float64) {
	timer := utils.NewTimer("flush_batch", a.log)
	defer func() {
		timer.StopWithContext(map[string]interface{}{
			"buckets": len(buckets),
			"bars":    len(bars),
		})
	}()

	sort.Slice(buckets, func(i, j int) bool {
		ki, kj := buckets[i].key, buckets[j].key
		if si, sj := a.tfSeconds[ki.Timeframe], a.tfSeconds[kj.Timeframe]; si != sj {
			return si < sj
		}
		if ki.BucketStart != kj.BucketStart {
			return ki.BucketStart < kj.BucketStart
		}
		if ki.Symbol != kj.Symbol {
			return ki.Symbol < kj.Symbol
		}
		return ki.Expiry < kj.Expiry
	})

	for _, f := range buckets {
		rows, metrics := a.materialize(f.key, f.b, lastClose)
		if len(rows) == 0 {
			continue
		}

		if payload, err := json.Marshal(buildBroadcast(f.key, rows, metrics)); err == nil {
			a.hub.Broadcast(payload)
		} else {
			a.log.Error().Err(err).Msg("Failed to encode broadcast payload")
		}

		if !a.persistSet[f.key.Timeframe] {
			continue
		}
		a.persistBucket(f.key, rows, metrics)
	}

	if len(bars) > 0 {
		a.persistBars(bars)
	}
}

// materialize converts one bucket into its strike rows (strike ascending) and
// expiry metrics row.
func (a *Aggregator) materialize(key bucketKey, b *bucket, lastClose map[string]float64) ([]StrikeRow, ExpiryMetricsRow) {
	underlying := b.underlying
	if underlying == nil {
		if v, ok := lastClose[key.Symbol]; ok {
			underlying = &v
		}
	}

	strikes := make([]float64, 0, len(b.strikes))
	for strike := range b.strikes {
		strikes = append(strikes, strike)
	}
	sort.Float64s(strikes)

	rows := make([]StrikeRow, 0, len(strikes))
	for _, strike := range strikes {
		sides := b.strikes[strike]
		rows = append(rows, StrikeRow{
			Timeframe:       key.Timeframe,
			Symbol:          key.Symbol,
			Expiry:          key.Expiry,
			Strike:          strike,
			BucketTime:      key.BucketStart,
			UnderlyingClose: underlying,
			Call:            sides.CE.Serialize(),
			Put:             sides.PE.Serialize(),
			Liquidity:       b.liquidity[strike],
		})
	}

	totalCallVol, totalPutVol, totalCallOI, totalPutOI, pcr, maxPain := ComputeExpiryMetrics(rows)
	metrics := ExpiryMetricsRow{
		Timeframe:       key.Timeframe,
		Symbol:          key.Symbol,
		Expiry:          key.Expiry,
		BucketTime:      key.BucketStart,
		UnderlyingClose: underlying,
		TotalCallVolume: totalCallVol,
		TotalPutVolume:  totalPutVol,
		TotalCallOI:     totalCallOI,
		TotalPutOI:      totalPutOI,
		PCR:             pcr,
		MaxPainStrike:   maxPain,
	}

	return rows, metrics
}

// persistBucket writes one bucket's batch under the persistence semaphore.
// Errors are logged and the batch is dropped; the bucket is never re-queued.
func (a *Aggregator) persistBucket(key bucketKey, rows []StrikeRow, metrics ExpiryMetricsRow) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sem <- struct{}{}
		defer func() { <-a.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := a.persist.UpsertStrikeRows(ctx, rows); err != nil {
			a.log.Error().Err(err).
				Str("timeframe", key.Timeframe).
				Str("symbol", key.Symbol).
				Str("expiry", key.Expiry).
				Int64("bucket_time", key.BucketStart).
				Int("rows", len(rows)).
				Msg("Failed to persist strike rows, dropping batch")
			return
		}

		if err := a.persist.UpsertExpiryMetrics(ctx, []ExpiryMetricsRow{metrics}); err != nil {
			a.log.Error().Err(err).
				Str("timeframe", key.Timeframe).
				Str("symbol", key.Symbol).
				Str("expiry", key.Expiry).
				Int64("bucket_time", key.BucketStart).
				Msg("Failed to persist expiry metrics, dropping row")
		}
	}()
}

// persistBars writes flushed underlying bars as a single batch. Bars for
// non-persisted timeframes are filtered out here.
func (a *Aggregator) persistBars(bars []flushedBar) {
	rows := make([]UnderlyingBarRow, 0, len(bars))
	for _, f := range bars {
		if !a.persistSet[f.key.Timeframe] {
			continue
		}
		rows = append(rows, UnderlyingBarRow{
			Symbol:    f.key.Symbol,
			Timeframe: f.key.Timeframe,
			Time:      f.key.BucketStart,
			Open:      f.bar.open,
			High:      f.bar.high,
			Low:       f.bar.low,
			Close:     f.bar.close,
			Volume:    f.bar.volume,
		})
	}
	if len(rows) == 0 {
		return
	}

	sort.Slice(rows, func(i, j int) bool {
		if si, sj := a.tfSeconds[rows[i].Timeframe], a.tfSeconds[rows[j].Timeframe]; si != sj {
			return si < sj
		}
		if rows[i].Time != rows[j].Time {
			return rows[i].Time < rows[j].Time
		}
		return rows[i].Symbol < rows[j].Symbol
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sem <- struct{}{}
		defer func() { <-a.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := a.persist.UpsertUnderlyingBars(ctx, rows); err != nil {
			a.log.Error().Err(err).
				Int("rows", len(rows)).
				Msg("Failed to persist underlying bars, dropping batch")
		}
	}()
}

// BroadcastPayload is the live bucket message fanned out to subscribers.
type BroadcastPayload struct {
	Type       string            `json:"type"`
	Timeframe  string            `json:"timeframe"`
	Symbol     string            `json:"symbol"`
	Expiry     string            `json:"expiry"`
	BucketTime int64             `json:"bucket_time"`
	Strikes    []BroadcastStrike `json:"strikes"`
	Metrics    BroadcastMetrics  `json:"metrics"`
}

// BroadcastStrike is one strike entry in a live bucket message.
type BroadcastStrike struct {
	Strike     float64            `json:"strike"`
	Call       SideStats          `json:"call"`
	Put        SideStats          `json:"put"`
	Underlying *float64           `json:"underlying,omitempty"`
	Liquidity  *LiquiditySnapshot `json:"liquidity,omitempty"`
}

// BroadcastMetrics is the per-expiry metrics block of a live bucket message.
type BroadcastMetrics struct {
	TotalCallVolume float64  `json:"total_call_volume"`
	TotalPutVolume  float64  `json:"total_put_volume"`
	TotalCallOI     float64  `json:"total_call_oi"`
	TotalPutOI      float64  `json:"total_put_oi"`
	PCR             *float64 `json:"pcr"`
	MaxPainStrike   *float64 `json:"max_pain_strike"`
	UnderlyingClose *float64 `json:"underlying_close"`
	Expiry          string   `json:"expiry"`
	BucketTime      int64    `json:"bucket_time"`
}

func buildBroadcast(key bucketKey, rows []StrikeRow, metrics ExpiryMetricsRow) BroadcastPayload {
	strikes := make([]BroadcastStrike, 0, len(rows))
	for _, r := range rows {
		strikes = append(strikes, BroadcastStrike{
			Strike:     r.Strike,
			Call:       r.Call,
			Put:        r.Put,
			Underlying: r.UnderlyingClose,
			Liquidity:  r.Liquidity,
		})
	}

	return BroadcastPayload{
		Type:       "fo_bucket",
		Timeframe:  key.Timeframe,
		Symbol:     key.Symbol,
		Expiry:     key.Expiry,
		BucketTime: key.BucketStart,
		Strikes:    strikes,
		Metrics: BroadcastMetrics{
			TotalCallVolume: metrics.TotalCallVolume,
			TotalPutVolume:  metrics.TotalPutVolume,
			TotalCallOI:     metrics.TotalCallOI,
			TotalPutOI:      metrics.TotalPutOI,
			PCR:             metrics.PCR,
			MaxPainStrike:   metrics.MaxPainStrike,
			UnderlyingClose: metrics.UnderlyingClose,
			Expiry:          metrics.Expiry,
			BucketTime:      metrics.BucketTime,
		},
	}
}

// StrikeGap reports the configured strike spacing for downstream moneyness
// bucketing.
func (a *Aggregator) StrikeGap() float64 {
	return a.strikeGap
}

// Timeframes reports the configured timeframe labels, shortest first.
func (a *Aggregator) Timeframes() []string {
	out := make([]string, len(a.tfLabels))
	copy(out, a.tfLabels)
	return out
}

// BufferedBuckets reports the number of live buckets, for the status endpoint.
func (a *Aggregator) BufferedBuckets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

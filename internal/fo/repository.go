package fo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantrails/strikeline/internal/database"
)

// Repository persists rolled-up F&O rows to the market database and serves
// the read paths used by HTTP handlers and the indicator service.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new market repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "market").Logger(),
	}
}

const upsertStrikeSQL = `
	INSERT INTO fo_strike_buckets (
		timeframe, symbol, expiry, strike, bucket_time, underlying_close,
		call_iv, call_delta, call_gamma, call_theta, call_vega, call_volume, call_oi, call_count,
		put_iv, put_delta, put_gamma, put_theta, put_vega, put_volume, put_oi, put_count,
		liquidity
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (timeframe, symbol, expiry, strike, bucket_time) DO UPDATE SET
		underlying_close = excluded.underlying_close,
		call_iv = excluded.call_iv, call_delta = excluded.call_delta,
		call_gamma = excluded.call_gamma, call_theta = excluded.call_theta,
		call_vega = excluded.call_vega, call_volume = excluded.call_volume,
		call_oi = excluded.call_oi, call_count = excluded.call_count,
		put_iv = excluded.put_iv, put_delta = excluded.put_delta,
		put_gamma = excluded.put_gamma, put_theta = excluded.put_theta,
		put_vega = excluded.put_vega, put_volume = excluded.put_volume,
		put_oi = excluded.put_oi, put_count = excluded.put_count,
		liquidity = excluded.liquidity`

// UpsertStrikeRows writes one flush batch of strike rows.
func (r *Repository) UpsertStrikeRows(ctx context.Context, rows []StrikeRow) error {
	if len(rows) == 0 {
		return nil
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertStrikeSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare strike upsert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			var liquidity interface{}
			if row.Liquidity != nil {
				data, err := json.Marshal(row.Liquidity)
				if err != nil {
					return fmt.Errorf("failed to encode liquidity snapshot: %w", err)
				}
				liquidity = string(data)
			}

			_, err := stmt.ExecContext(ctx,
				row.Timeframe, row.Symbol, row.Expiry, row.Strike, row.BucketTime, row.UnderlyingClose,
				row.Call.IV, row.Call.Delta, row.Call.Gamma, row.Call.Theta, row.Call.Vega,
				row.Call.Volume, row.Call.OI, row.Call.Count,
				row.Put.IV, row.Put.Delta, row.Put.Gamma, row.Put.Theta, row.Put.Vega,
				row.Put.Volume, row.Put.OI, row.Put.Count,
				liquidity,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert strike row: %w", err)
			}
		}
		return nil
	})
}

const upsertMetricsSQL = `
	INSERT INTO fo_expiry_metrics (
		timeframe, symbol, expiry, bucket_time, underlying_close,
		total_call_volume, total_put_volume, total_call_oi, total_put_oi,
		pcr, max_pain_strike
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (timeframe, symbol, expiry, bucket_time) DO UPDATE SET
		underlying_close = excluded.underlying_close,
		total_call_volume = excluded.total_call_volume,
		total_put_volume = excluded.total_put_volume,
		total_call_oi = excluded.total_call_oi,
		total_put_oi = excluded.total_put_oi,
		pcr = excluded.pcr,
		max_pain_strike = excluded.max_pain_strike`

// UpsertExpiryMetrics writes per-expiry metric rows.
func (r *Repository) UpsertExpiryMetrics(ctx context.Context, rows []ExpiryMetricsRow) error {
	if len(rows) == 0 {
		return nil
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertMetricsSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare metrics upsert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			_, err := stmt.ExecContext(ctx,
				row.Timeframe, row.Symbol, row.Expiry, row.BucketTime, row.UnderlyingClose,
				row.TotalCallVolume, row.TotalPutVolume, row.TotalCallOI, row.TotalPutOI,
				row.PCR, row.MaxPainStrike,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert expiry metrics row: %w", err)
			}
		}
		return nil
	})
}

const upsertBarSQL = `
	INSERT INTO underlying_bars (symbol, timeframe, time, open, high, low, close, volume)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (symbol, timeframe, time) DO UPDATE SET
		open = excluded.open, high = excluded.high, low = excluded.low,
		close = excluded.close, volume = excluded.volume`

// UpsertUnderlyingBars writes OHLCV bars for underlyings.
func (r *Repository) UpsertUnderlyingBars(ctx context.Context, rows []UnderlyingBarRow) error {
	if len(rows) == 0 {
		return nil
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertBarSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare bar upsert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			_, err := stmt.ExecContext(ctx,
				row.Symbol, row.Timeframe, row.Time,
				row.Open, row.High, row.Low, row.Close, row.Volume,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert underlying bar: %w", err)
			}
		}
		return nil
	})
}

const selectStrikeColumns = `
	timeframe, symbol, expiry, strike, bucket_time, underlying_close,
	call_iv, call_delta, call_gamma, call_theta, call_vega, call_volume, call_oi, call_count,
	put_iv, put_delta, put_gamma, put_theta, put_vega, put_volume, put_oi, put_count,
	liquidity`

// FetchStrikeRows returns strike rows for the given symbol and timeframe,
// filtered by expiries (required, at least one) and an optional [from, to]
// bucket-time range (0 disables a bound).
func (r *Repository) FetchStrikeRows(ctx context.Context, symbol, timeframe string, expiries []string, from, to int64) ([]StrikeRow, error) {
	if len(expiries) == 0 {
		return nil, fmt.Errorf("at least one expiry is required")
	}

	query := fmt.Sprintf(`SELECT %s FROM fo_strike_buckets
		WHERE symbol = ? AND timeframe = ? AND expiry IN (%s)`,
		selectStrikeColumns, placeholders(len(expiries)))
	args := []interface{}{symbol, timeframe}
	for _, e := range expiries {
		args = append(args, e)
	}
	if from > 0 {
		query += " AND bucket_time >= ?"
		args = append(args, from)
	}
	if to > 0 {
		query += " AND bucket_time <= ?"
		args = append(args, to)
	}
	query += " ORDER BY bucket_time ASC, expiry ASC, strike ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query strike rows: %w", err)
	}
	defer rows.Close()

	var out []StrikeRow
	for rows.Next() {
		row, err := scanStrikeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strike row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strike rows: %w", err)
	}
	return out, nil
}

// FetchLatestStrikeRows returns the strike rows of the most recent bucket for
// the given symbol, timeframe, and expiry.
func (r *Repository) FetchLatestStrikeRows(ctx context.Context, symbol, timeframe, expiry string) ([]StrikeRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM fo_strike_buckets
		WHERE symbol = ? AND timeframe = ? AND expiry = ?
		AND bucket_time = (
			SELECT MAX(bucket_time) FROM fo_strike_buckets
			WHERE symbol = ? AND timeframe = ? AND expiry = ?
		)
		ORDER BY strike ASC`, selectStrikeColumns)

	rows, err := r.db.QueryContext(ctx, query, symbol, timeframe, expiry, symbol, timeframe, expiry)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest strike rows: %w", err)
	}
	defer rows.Close()

	var out []StrikeRow
	for rows.Next() {
		row, err := scanStrikeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strike row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strike rows: %w", err)
	}
	return out, nil
}

// FetchExpiryMetrics returns metric rows for a symbol and timeframe, optionally
// bounded by [from, to] bucket time.
func (r *Repository) FetchExpiryMetrics(ctx context.Context, symbol, timeframe string, expiries []string, from, to int64) ([]ExpiryMetricsRow, error) {
	query := `SELECT timeframe, symbol, expiry, bucket_time, underlying_close,
		total_call_volume, total_put_volume, total_call_oi, total_put_oi, pcr, max_pain_strike
		FROM fo_expiry_metrics WHERE symbol = ? AND timeframe = ?`
	args := []interface{}{symbol, timeframe}
	if len(expiries) > 0 {
		query += fmt.Sprintf(" AND expiry IN (%s)", placeholders(len(expiries)))
		for _, e := range expiries {
			args = append(args, e)
		}
	}
	if from > 0 {
		query += " AND bucket_time >= ?"
		args = append(args, from)
	}
	if to > 0 {
		query += " AND bucket_time <= ?"
		args = append(args, to)
	}
	query += " ORDER BY bucket_time ASC, expiry ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiry metrics: %w", err)
	}
	defer rows.Close()

	var out []ExpiryMetricsRow
	for rows.Next() {
		var row ExpiryMetricsRow
		var underlying, pcr, maxPain sql.NullFloat64
		err := rows.Scan(
			&row.Timeframe, &row.Symbol, &row.Expiry, &row.BucketTime, &underlying,
			&row.TotalCallVolume, &row.TotalPutVolume, &row.TotalCallOI, &row.TotalPutOI,
			&pcr, &maxPain,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expiry metrics row: %w", err)
		}
		row.UnderlyingClose = nullableFloat(underlying)
		row.PCR = nullableFloat(pcr)
		row.MaxPainStrike = nullableFloat(maxPain)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expiry metrics: %w", err)
	}
	return out, nil
}

// FetchUnderlyingBars returns up to limit bars for a symbol and timeframe in
// ascending time order. A limit of 0 returns all bars in range.
func (r *Repository) FetchUnderlyingBars(ctx context.Context, symbol, timeframe string, from, to int64, limit int) ([]UnderlyingBarRow, error) {
	query := `SELECT symbol, timeframe, time, open, high, low, close, volume
		FROM underlying_bars WHERE symbol = ? AND timeframe = ?`
	args := []interface{}{symbol, timeframe}
	if from > 0 {
		query += " AND time >= ?"
		args = append(args, from)
	}
	if to > 0 {
		query += " AND time <= ?"
		args = append(args, to)
	}
	query += " ORDER BY time ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query underlying bars: %w", err)
	}
	defer rows.Close()

	var out []UnderlyingBarRow
	for rows.Next() {
		var row UnderlyingBarRow
		err := rows.Scan(&row.Symbol, &row.Timeframe, &row.Time,
			&row.Open, &row.High, &row.Low, &row.Close, &row.Volume)
		if err != nil {
			return nil, fmt.Errorf("failed to scan underlying bar: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating underlying bars: %w", err)
	}
	return out, nil
}

// FetchRecentCloses returns the most recent closes for a symbol and timeframe
// in ascending time order, for indicator computation.
func (r *Repository) FetchRecentCloses(ctx context.Context, symbol, timeframe string, limit int) ([]UnderlyingBarRow, error) {
	query := `SELECT symbol, timeframe, time, open, high, low, close, volume
		FROM underlying_bars WHERE symbol = ? AND timeframe = ?
		ORDER BY time DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent bars: %w", err)
	}
	defer rows.Close()

	var out []UnderlyingBarRow
	for rows.Next() {
		var row UnderlyingBarRow
		err := rows.Scan(&row.Symbol, &row.Timeframe, &row.Time,
			&row.Open, &row.High, &row.Low, &row.Close, &row.Volume)
		if err != nil {
			return nil, fmt.Errorf("failed to scan underlying bar: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recent bars: %w", err)
	}

	// Reverse into ascending time order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListExpiries returns all distinct expiries seen for a symbol, ascending.
func (r *Repository) ListExpiries(ctx context.Context, symbol string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT expiry FROM fo_strike_buckets WHERE symbol = ? ORDER BY expiry ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var expiry string
		if err := rows.Scan(&expiry); err != nil {
			return nil, fmt.Errorf("failed to scan expiry: %w", err)
		}
		out = append(out, expiry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expiries: %w", err)
	}
	return out, nil
}

// GetNextExpiries returns up to limit expiries on or after today (UTC),
// ascending. ISO dates compare correctly as strings.
func (r *Repository) GetNextExpiries(ctx context.Context, symbol string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 3
	}
	today := time.Now().UTC().Format(expiryLayout)

	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT expiry FROM fo_strike_buckets
		 WHERE symbol = ? AND expiry >= ? ORDER BY expiry ASC LIMIT ?`,
		symbol, today, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query next expiries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var expiry string
		if err := rows.Scan(&expiry); err != nil {
			return nil, fmt.Errorf("failed to scan expiry: %w", err)
		}
		out = append(out, expiry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating next expiries: %w", err)
	}
	return out, nil
}

func scanStrikeRow(rows *sql.Rows) (StrikeRow, error) {
	var row StrikeRow
	var underlying sql.NullFloat64
	var callIV, callDelta, callGamma, callTheta, callVega sql.NullFloat64
	var putIV, putDelta, putGamma, putTheta, putVega sql.NullFloat64
	var liquidity sql.NullString

	err := rows.Scan(
		&row.Timeframe, &row.Symbol, &row.Expiry, &row.Strike, &row.BucketTime, &underlying,
		&callIV, &callDelta, &callGamma, &callTheta, &callVega,
		&row.Call.Volume, &row.Call.OI, &row.Call.Count,
		&putIV, &putDelta, &putGamma, &putTheta, &putVega,
		&row.Put.Volume, &row.Put.OI, &row.Put.Count,
		&liquidity,
	)
	if err != nil {
		return row, err
	}

	row.UnderlyingClose = nullableFloat(underlying)
	row.Call.IV = nullableFloat(callIV)
	row.Call.Delta = nullableFloat(callDelta)
	row.Call.Gamma = nullableFloat(callGamma)
	row.Call.Theta = nullableFloat(callTheta)
	row.Call.Vega = nullableFloat(callVega)
	row.Put.IV = nullableFloat(putIV)
	row.Put.Delta = nullableFloat(putDelta)
	row.Put.Gamma = nullableFloat(putGamma)
	row.Put.Theta = nullableFloat(putTheta)
	row.Put.Vega = nullableFloat(putVega)

	if liquidity.Valid && liquidity.String != "" {
		var snap LiquiditySnapshot
		if err := json.Unmarshal([]byte(liquidity.String), &snap); err == nil {
			row.Liquidity = &snap
		}
	}

	return row, nil
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

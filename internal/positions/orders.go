package positions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantrails/strikeline/internal/database"
	"github.com/quantrails/strikeline/internal/domain"
)

// OrderRepository mirrors broker orders locally and persists strategy
// settings plus the append-only cleanup audit log.
type OrderRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOrderRepository creates the repository over trading.db.
func NewOrderRepository(db *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		db:  db,
		log: log.With().Str("repo", "orders").Logger(),
	}
}

// SyncOrders replaces the mirrored order book for one account with the
// broker's current view.
func (r *OrderRepository) SyncOrders(ctx context.Context, accountID string, orders []domain.Order) error {
	now := time.Now().UTC().Unix()

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tracked_orders WHERE account_id = ?`, accountID); err != nil {
			return fmt.Errorf("failed to clear mirrored orders: %w", err)
		}

		for _, o := range orders {
			variety := o.Variety
			if variety == "" {
				variety = domain.DefaultOrderVariety
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tracked_orders (
					order_id, account_id, tradingsymbol, exchange, product, order_type,
					transaction_type, quantity, price, trigger_price, status, variety,
					strategy_id, tag, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (order_id) DO UPDATE SET
					status = excluded.status,
					quantity = excluded.quantity,
					price = excluded.price,
					trigger_price = excluded.trigger_price,
					updated_at = excluded.updated_at`,
				o.OrderID, accountID, o.TradingSymbol, o.Exchange, o.Product, o.OrderType,
				o.TransactionType, o.Quantity, o.Price, o.TriggerPrice, o.Status, variety,
				nullIfEmpty(o.StrategyID), nullIfEmpty(o.Tag), now,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert order %s: %w", o.OrderID, err)
			}
		}
		return nil
	})
}

// UpsertOrder mirrors a single order row.
func (r *OrderRepository) UpsertOrder(ctx context.Context, o *domain.Order) error {
	variety := o.Variety
	if variety == "" {
		variety = domain.DefaultOrderVariety
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tracked_orders (
			order_id, account_id, tradingsymbol, exchange, product, order_type,
			transaction_type, quantity, price, trigger_price, status, variety,
			strategy_id, tag, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			status = excluded.status,
			quantity = excluded.quantity,
			price = excluded.price,
			trigger_price = excluded.trigger_price,
			updated_at = excluded.updated_at`,
		o.OrderID, o.AccountID, o.TradingSymbol, o.Exchange, o.Product, o.OrderType,
		o.TransactionType, o.Quantity, o.Price, o.TriggerPrice, o.Status, variety,
		nullIfEmpty(o.StrategyID), nullIfEmpty(o.Tag), time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert order: %w", err)
	}
	return nil
}

// FindPendingExitOrders returns the working exit orders covering one position
// key: SL / SL-M stops, plus strategy-tagged LIMIT targets. Untagged LIMIT
// orders are left alone since they may be manual entries.
func (r *OrderRepository) FindPendingExitOrders(ctx context.Context, accountID, symbol, exchange, product string) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, account_id, tradingsymbol, exchange, product, order_type,
		       transaction_type, quantity, price, trigger_price, status, variety,
		       strategy_id, tag
		FROM tracked_orders
		WHERE account_id = ? AND tradingsymbol = ? AND exchange = ? AND product = ?
		  AND status IN ('PENDING', 'OPEN', 'TRIGGER PENDING')
		  AND (order_type IN ('SL', 'SL-M')
		       OR (order_type = 'LIMIT' AND strategy_id IS NOT NULL AND strategy_id != ''))
		ORDER BY order_id`,
		accountID, symbol, exchange, product)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending exit orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		var price, trigger sql.NullFloat64
		var strategyID, tag sql.NullString
		if err := rows.Scan(
			&o.OrderID, &o.AccountID, &o.TradingSymbol, &o.Exchange, &o.Product,
			&o.OrderType, &o.TransactionType, &o.Quantity, &price, &trigger,
			&o.Status, &o.Variety, &strategyID, &tag,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Price = price.Float64
		o.TriggerPrice = trigger.Float64
		o.StrategyID = strategyID.String
		o.Tag = tag.String
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending exit orders: %w", err)
	}
	return out, nil
}

// MarkOrderStatus updates the mirrored status after a cancellation.
func (r *OrderRepository) MarkOrderStatus(ctx context.Context, orderID, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tracked_orders SET status = ?, updated_at = ? WHERE order_id = ?`,
		status, time.Now().UTC().Unix(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

// GetStrategySettings loads one strategy's cleanup policy. A missing row or
// empty strategy id yields the all-disabled defaults.
func (r *OrderRepository) GetStrategySettings(ctx context.Context, strategyID string) (domain.StrategySettings, error) {
	if strategyID == "" {
		return domain.DefaultStrategySettings(), nil
	}

	var s domain.StrategySettings
	err := r.db.QueryRowContext(ctx, `
		SELECT strategy_id, auto_cleanup_enabled, cleanup_sl_on_exit,
		       cleanup_target_on_exit, allow_orphaned_orders, notify_on_orphan_detection
		FROM strategy_settings WHERE strategy_id = ?`, strategyID,
	).Scan(
		&s.StrategyID, &s.AutoCleanupEnabled, &s.CleanupSLOnExit,
		&s.CleanupTargetOnExit, &s.AllowOrphanedOrders, &s.NotifyOnOrphanDetection,
	)
	if err == sql.ErrNoRows {
		return domain.DefaultStrategySettings(), nil
	}
	if err != nil {
		return domain.StrategySettings{}, fmt.Errorf("failed to fetch strategy settings: %w", err)
	}
	return s, nil
}

// UpsertStrategySettings writes one strategy's cleanup policy.
func (r *OrderRepository) UpsertStrategySettings(ctx context.Context, s *domain.StrategySettings) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO strategy_settings (
			strategy_id, auto_cleanup_enabled, cleanup_sl_on_exit,
			cleanup_target_on_exit, allow_orphaned_orders, notify_on_orphan_detection
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (strategy_id) DO UPDATE SET
			auto_cleanup_enabled = excluded.auto_cleanup_enabled,
			cleanup_sl_on_exit = excluded.cleanup_sl_on_exit,
			cleanup_target_on_exit = excluded.cleanup_target_on_exit,
			allow_orphaned_orders = excluded.allow_orphaned_orders,
			notify_on_orphan_detection = excluded.notify_on_orphan_detection`,
		s.StrategyID, s.AutoCleanupEnabled, s.CleanupSLOnExit,
		s.CleanupTargetOnExit, s.AllowOrphanedOrders, s.NotifyOnOrphanDetection,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert strategy settings: %w", err)
	}
	return nil
}

// CleanupLogRow is one audit entry for a cleanup decision.
type CleanupLogRow struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	OrderID       string `json:"order_id"`
	TradingSymbol string `json:"tradingsymbol"`
	Exchange      string `json:"exchange"`
	Product       string `json:"product"`
	OrderType     string `json:"order_type,omitempty"`
	EventType     string `json:"event_type"`
	CleanupAction string `json:"cleanup_action"` // cancelled | skipped | failed
	CleanupReason string `json:"cleanup_reason"`
	Detail        string `json:"detail,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

// AppendCleanupLog records one cleanup decision. The log is append-only.
func (r *OrderRepository) AppendCleanupLog(ctx context.Context, row *CleanupLogRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt == 0 {
		row.CreatedAt = time.Now().UTC().Unix()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO order_cleanup_log (
			id, account_id, order_id, tradingsymbol, exchange, product,
			order_type, event_type, cleanup_action, cleanup_reason, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.AccountID, row.OrderID, row.TradingSymbol, row.Exchange, row.Product,
		nullIfEmpty(row.OrderType), row.EventType, row.CleanupAction, row.CleanupReason,
		nullIfEmpty(row.Detail), row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append cleanup log: %w", err)
	}
	return nil
}

// ListCleanupLog returns the most recent cleanup entries, optionally scoped
// to one account.
func (r *OrderRepository) ListCleanupLog(ctx context.Context, accountID string, limit int) ([]CleanupLogRow, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, account_id, order_id, tradingsymbol, exchange, product,
		       order_type, event_type, cleanup_action, cleanup_reason, detail, created_at
		FROM order_cleanup_log`
	args := []interface{}{}
	if accountID != "" {
		query += " WHERE account_id = ?"
		args = append(args, accountID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cleanup log: %w", err)
	}
	defer rows.Close()

	var out []CleanupLogRow
	for rows.Next() {
		var row CleanupLogRow
		var orderType, detail sql.NullString
		if err := rows.Scan(
			&row.ID, &row.AccountID, &row.OrderID, &row.TradingSymbol, &row.Exchange,
			&row.Product, &orderType, &row.EventType, &row.CleanupAction,
			&row.CleanupReason, &detail, &row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cleanup log row: %w", err)
		}
		row.OrderType = orderType.String
		row.Detail = detail.String
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cleanup log: %w", err)
	}
	return out, nil
}

// PruneCleanupLog deletes audit entries older than the cutoff.
func (r *OrderRepository) PruneCleanupLog(ctx context.Context, cutoff int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM order_cleanup_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cleanup log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Package indicators computes technical indicator values over the persisted
// underlying bars and serves them to the alert evaluator and the HTTP API.
package indicators

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Cache is a TTL key-value store over cache.db. Values are JSON; expired
// rows are ignored on read and removed by the retention job.
type Cache struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCache creates the cache repository.
func NewCache(db *sql.DB, log zerolog.Logger) *Cache {
	return &Cache{
		db:  db,
		log: log.With().Str("repo", "kv_cache").Logger(),
	}
}

// Get loads a cached value into dest. Returns false on a miss or an expired
// entry; decode failures are treated as misses.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) bool {
	var data string
	err := c.db.QueryRowContext(ctx,
		`SELECT data FROM kv_cache WHERE key = ? AND expires_at > ?`,
		key, time.Now().UTC().Unix()).Scan(&data)
	if err != nil {
		if err != sql.ErrNoRows {
			c.log.Error().Err(err).Str("key", key).Msg("Cache read failed")
		}
		return false
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("Discarding undecodable cache entry")
		return false
	}
	return true
}

// Set stores a value with the given TTL, overwriting any existing entry.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO kv_cache (key, data, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at`,
		key, string(data), time.Now().UTC().Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Prune deletes expired entries. Returns rows removed.
func (c *Cache) Prune(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM kv_cache WHERE expires_at <= ?`, time.Now().UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

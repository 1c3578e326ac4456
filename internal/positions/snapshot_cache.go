package positions

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quantrails/strikeline/internal/domain"
)

// snapshotFile is the warm-restart cache filename under the data directory.
const snapshotFile = "positions_snapshot.msgpack"

// snapshotMaxAge is how stale a saved snapshot may be and still be loaded.
// Anything older predates the current trading session and would only seed
// spurious CLOSED events.
const snapshotMaxAge = 12 * time.Hour

type snapshotEnvelope struct {
	SavedAt   int64                        `msgpack:"saved_at"`
	Positions map[string][]domain.Position `msgpack:"positions"`
}

// SnapshotCache persists the tracker's per-account position maps across
// restarts so a restart does not replay an OPENED event for every position
// that already existed.
type SnapshotCache struct {
	path string
	log  zerolog.Logger
}

// NewSnapshotCache creates the cache under dataDir.
func NewSnapshotCache(dataDir string, log zerolog.Logger) *SnapshotCache {
	return &SnapshotCache{
		path: filepath.Join(dataDir, snapshotFile),
		log:  log.With().Str("component", "snapshot_cache").Logger(),
	}
}

// Save writes the tracker's current snapshots. The write goes through a temp
// file and rename so a crash never leaves a truncated cache.
func (c *SnapshotCache) Save(tracker *Tracker) error {
	envelope := snapshotEnvelope{
		SavedAt:   time.Now().UTC().Unix(),
		Positions: make(map[string][]domain.Position),
	}
	for _, account := range tracker.Accounts() {
		envelope.Positions[account] = tracker.Snapshot(account)
	}

	data, err := msgpack.Marshal(&envelope)
	if err != nil {
		return fmt.Errorf("failed to encode position snapshot: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write position snapshot: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to rename position snapshot: %w", err)
	}

	c.log.Debug().Int("accounts", len(envelope.Positions)).Msg("Position snapshot saved")
	return nil
}

// Load restores saved snapshots into the tracker without emitting events.
// A missing or stale cache file is not an error.
func (c *SnapshotCache) Load(tracker *Tracker) error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read position snapshot: %w", err)
	}

	var envelope snapshotEnvelope
	if err := msgpack.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("failed to decode position snapshot: %w", err)
	}

	age := time.Since(time.Unix(envelope.SavedAt, 0))
	if age > snapshotMaxAge {
		c.log.Info().Dur("age", age).Msg("Ignoring stale position snapshot")
		return nil
	}

	for account, positions := range envelope.Positions {
		tracker.Restore(account, positions)
	}
	c.log.Info().Int("accounts", len(envelope.Positions)).Msg("Position snapshot restored")
	return nil
}

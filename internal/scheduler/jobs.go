package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantrails/strikeline/internal/database"
)

// jobTimeout bounds one run of any scheduled job.
const jobTimeout = 10 * time.Minute

// DBMaintenanceJob truncates WAL files and verifies integrity for every
// database. Runs daily after market close.
type DBMaintenanceJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

func NewDBMaintenanceJob(databases map[string]*database.DB, log zerolog.Logger) *DBMaintenanceJob {
	return &DBMaintenanceJob{
		databases: databases,
		log:       log.With().Str("job", "db_maintenance").Logger(),
	}
}

func (j *DBMaintenanceJob) Name() string { return "db_maintenance" }

func (j *DBMaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	var firstErr error
	for name, db := range j.databases {
		if db == nil {
			continue
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
		if err := db.QuickCheck(ctx); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("Integrity check failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("integrity check failed for %s: %w", name, err)
			}
			continue
		}
		j.log.Debug().Str("database", name).Msg("Maintenance passed")
	}
	return firstErr
}

// BackupUploader is the slice of the backup service the scheduler needs.
type BackupUploader interface {
	Enabled() bool
	CreateAndUploadBackup(ctx context.Context) error
	PruneOldBackups(ctx context.Context, keep int) error
}

// DBBackupJob uploads a fresh backup archive and rotates old ones.
type DBBackupJob struct {
	backups BackupUploader
	keep    int
	log     zerolog.Logger
}

func NewDBBackupJob(backups BackupUploader, keep int, log zerolog.Logger) *DBBackupJob {
	return &DBBackupJob{
		backups: backups,
		keep:    keep,
		log:     log.With().Str("job", "db_backup").Logger(),
	}
}

func (j *DBBackupJob) Name() string { return "db_backup" }

func (j *DBBackupJob) Run() error {
	if j.backups == nil || !j.backups.Enabled() {
		j.log.Debug().Msg("Backups not configured, skipping")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if err := j.backups.CreateAndUploadBackup(ctx); err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	if err := j.backups.PruneOldBackups(ctx, j.keep); err != nil {
		j.log.Warn().Err(err).Msg("Backup rotation failed")
	}
	return nil
}

// Flusher is the slice of the aggregator the session-flush job needs.
type Flusher interface {
	FlushAll()
}

// SessionFlushJob drains every open bucket shortly after market close so the
// final partial buckets of the session reach the database.
type SessionFlushJob struct {
	aggregator Flusher
	log        zerolog.Logger
}

func NewSessionFlushJob(aggregator Flusher, log zerolog.Logger) *SessionFlushJob {
	return &SessionFlushJob{
		aggregator: aggregator,
		log:        log.With().Str("job", "session_flush").Logger(),
	}
}

func (j *SessionFlushJob) Name() string { return "session_flush" }

func (j *SessionFlushJob) Run() error {
	j.aggregator.FlushAll()
	j.log.Info().Msg("Session flush completed")
	return nil
}

// EventPruner deletes alert events and notification log rows before a cutoff.
type EventPruner interface {
	PruneEvents(ctx context.Context, cutoff int64) (int64, error)
}

// CleanupLogPruner deletes order cleanup log rows before a cutoff.
type CleanupLogPruner interface {
	PruneCleanupLog(ctx context.Context, cutoff int64) (int64, error)
}

// CachePruner deletes expired kv_cache rows.
type CachePruner interface {
	Prune(ctx context.Context) (int64, error)
}

// RetentionCleanupJob enforces the retention window across the append-only
// tables. Each store is pruned independently; one failure does not stop the
// others.
type RetentionCleanupJob struct {
	events        EventPruner
	cleanupLog    CleanupLogPruner
	cache         CachePruner
	retentionDays int
	log           zerolog.Logger

	clock func() time.Time
}

func NewRetentionCleanupJob(
	events EventPruner,
	cleanupLog CleanupLogPruner,
	cache CachePruner,
	retentionDays int,
	log zerolog.Logger,
) *RetentionCleanupJob {
	return &RetentionCleanupJob{
		events:        events,
		cleanupLog:    cleanupLog,
		cache:         cache,
		retentionDays: retentionDays,
		log:           log.With().Str("job", "retention_cleanup").Logger(),
		clock:         time.Now,
	}
}

func (j *RetentionCleanupJob) Name() string { return "retention_cleanup" }

func (j *RetentionCleanupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := j.clock().AddDate(0, 0, -j.retentionDays).Unix()
	var firstErr error

	if j.events != nil {
		n, err := j.events.PruneEvents(ctx, cutoff)
		if err != nil {
			j.log.Error().Err(err).Msg("Failed to prune alert events")
			firstErr = err
		} else if n > 0 {
			j.log.Info().Int64("rows", n).Msg("Pruned alert events and notification log")
		}
	}
	if j.cleanupLog != nil {
		n, err := j.cleanupLog.PruneCleanupLog(ctx, cutoff)
		if err != nil {
			j.log.Error().Err(err).Msg("Failed to prune order cleanup log")
			if firstErr == nil {
				firstErr = err
			}
		} else if n > 0 {
			j.log.Info().Int64("rows", n).Msg("Pruned order cleanup log")
		}
	}
	if j.cache != nil {
		n, err := j.cache.Prune(ctx)
		if err != nil {
			j.log.Error().Err(err).Msg("Failed to prune indicator cache")
			if firstErr == nil {
				firstErr = err
			}
		} else if n > 0 {
			j.log.Info().Int64("rows", n).Msg("Pruned expired cache entries")
		}
	}
	return firstErr
}

// SnapshotSaveJob persists the position snapshot cache so a restart resumes
// from known positions instead of replaying spurious open events.
type SnapshotSaveJob struct {
	save func() error
	log  zerolog.Logger
}

func NewSnapshotSaveJob(save func() error, log zerolog.Logger) *SnapshotSaveJob {
	return &SnapshotSaveJob{
		save: save,
		log:  log.With().Str("job", "snapshot_save").Logger(),
	}
}

func (j *SnapshotSaveJob) Name() string { return "snapshot_save" }

func (j *SnapshotSaveJob) Run() error {
	if err := j.save(); err != nil {
		return fmt.Errorf("failed to save position snapshot: %w", err)
	}
	return nil
}

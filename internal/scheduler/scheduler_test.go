package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrails/strikeline/internal/database"
	testingpkg "github.com/quantrails/strikeline/internal/testing"
)

type countingJob struct {
	runs  atomic.Int64
	block chan struct{}
	err   error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run() error {
	j.runs.Add(1)
	if j.block != nil {
		<-j.block
	}
	return j.err
}

func TestSchedulerRunsRegisteredJob(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())
	job := &countingJob{}
	require.NoError(t, s.AddJob("@every 50ms", job))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return job.runs.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())
	job := &countingJob{block: make(chan struct{})}
	require.NoError(t, s.AddJob("@every 50ms", job))

	s.Start()

	// First firing blocks inside Run; later firings must be skipped.
	require.Eventually(t, func() bool {
		return job.runs.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), job.runs.Load())

	close(job.block)
	s.Stop()
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())
	err := s.AddJob("not a schedule", &countingJob{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "counting")
}

func TestRunNowPropagatesJobError(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())
	job := &countingJob{err: errors.New("boom")}
	require.Error(t, s.RunNow(job))
	assert.Equal(t, int64(1), job.runs.Load())
}

func TestDBMaintenanceJobPassesOnHealthyDatabases(t *testing.T) {
	marketDB, cleanupMarket := testingpkg.NewTestDB(t, "market")
	defer cleanupMarket()
	alertsDB, cleanupAlerts := testingpkg.NewTestDB(t, "alerts")
	defer cleanupAlerts()

	job := NewDBMaintenanceJob(map[string]*database.DB{
		"market": marketDB,
		"alerts": alertsDB,
	}, zerolog.Nop())

	assert.Equal(t, "db_maintenance", job.Name())
	require.NoError(t, job.Run())
}

type fakeUploader struct {
	enabled   bool
	created   int
	pruned    int
	prunedArg int
	createErr error
}

func (f *fakeUploader) Enabled() bool { return f.enabled }

func (f *fakeUploader) CreateAndUploadBackup(ctx context.Context) error {
	f.created++
	return f.createErr
}

func (f *fakeUploader) PruneOldBackups(ctx context.Context, keep int) error {
	f.pruned++
	f.prunedArg = keep
	return nil
}

func TestDBBackupJobSkipsWhenDisabled(t *testing.T) {
	up := &fakeUploader{enabled: false}
	job := NewDBBackupJob(up, 7, zerolog.Nop())

	require.NoError(t, job.Run())
	assert.Zero(t, up.created)
	assert.Zero(t, up.pruned)
}

func TestDBBackupJobUploadsAndRotates(t *testing.T) {
	up := &fakeUploader{enabled: true}
	job := NewDBBackupJob(up, 7, zerolog.Nop())

	require.NoError(t, job.Run())
	assert.Equal(t, 1, up.created)
	assert.Equal(t, 1, up.pruned)
	assert.Equal(t, 7, up.prunedArg)
}

func TestDBBackupJobPropagatesCreateError(t *testing.T) {
	up := &fakeUploader{enabled: true, createErr: errors.New("upload failed")}
	job := NewDBBackupJob(up, 7, zerolog.Nop())

	require.Error(t, job.Run())
	assert.Zero(t, up.pruned, "rotation must not run after a failed backup")
}

type fakeFlusher struct {
	flushed int
}

func (f *fakeFlusher) FlushAll() { f.flushed++ }

func TestSessionFlushJobDrainsAggregator(t *testing.T) {
	fl := &fakeFlusher{}
	job := NewSessionFlushJob(fl, zerolog.Nop())

	require.NoError(t, job.Run())
	assert.Equal(t, 1, fl.flushed)
}

type fakePruner struct {
	cutoff int64
	rows   int64
	err    error
	calls  int
}

func (f *fakePruner) PruneEvents(ctx context.Context, cutoff int64) (int64, error) {
	f.calls++
	f.cutoff = cutoff
	return f.rows, f.err
}

func (f *fakePruner) PruneCleanupLog(ctx context.Context, cutoff int64) (int64, error) {
	f.calls++
	f.cutoff = cutoff
	return f.rows, f.err
}

func (f *fakePruner) Prune(ctx context.Context) (int64, error) {
	f.calls++
	return f.rows, f.err
}

func TestRetentionCleanupJobUsesRetentionCutoff(t *testing.T) {
	events := &fakePruner{rows: 3}
	cleanupLog := &fakePruner{rows: 1}
	cache := &fakePruner{}

	job := NewRetentionCleanupJob(events, cleanupLog, cache, 30, zerolog.Nop())
	now := time.Date(2024, 11, 28, 18, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return now }

	require.NoError(t, job.Run())

	wantCutoff := now.AddDate(0, 0, -30).Unix()
	assert.Equal(t, wantCutoff, events.cutoff)
	assert.Equal(t, wantCutoff, cleanupLog.cutoff)
	assert.Equal(t, 1, cache.calls)
}

func TestRetentionCleanupJobContinuesPastFailures(t *testing.T) {
	events := &fakePruner{err: errors.New("locked")}
	cleanupLog := &fakePruner{}
	cache := &fakePruner{}

	job := NewRetentionCleanupJob(events, cleanupLog, cache, 7, zerolog.Nop())

	require.Error(t, job.Run())
	assert.Equal(t, 1, cleanupLog.calls, "later stores still pruned after a failure")
	assert.Equal(t, 1, cache.calls)
}

func TestSnapshotSaveJobWrapsError(t *testing.T) {
	job := NewSnapshotSaveJob(func() error { return errors.New("disk full") }, zerolog.Nop())
	err := job.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save position snapshot")

	ok := NewSnapshotSaveJob(func() error { return nil }, zerolog.Nop())
	require.NoError(t, ok.Run())
}

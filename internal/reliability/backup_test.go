package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrails/strikeline/internal/database"
	testingpkg "github.com/quantrails/strikeline/internal/testing"
)

type memoryStore struct {
	objects map[string][]byte
	modTime map[string]time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		objects: make(map[string][]byte),
		modTime: make(map[string]time.Time),
	}
}

func (m *memoryStore) Upload(ctx context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	m.modTime[key] = time.Now()
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for key, data := range m.objects {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		out = append(out, ObjectInfo{Key: key, SizeBytes: int64(len(data)), LastModified: m.modTime[key]})
	}
	return out, nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func newBackupFixture(t *testing.T, store ObjectStore) *BackupService {
	t.Helper()

	marketDB, cleanupMarket := testingpkg.NewTestDB(t, "market")
	t.Cleanup(cleanupMarket)
	alertsDB, cleanupAlerts := testingpkg.NewTestDB(t, "alerts")
	t.Cleanup(cleanupAlerts)

	databases := map[string]*database.DB{
		"market": marketDB,
		"alerts": alertsDB,
	}
	return NewBackupService(store, databases, t.TempDir(), zerolog.Nop())
}

func TestCreateAndUploadBackupProducesArchive(t *testing.T) {
	store := newMemoryStore()
	svc := newBackupFixture(t, store)
	svc.clock = func() time.Time {
		return time.Date(2024, 11, 28, 18, 30, 0, 0, time.UTC)
	}

	require.NoError(t, svc.CreateAndUploadBackup(context.Background()))
	require.Len(t, store.objects, 1)

	archiveName := "strikeline-backup-2024-11-28-183000.tar.gz"
	data, ok := store.objects[archiveName]
	require.True(t, ok, "archive name derives from the backup timestamp")

	entries := untar(t, data)
	require.Contains(t, entries, "market.db")
	require.Contains(t, entries, "alerts.db")
	require.Contains(t, entries, "backup-metadata.json")

	var metadata BackupMetadata
	require.NoError(t, json.Unmarshal(entries["backup-metadata.json"], &metadata))
	assert.Equal(t, "strikeline", metadata.Service)
	require.Len(t, metadata.Databases, 2)

	// Checksums in the metadata must match the archived copies.
	for _, db := range metadata.Databases {
		content, ok := entries[db.Filename]
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("sha256:%x", sha256.Sum256(content)), db.Checksum)
		assert.Equal(t, int64(len(content)), db.SizeBytes)
	}
}

func TestBackupDisabledWithoutStore(t *testing.T) {
	svc := newBackupFixture(t, nil)

	assert.False(t, svc.Enabled())
	require.NoError(t, svc.CreateAndUploadBackup(context.Background()))

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, backups)
	require.NoError(t, svc.PruneOldBackups(context.Background(), 3))
}

func TestListBackupsSortsNewestFirst(t *testing.T) {
	store := newMemoryStore()
	store.objects["strikeline-backup-2024-11-26-183000.tar.gz"] = []byte("old")
	store.objects["strikeline-backup-2024-11-28-183000.tar.gz"] = []byte("new")
	store.objects["strikeline-backup-2024-11-27-183000.tar.gz"] = []byte("mid")
	store.objects["unrelated-object.txt"] = []byte("ignored")

	svc := newBackupFixture(t, store)
	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)

	require.Len(t, backups, 3, "objects without the backup naming scheme are skipped")
	assert.Equal(t, "strikeline-backup-2024-11-28-183000.tar.gz", backups[0].Filename)
	assert.Equal(t, "strikeline-backup-2024-11-27-183000.tar.gz", backups[1].Filename)
	assert.Equal(t, "strikeline-backup-2024-11-26-183000.tar.gz", backups[2].Filename)
}

func TestPruneOldBackupsKeepsNewest(t *testing.T) {
	store := newMemoryStore()
	for day := 20; day <= 28; day++ {
		key := fmt.Sprintf("strikeline-backup-2024-11-%02d-183000.tar.gz", day)
		store.objects[key] = []byte("x")
	}

	svc := newBackupFixture(t, store)
	require.NoError(t, svc.PruneOldBackups(context.Background(), 3))

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, "strikeline-backup-2024-11-28-183000.tar.gz", backups[0].Filename)
	assert.Equal(t, "strikeline-backup-2024-11-26-183000.tar.gz", backups[2].Filename)
}

func TestPruneOldBackupsNoopUnderThreshold(t *testing.T) {
	store := newMemoryStore()
	store.objects["strikeline-backup-2024-11-28-183000.tar.gz"] = []byte("x")

	svc := newBackupFixture(t, store)
	require.NoError(t, svc.PruneOldBackups(context.Background(), 3))
	assert.Len(t, store.objects, 1)
}

func untar(t *testing.T, data []byte) map[string][]byte {
	t.Helper()

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	entries := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[header.Name] = content
	}
	return entries
}

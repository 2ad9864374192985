package migrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrfstore/lrf/internal/bufpool"
	"github.com/lrfstore/lrf/internal/codec"
	"github.com/lrfstore/lrf/internal/region"
)

func newTestMigrator(backupEnabled bool, maxBackupAge time.Duration) (*Migrator, *region.Registry) {
	reg := region.NewRegistry(false, codec.Fast, nil)
	m := New(reg, codec.New(6), codec.Fast, backupEnabled, maxBackupAge, nil)
	return m, reg
}

func TestConvertProducesReadableLRFAndRemovesLegacy(t *testing.T) {
	dir := t.TempDir()
	coord := region.Coord{RX: 0, RZ: 0}
	legacyPath := coord.LegacyPath(dir)

	writeLegacyRegion(t, legacyPath, map[int]struct {
		payload []byte
		tag     byte
	}{
		0: {payload: []byte("migrated chunk 0"), tag: legacyCompressionNone},
		33: {payload: []byte("migrated chunk 33"), tag: legacyCompressionGzip},
	})

	m, reg := newTestMigrator(false, 0)
	require.NoError(t, m.Convert(coord, dir))

	_, err := os.Stat(legacyPath)
	assert.True(t, os.IsNotExist(err), "legacy file should be removed after a successful conversion")

	res, err := reg.Acquire(coord.Path(dir))
	require.NoError(t, err)
	defer res.Close()

	rd := region.NewReader(res, &bufpool.Pool{}, codec.New(6))
	out0, err := rd.ReadChunk(0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("migrated chunk 0"), out0)

	// Slot index 33 = local (1, 1) within the 32x32 grid.
	out33, err := rd.ReadChunk(1, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("migrated chunk 33"), out33)
}

func TestConvertEmptyLegacyRemovesPartialLRFAndKeepsLegacy(t *testing.T) {
	dir := t.TempDir()
	coord := region.Coord{RX: 0, RZ: 0}
	legacyPath := coord.LegacyPath(dir)

	writeLegacyRegion(t, legacyPath, map[int]struct {
		payload []byte
		tag     byte
	}{})

	m, _ := newTestMigrator(false, 0)
	require.NoError(t, m.Convert(coord, dir))

	_, err := os.Stat(legacyPath)
	assert.NoError(t, err, "legacy file with nothing to migrate must remain authoritative")

	_, err = os.Stat(coord.Path(dir))
	assert.True(t, os.IsNotExist(err), "an empty conversion must not leave a partial LRF file behind")
}

func TestConvertWithBackupEnabledMovesLegacyFile(t *testing.T) {
	dir := t.TempDir()
	coord := region.Coord{RX: 2, RZ: -1}
	legacyPath := coord.LegacyPath(dir)

	writeLegacyRegion(t, legacyPath, map[int]struct {
		payload []byte
		tag     byte
	}{
		0: {payload: []byte("backed up chunk"), tag: legacyCompressionNone},
	})

	m, _ := newTestMigrator(true, time.Hour)
	require.NoError(t, m.Convert(coord, dir))

	_, err := os.Stat(legacyPath)
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(dir, "backup_mca", filepath.Base(legacyPath)))
	assert.NoError(t, err)
}

func TestConvertCorruptedLegacyRemovesPartialLRFAndLeavesLegacy(t *testing.T) {
	dir := t.TempDir()
	coord := region.Coord{RX: 0, RZ: 0}
	legacyPath := coord.LegacyPath(dir)

	writeLegacyRegion(t, legacyPath, map[int]struct {
		payload []byte
		tag     byte
	}{
		0: {payload: []byte("good"), tag: legacyCompressionNone},
		1: {payload: []byte("bad"), tag: 99},
	})

	m, _ := newTestMigrator(false, 0)
	err := m.Convert(coord, dir)
	assert.Error(t, err)

	_, statErr := os.Stat(coord.Path(dir))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(legacyPath)
	assert.NoError(t, statErr)
}

func TestMigrateWorldContinuesAfterOneRegionFails(t *testing.T) {
	dir := t.TempDir()

	good := region.Coord{RX: 0, RZ: 0}
	writeLegacyRegion(t, good.LegacyPath(dir), map[int]struct {
		payload []byte
		tag     byte
	}{
		0: {payload: []byte("good region"), tag: legacyCompressionNone},
	})

	bad := region.Coord{RX: 1, RZ: 0}
	writeLegacyRegion(t, bad.LegacyPath(dir), map[int]struct {
		payload []byte
		tag     byte
	}{
		0: {payload: []byte("bad region"), tag: 99},
	})

	m, reg := newTestMigrator(false, 0)
	err := m.MigrateWorld(dir)
	assert.Error(t, err)

	res, err := reg.Acquire(good.Path(dir))
	require.NoError(t, err)
	defer res.Close()

	rd := region.NewReader(res, &bufpool.Pool{}, codec.New(6))
	out, err := rd.ReadChunk(0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("good region"), out)

	_, statErr := os.Stat(bad.LegacyPath(dir))
	assert.NoError(t, statErr, "the failed region's legacy file must survive")
}

func TestCleanupBackupsRemovesOnlyAgedFiles(t *testing.T) {
	dir := t.TempDir()
	backupDir := filepath.Join(dir, "backup_mca")
	require.NoError(t, os.MkdirAll(backupDir, 0o755))

	oldFile := filepath.Join(backupDir, "r.0.0.legacy")
	require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldFile, old, old))

	freshFile := filepath.Join(backupDir, "r.1.0.legacy")
	require.NoError(t, os.WriteFile(freshFile, []byte("fresh"), 0o644))

	m, _ := newTestMigrator(true, time.Hour)
	require.NoError(t, m.cleanupBackups(dir))

	_, err := os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshFile)
	assert.NoError(t, err)
}

func TestRunBackgroundStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestMigrator(false, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunBackground(ctx, dir, time.Millisecond) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunBackground did not stop after context cancellation")
	}
}

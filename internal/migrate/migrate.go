// Package migrate implements the Migrator: atomic
// conversion of legacy 4 KiB-sector region files into LRF, with optional
// backup retention and a background sweep driver.
package migrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lrfstore/lrf/internal/codec"
	"github.com/lrfstore/lrf/internal/frame"
	"github.com/lrfstore/lrf/internal/region"
)

var legacyNamePattern = regexp.MustCompile(`^r\.(-?\d+)\.(-?\d+)\.legacy$`)

// Migrator converts legacy region files to LRF one region at a time.
type Migrator struct {
	registry      *region.Registry
	cdc           *codec.Codec
	algorithm     codec.Kind
	backupEnabled bool
	maxBackupAge  time.Duration
	logger        *zap.Logger
}

// New returns a Migrator writing new LRF files through registry,
// recompressing payloads with cdc under algorithm. When backupEnabled,
// converted legacy files move to a backup_mca/ sibling instead of being
// deleted, retained for maxBackupAge before cleanup.
func New(registry *region.Registry, cdc *codec.Codec, algorithm codec.Kind, backupEnabled bool, maxBackupAge time.Duration, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{
		registry:      registry,
		cdc:           cdc,
		algorithm:     algorithm,
		backupEnabled: backupEnabled,
		maxBackupAge:  maxBackupAge,
		logger:        logger,
	}
}

// MigrateWorld converts every *.legacy file in dir. Conversion errors abort
// that single region only; the rest of the directory is still attempted.
// Files already in LRF form are untouched, so re-running MigrateWorld on an
// already-converted directory is a no-op.
func (m *Migrator) MigrateWorld(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading region directory %s: %w", dir, err)
	}

	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := legacyNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}

		rx, _ := strconv.Atoi(match[1])
		rz, _ := strconv.Atoi(match[2])
		coord := region.Coord{RX: rx, RZ: rz}

		if err := m.Convert(coord, dir); err != nil {
			m.logger.Error("region migration failed", zap.String("region", coord.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if m.backupEnabled {
		if err := m.cleanupBackups(dir); err != nil {
			m.logger.Error("backup cleanup failed", zap.Error(err))
		}
	}

	return firstErr
}

// Convert migrates the single legacy region at coord within dir. On any
// failure the partial LRF file is removed and the legacy file remains
// authoritative (migration atomicity).
func (m *Migrator) Convert(coord region.Coord, dir string) error {
	legacyPath := coord.LegacyPath(dir)
	lrfPath := coord.Path(dir)

	legacy, err := openLegacyRegion(legacyPath)
	if err != nil {
		return err
	}
	defer legacy.close()

	res, err := m.registry.Acquire(lrfPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", lrfPath, err)
	}
	wr := region.NewWriter(res)

	count := 0
	var convErr error
	for i := 0; i < legacySlotCount; i++ {
		if !legacy.hasChunk(i) {
			continue
		}

		raw, err := legacy.readChunk(i)
		if err != nil {
			convErr = fmt.Errorf("reading legacy slot %d: %w", i, err)
			break
		}

		// Strip a legacy payload-trailing timestamp if present. The
		// recovered value is not carried over: AppendChunk stamps the frame
		// tail with the time of this write, so migrated chunks carry their
		// migration time.
		payload := raw
		if trimmed, _, ok := frame.DecodeLegacyPayloadTimestamp(raw); ok {
			payload = trimmed
		}

		compressed, kind, err := m.cdc.PreferredCompress(payload, m.algorithm)
		if err != nil {
			convErr = fmt.Errorf("compressing legacy slot %d: %w", i, err)
			break
		}

		cx := coord.RX*legacyRegionDim + (i % legacyRegionDim)
		cz := coord.RZ*legacyRegionDim + (i / legacyRegionDim)
		if _, err := wr.AppendChunk(cx, cz, compressed, kind); err != nil {
			convErr = fmt.Errorf("appending chunk (%d,%d): %w", cx, cz, err)
			break
		}
		count++
	}

	res.Close()

	if convErr != nil {
		os.Remove(lrfPath)
		return convErr
	}

	if count == 0 {
		// Nothing present in the legacy file worth migrating; leave it as
		// the sole authoritative source.
		os.Remove(lrfPath)
		return nil
	}

	if m.backupEnabled {
		return m.moveToBackup(dir, legacyPath)
	}

	if err := os.Remove(legacyPath); err != nil {
		return fmt.Errorf("removing migrated legacy file %s: %w", legacyPath, err)
	}
	return nil
}

func (m *Migrator) moveToBackup(dir, legacyPath string) error {
	backupDir := filepath.Join(dir, "backup_mca")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}

	dest := filepath.Join(backupDir, filepath.Base(legacyPath))
	if err := os.Rename(legacyPath, dest); err != nil {
		return fmt.Errorf("moving %s to backup: %w", legacyPath, err)
	}
	return nil
}

// cleanupBackups removes files under dir/backup_mca older than
// maxBackupAge, bounding what would otherwise be unbounded growth of the
// backup directory.
func (m *Migrator) cleanupBackups(dir string) error {
	if m.maxBackupAge <= 0 {
		return nil
	}

	backupDir := filepath.Join(dir, "backup_mca")
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading backup directory: %w", err)
	}

	cutoff := time.Now().Add(-m.maxBackupAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(backupDir, entry.Name())); err != nil {
				m.logger.Warn("failed to remove aged backup", zap.String("file", entry.Name()), zap.Error(err))
			}
		}
	}
	return nil
}

// RunBackground periodically sweeps dir for legacy files and migrates
// them one at a time, for conversion_mode = background.
// It selects on ctx.Done and an interval ticker, running one sweep per
// tick, and returns nil once ctx is cancelled.
func (m *Migrator) RunBackground(ctx context.Context, dir string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.sweepOnce(dir); err != nil {
				m.logger.Error("background migration sweep failed", zap.String("dir", dir), zap.Error(err))
			}
		}
	}
}

// sweepOnce migrates the first legacy file found, rate-limiting
// background migration to one region per tick so it never competes
// meaningfully with foreground I/O.
func (m *Migrator) sweepOnce(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading region directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := legacyNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}

		rx, _ := strconv.Atoi(match[1])
		rz, _ := strconv.Atoi(match[2])
		return m.Convert(region.Coord{RX: rx, RZ: rz}, dir)
	}

	return nil
}

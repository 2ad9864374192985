package integrity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const crashMarkerName = ".lrf-crash-marker"

// CrashMarkerPath returns the path of the crash marker for a data
// directory.
func CrashMarkerPath(dataDir string) string {
	return filepath.Join(dataDir, crashMarkerName)
}

// CheckAndArm reports whether a crash marker from a previous session was
// present (meaning the last shutdown was not clean), then writes and fsyncs
// a fresh marker before the caller accepts its first request. The marker's
// contents are this session's id, a fresh random v4 per CheckAndArm call:
// logged at startup, it lets operators correlate "which process armed this
// marker" across a crash-loop without reaching for a sequence file.
func CheckAndArm(dataDir string) (wasPresent bool, sessionID string, err error) {
	path := CrashMarkerPath(dataDir)

	_, statErr := os.Stat(path)
	wasPresent = statErr == nil
	if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
		return false, "", fmt.Errorf("statting crash marker: %w", statErr)
	}

	sessionID = uuid.NewString()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return wasPresent, "", fmt.Errorf("creating crash marker: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(sessionID); err != nil {
		return wasPresent, "", fmt.Errorf("writing crash marker: %w", err)
	}

	if err := f.Sync(); err != nil {
		return wasPresent, "", fmt.Errorf("fsyncing crash marker: %w", err)
	}

	dir, err := os.Open(dataDir)
	if err == nil {
		_ = dir.Sync()
		dir.Close()
	}

	return wasPresent, sessionID, nil
}

// Disarm removes the crash marker on a clean shutdown.
func Disarm(dataDir string) error {
	err := os.Remove(CrashMarkerPath(dataDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing crash marker: %w", err)
	}
	return nil
}

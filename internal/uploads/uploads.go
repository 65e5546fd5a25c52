// Package uploads manages the on-disk layout of received files: one
// subdirectory per calendar day, swept by the retention policy.
package uploads

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/pslog"
)

// DayLayout names the per-day subdirectories received files land in.
const DayLayout = "2006-01-02"

// DirFor returns (creating it if needed) the day directory for now.
func DirFor(base string, now time.Time) (string, error) {
	dir := filepath.Join(base, now.Format(DayLayout))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("uploads: create day dir: %w", err)
	}
	return dir, nil
}

// retentionDays maps the auto_file_clean enum onto a day count; zero
// disables sweeping.
func retentionDays(policy int) int {
	switch policy {
	case 1:
		return 7
	case 2:
		return 30
	case 3:
		return 90
	}
	return 0
}

// Sweep removes day directories older than the retention window selected by
// policy and returns the number of directories deleted. Entries that do not
// parse as day directories are left alone.
func Sweep(base string, policy int, now time.Time, logger pslog.Logger) (int, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	days := retentionDays(policy)
	if days == 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("uploads: read base dir: %w", err)
	}
	cutoff := now.AddDate(0, 0, -days)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		day, err := time.ParseInLocation(DayLayout, entry.Name(), now.Location())
		if err != nil {
			continue
		}
		if !day.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(base, entry.Name())); err != nil {
			return removed, fmt.Errorf("uploads: remove %s: %w", entry.Name(), err)
		}
		logger.Debug("swept expired upload dir", "dir", entry.Name())
		removed++
	}
	return removed, nil
}

// Clear deletes every day directory under base, regardless of age.
func Clear(base string) (int, error) {
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("uploads: read base dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := time.Parse(DayLayout, entry.Name()); err != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(base, entry.Name())); err != nil {
			return removed, fmt.Errorf("uploads: remove %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

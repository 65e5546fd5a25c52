package uploads

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func seedDay(t *testing.T, base, day string) {
	t.Helper()
	dir := filepath.Join(base, day)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir %s: %v", day, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "f.bin"), []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file in %s: %v", day, err)
	}
}

func TestDirForCreatesDayDir(t *testing.T) {
	base := t.TempDir()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	dir, err := DirFor(base, now)
	if err != nil {
		t.Fatalf("DirFor: %v", err)
	}
	if filepath.Base(dir) != "2026-03-14" {
		t.Fatalf("day dir = %s, want 2026-03-14", filepath.Base(dir))
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("day dir not created: %v", err)
	}
}

func TestSweepRemovesOnlyExpiredDayDirs(t *testing.T) {
	base := t.TempDir()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	seedDay(t, base, "2026-08-31")
	seedDay(t, base, "2026-08-20")
	seedDay(t, base, "2026-06-01")
	seedDay(t, base, "not-a-date")

	// Policy 1 keeps seven days.
	removed, err := Sweep(base, 1, now, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	for _, want := range []string{"2026-08-31", "not-a-date"} {
		if _, err := os.Stat(filepath.Join(base, want)); err != nil {
			t.Fatalf("%s should survive sweep: %v", want, err)
		}
	}
	for _, gone := range []string{"2026-08-20", "2026-06-01"} {
		if _, err := os.Stat(filepath.Join(base, gone)); !os.IsNotExist(err) {
			t.Fatalf("%s should be swept, stat err = %v", gone, err)
		}
	}
}

func TestSweepDisabledPolicyIsNoop(t *testing.T) {
	base := t.TempDir()
	seedDay(t, base, "2000-01-01")
	removed, err := Sweep(base, 0, time.Now(), nil)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0 with retention disabled", removed)
	}
	if _, err := os.Stat(filepath.Join(base, "2000-01-01")); err != nil {
		t.Fatalf("dir removed despite disabled policy: %v", err)
	}
}

func TestSweepMissingBaseDir(t *testing.T) {
	removed, err := Sweep(filepath.Join(t.TempDir(), "absent"), 1, time.Now(), nil)
	if err != nil {
		t.Fatalf("Sweep on missing base: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
}

func TestClearRemovesAllDayDirs(t *testing.T) {
	base := t.TempDir()
	seedDay(t, base, "2026-08-31")
	seedDay(t, base, "2020-01-01")
	seedDay(t, base, "keepme")

	removed, err := Clear(base)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, err := os.Stat(filepath.Join(base, "keepme")); err != nil {
		t.Fatalf("non-day dir should survive clear: %v", err)
	}
}

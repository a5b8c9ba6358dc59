package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lmtlss/soulmemory/internal/config"
)

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := config.Default()
	if cfg != want {
		t.Errorf("Load() = %+v, want defaults %+v", cfg, want)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.CapsuleMaxChars = 4000

	path := filepath.Join(dir, config.ConfigFileName)
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := config.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CapsuleMaxChars != 4000 {
		t.Errorf("CapsuleMaxChars = %d, want 4000", got.CapsuleMaxChars)
	}
}

func TestNextMaintenanceRollsToNextDay(t *testing.T) {
	c := config.Cron{MaintenanceUTCClock: "03:00"}
	from := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	next := c.NextMaintenance(from)
	want := time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextMaintenance(%v) = %v, want %v", from, next, want)
	}
}

func TestNextMaintenanceSameDay(t *testing.T) {
	c := config.Cron{MaintenanceUTCClock: "03:00"}
	from := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)
	next := c.NextMaintenance(from)
	want := time.Date(2026, 7, 31, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextMaintenance(%v) = %v, want %v", from, next, want)
	}
}

// Package config resolves soulmemory's runtime configuration: state
// directory, decay constants, Capsule length budget, and cron cadences.
// Resolution is layered: values from an on-disk TOML file over built-in
// defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/lmtlss/soulmemory/internal/paths"
)

// ConfigFileName is the marker file soulmemory looks for when walking up
// from the working directory.
const ConfigFileName = "soulmemory.toml"

// Decay holds the per-hour decay rates applied by Cron Autonomics.
type Decay struct {
	LambdaSalience float64 `toml:"lambda_salience"`
	LambdaArousal  float64 `toml:"lambda_arousal"`
}

// Cron holds the autonomics cadences. They are configurable so tests
// can shrink them, but ship with the standard periods.
type Cron struct {
	HeartbeatMinutes    int    `toml:"heartbeat_minutes"`
	GoalCheckMinutes    int    `toml:"goal_check_minutes"`
	ScraperMinutes      int    `toml:"scraper_minutes"`
	ReflectionMinutes   int    `toml:"reflection_minutes"`
	MaintenanceUTCClock string `toml:"maintenance_utc_clock"` // "HH:MM"
}

// Config is the resolved runtime configuration.
type Config struct {
	StateDir        string `toml:"state_dir"`
	AgentName       string `toml:"agent_name"`
	CapsuleMaxChars int    `toml:"capsule_max_chars"`
	Decay           Decay  `toml:"decay"`
	Cron            Cron   `toml:"cron"`
}

// Default returns production-realistic defaults.
func Default() Config {
	return Config{
		StateDir:        ".soulmemory",
		AgentName:       "soulmemory",
		CapsuleMaxChars: 8000,
		Decay: Decay{
			LambdaSalience: 0.01,
			LambdaArousal:  0.02,
		},
		Cron: Cron{
			HeartbeatMinutes:    5,
			GoalCheckMinutes:    10,
			ScraperMinutes:      15,
			ReflectionMinutes:   30,
			MaintenanceUTCClock: "03:00",
		},
	}
}

// Load resolves configuration starting from the given directory:
// it searches upward for soulmemory.toml, merges any values found over
// the defaults, and never errors when no file exists — an absent config
// file simply means "run with defaults", the same way a sparse lattice
// is a first-class state rather than an error.
func Load(startDir string) (Config, error) {
	cfg := Default()

	root, err := paths.FindUp(startDir, ConfigFileName)
	if err != nil {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(root+"/"+ConfigFileName, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", ConfigFileName, err)
	}
	return cfg, nil
}

// MaintenanceClock parses Cron.MaintenanceUTCClock ("HH:MM") into an
// hour/minute pair; it falls back to 03:00 on a malformed value.
func (c Cron) MaintenanceClock() (hour, minute int) {
	var h, m int
	if _, err := fmt.Sscanf(c.MaintenanceUTCClock, "%d:%d", &h, &m); err != nil {
		return 3, 0
	}
	return h, m
}

// NextMaintenance returns the next instant at or after `from` that hits
// the configured maintenance clock, in UTC.
func (c Cron) NextMaintenance(from time.Time) time.Time {
	from = from.UTC()
	hour, minute := c.MaintenanceClock()
	next := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Save writes cfg to path as TOML, used by tests and the demonstration
// CLI's `init` command.
func Save(path string, cfg Config) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

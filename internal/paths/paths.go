// Package paths resolves the on-disk state directory layout:
// archive.db, day-partition JSONL files, soul.db, and SOUL.md all live
// under one state directory.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout names the fixed filenames within a state directory.
type Layout struct {
	Root        string
	ArchiveDB   string
	SoulDB      string
	CapsulePath string
}

// Resolve returns the Layout for stateDir, creating the directory (and
// its parents) if it does not yet exist.
func Resolve(stateDir string) (Layout, error) {
	abs, err := filepath.Abs(stateDir)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve state dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return Layout{}, fmt.Errorf("create state dir: %w", err)
	}
	return Layout{
		Root:        abs,
		ArchiveDB:   filepath.Join(abs, "archive.db"),
		SoulDB:      filepath.Join(abs, "soul.db"),
		CapsulePath: filepath.Join(abs, "SOUL.md"),
	}, nil
}

// PartitionPath returns the day-partition JSONL path for calendar day
// "YYYY-MM-DD" within the state directory.
func (l Layout) PartitionPath(day string) string {
	return filepath.Join(l.Root, day+".jsonl")
}

// FindUp walks up from startPath looking for a directory containing a
// marker file or directory (e.g. "soulmemory.toml"). Returns the
// directory containing the marker, or an error if none is found before
// the filesystem root.
func FindUp(startPath, marker string) (string, error) {
	abs, err := filepath.Abs(startPath)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}

	dir := abs
	for {
		candidate := filepath.Join(dir, marker)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s found (searched from %s to /)", marker, abs)
		}
		dir = parent
	}
}

package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ArchiveDirName is the subfolder holding timestamped deletion snapshots.
// It lives inside the sync directory and is excluded from observation.
const ArchiveDirName = ".archive"

// archiveStampLayout sorts lexicographically, so the newest snapshot for a
// filename is always the last one in sorted order.
const archiveStampLayout = "20060102T150405.000000000"

// ArchiveDir returns the archive path for a sync directory.
func ArchiveDir(dir string) string {
	return filepath.Join(dir, ArchiveDirName)
}

// WriteArchive stores a content snapshot as <timestamp>_<filename> inside the
// archive folder and returns the snapshot path.
func WriteArchive(dir, filename string, data []byte, now time.Time) (string, error) {
	archiveDir := ArchiveDir(dir)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", err
	}
	name := now.UTC().Format(archiveStampLayout) + "_" + filename
	path := filepath.Join(archiveDir, name)
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// MoveToArchive relocates a live workflow file into the archive folder.
func MoveToArchive(dir, filename string, now time.Time) (string, error) {
	source := filepath.Join(dir, filename)
	archiveDir := ArchiveDir(dir)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(archiveDir, now.UTC().Format(archiveStampLayout)+"_"+filename)
	if err := os.Rename(source, target); err != nil {
		return "", err
	}
	return target, nil
}

// LatestArchive returns the path of the most recent snapshot for filename, or
// "" when none exists.
func LatestArchive(dir, filename string) (string, error) {
	entries, err := os.ReadDir(ArchiveDir(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	matches := make([]string, 0, 1)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), "_"+filename) {
			matches = append(matches, entry.Name())
		}
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return filepath.Join(ArchiveDir(dir), matches[len(matches)-1]), nil
}

// RestoreArchive moves the most recent snapshot for filename back into the
// working directory and removes the snapshot. The archive is a resurrection
// buffer, not permanent storage.
func RestoreArchive(dir, filename string) (string, error) {
	snapshot, err := LatestArchive(dir, filename)
	if err != nil {
		return "", err
	}
	if snapshot == "" {
		return "", fmt.Errorf("no archive snapshot for %s", filename)
	}
	target := filepath.Join(dir, filename)
	if err := os.Rename(snapshot, target); err != nil {
		return "", err
	}
	return target, nil
}

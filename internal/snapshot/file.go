package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/guarzo/carmarket/internal/model"
)

// FileStore keeps each snapshot as one JSON file named
// <platform>_<date>.json under a data directory. Appends write a
// temporary file and rename it into place, so readers only ever see
// complete snapshots, and the existing file doubles as the duplicate
// guard.
type FileStore struct {
	dir string
}

// NewFileStore creates the data directory when missing.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Append writes one immutable snapshot. Returns ErrDuplicateSnapshot
// when (platform, date) was already written.
func (s *FileStore) Append(platform, date string, listings []model.Listing) error {
	path := s.path(platform, date)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s %s", ErrDuplicateSnapshot, platform, date)
	}

	snap := model.Snapshot{
		Platform: platform,
		Date:     date,
		TakenAt:  time.Now(),
		Listings: listings,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// ReadRange loads matching snapshots ordered by date, then platform.
func (s *FileStore) ReadRange(q Query) ([]model.Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var snaps []model.Snapshot
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		platform, date, ok := parseName(entry.Name())
		if !ok || !q.Matches(platform, date) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", entry.Name(), err)
		}
		var snap model.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("parse snapshot %s: %w", entry.Name(), err)
		}
		snap.Listings = q.FilterListings(snap.Listings)
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Date != snaps[j].Date {
			return snaps[i].Date < snaps[j].Date
		}
		return snaps[i].Platform < snaps[j].Platform
	})
	return snaps, nil
}

func (s *FileStore) path(platform, date string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", platform, date))
}

func parseName(name string) (platform, date string, ok bool) {
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return "", "", false
	}
	base := strings.TrimSuffix(name, ".json")
	idx := strings.LastIndex(base, "_")
	if idx <= 0 {
		return "", "", false
	}
	platform, date = base[:idx], base[idx+1:]
	if _, err := time.Parse(model.SnapshotDateFormat, date); err != nil {
		return "", "", false
	}
	return platform, date, true
}

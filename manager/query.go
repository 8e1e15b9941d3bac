package manager

import (
	"fmt"
	"path/filepath"
	"sort"

	"ltfs-tapemgr/catalog"
)

// Entry is a catalog record with its plaintext path.
type Entry struct {
	Path string
	catalog.Copy
}

// Find returns every copy of path and the best of them. The best copy may
// be a tombstone, meaning the file was deleted.
func (m *Manager) Find(path string) ([]catalog.Copy, catalog.Copy, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, catalog.Copy{}, err
	}
	key := m.names.Encrypt(abs)
	best, ok := m.storage.Best(key)
	if !ok {
		return nil, catalog.Copy{}, fmt.Errorf("%s: %w", abs, ErrFileNotFound)
	}
	return m.storage.Copies(key), best, nil
}

// ListAllBest returns the best copy of every live file, sorted by path.
func (m *Manager) ListAllBest() []Entry {
	best := m.storage.BestFiles()
	entries := make([]Entry, 0, len(best))
	for key, c := range best {
		plain, err := m.names.Decrypt(key)
		if err != nil {
			m.logger.Warn("undecryptable catalog key", "key", key, "error", err)
			continue
		}
		entries = append(entries, Entry{Path: plain, Copy: c})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

type TapeStats struct {
	Barcode    string
	Size       int64
	Free       int64
	Used       int64
	Files      int
	Tombstones int
	Bytes      int64
}

type Stats struct {
	Tapes []TapeStats
	// Run is the latest journalled run and Counts its events per action;
	// both are empty without a journal.
	Run    string
	Counts map[string]int
}

func (m *Manager) Statistics() (Stats, error) {
	var stats Stats
	for _, t := range m.storage.Tapes() {
		ts := TapeStats{Barcode: t.Barcode, Size: t.Size, Free: t.Free, Used: t.Used()}
		for _, info := range t.Files {
			if info.IsTombstone() {
				ts.Tombstones++
				continue
			}
			ts.Files++
			ts.Bytes += info.Size
		}
		stats.Tapes = append(stats.Tapes, ts)
	}
	if m.journal == nil {
		return stats, nil
	}
	run, err := m.journal.LatestRun()
	if err != nil || run == "" {
		return stats, err
	}
	stats.Run = run
	stats.Counts, err = m.journal.Counts(run)
	return stats, err
}

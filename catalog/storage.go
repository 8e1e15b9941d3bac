// Package catalog keeps the per tape file index, one JSON document per
// barcode, written through on every change.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ltfs-tapemgr/utils"
)

// Copy is a file record together with the tape holding it.
type Copy struct {
	Tape *Tape
	Info FileInfo
}

type Storage struct {
	Dir string
	// DryRun keeps changes in memory only.
	DryRun bool
	logger *utils.Logger
	tapes  map[string]*Tape
}

// Open loads every catalog entry in dir, creating dir if needed.
func Open(dir string, logger *utils.Logger) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	s := &Storage{Dir: dir, logger: logger}
	if err := s.LoadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadAll replaces the in memory catalog with the directory contents.
// Unreadable entries are logged and left out.
func (s *Storage) LoadAll() error {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return err
	}
	tapes := map[string]*Tape{}
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		tape, err := s.load(e.Name())
		if err != nil {
			s.logger.Warn("skipping catalog entry", "file", e.Name(), "error", err)
			continue
		}
		tapes[tape.Barcode] = tape
	}
	s.tapes = tapes
	return nil
}

func (s *Storage) load(name string) (*Tape, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, name))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var tape Tape
	if err := json.Unmarshal(data, &tape); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if tape.Barcode == "" {
		return nil, fmt.Errorf("%w: no barcode", ErrCorrupt)
	}
	if tape.Files == nil {
		tape.Files = map[string]FileInfo{}
	}
	return &tape, nil
}

func (s *Storage) Path(barcode string) string {
	return filepath.Join(s.Dir, barcode+".json")
}

func Marshal(t *Tape) ([]byte, error) {
	return json.MarshalIndent(t, "", "    ")
}

// Save registers the tape and writes its document. The write goes to a
// dotfile first and is renamed into place.
func (s *Storage) Save(t *Tape) error {
	s.tapes[t.Barcode] = t
	if s.DryRun {
		return nil
	}
	data, err := Marshal(t)
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.Dir, "."+t.Barcode+".json."+utils.NewID())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.Path(t.Barcode)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Add registers a tape in memory without writing it.
func (s *Storage) Add(t *Tape) {
	s.tapes[t.Barcode] = t
}

func (s *Storage) Get(barcode string) (*Tape, bool) {
	t, ok := s.tapes[barcode]
	return t, ok
}

func (s *Storage) Has(barcode string) bool {
	_, ok := s.tapes[barcode]
	return ok
}

func (s *Storage) Len() int {
	return len(s.tapes)
}

// Tapes returns every tape in ascending barcode order.
func (s *Storage) Tapes() []*Tape {
	tapes := make([]*Tape, 0, len(s.tapes))
	for _, t := range s.tapes {
		tapes = append(tapes, t)
	}
	sort.Slice(tapes, func(i, j int) bool { return tapes[i].Barcode < tapes[j].Barcode })
	return tapes
}

// Copies lists every recorded copy of key, in barcode order.
func (s *Storage) Copies(key string) []Copy {
	var copies []Copy
	for _, t := range s.Tapes() {
		if info, ok := t.Files[key]; ok {
			copies = append(copies, Copy{Tape: t, Info: info})
		}
	}
	return copies
}

// Best returns the best copy of key, which may be a tombstone.
func (s *Storage) Best(key string) (Copy, bool) {
	var best Copy
	found := false
	for _, c := range s.Copies(key) {
		if !found || c.Info.IsBetterThan(best.Info) {
			best, found = c, true
		}
	}
	return best, found
}

// BestLive returns the best copy of key that is not a tombstone.
func (s *Storage) BestLive(key string) (Copy, bool) {
	var best Copy
	found := false
	for _, c := range s.Copies(key) {
		if c.Info.IsTombstone() {
			continue
		}
		if !found || c.Info.IsBetterThan(best.Info) {
			best, found = c, true
		}
	}
	return best, found
}

// BestFiles returns the best copy of every file that is not deleted.
func (s *Storage) BestFiles() map[string]Copy {
	files := map[string]Copy{}
	for _, t := range s.Tapes() {
		for key, info := range t.Files {
			if old, ok := files[key]; ok && !info.IsBetterThan(old.Info) {
				continue
			}
			files[key] = Copy{Tape: t, Info: info}
		}
	}
	for key, c := range files {
		if c.Info.IsTombstone() {
			delete(files, key)
		}
	}
	return files
}

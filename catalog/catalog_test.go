package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ltfs-tapemgr/utils"
)

func TestIsBetterThan(t *testing.T) {
	tests := []struct {
		a, b FileInfo
		want bool
	}{
		{FileInfo{Size: 1, Mtime: 2}, FileInfo{Size: 5, Mtime: 1}, true},
		{FileInfo{Size: 5, Mtime: 1}, FileInfo{Size: 1, Mtime: 2}, false},
		{FileInfo{Size: 5, Mtime: 1}, FileInfo{Size: 1, Mtime: 1}, true},
		{FileInfo{Size: 1, Mtime: 1}, FileInfo{Size: 5, Mtime: 1}, false},
		{FileInfo{Size: 3, Mtime: 1.5}, FileInfo{Size: 3, Mtime: 1.5}, false},
	}
	for _, tt := range tests {
		if got := tt.a.IsBetterThan(tt.b); got != tt.want {
			t.Errorf("%+v better than %+v = %v, want %v", tt.a, tt.b, got, tt.want)
		}
		if tt.a.IsBetterThan(tt.b) && tt.b.IsBetterThan(tt.a) {
			t.Errorf("%+v and %+v are both better", tt.a, tt.b)
		}
	}
}

func TestMtimeRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 30, 15, 123456000, time.UTC)
	fi := NewFileInfo(10, now)
	if !fi.ModTime().Equal(now) {
		t.Errorf("ModTime = %v, want %v", fi.ModTime(), now)
	}
}

func writeFile(t *testing.T, path string, size int, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func fixedSpace(size, free int64) SpaceFunc {
	return func(string) (int64, int64, error) { return size, free, nil }
}

func TestReadDataReplacesIndex(t *testing.T) {
	mp := t.TempDir()
	mtime := time.Unix(1700000000, 0)
	writeFile(t, filepath.Join(mp, "a", "b"), 10, mtime)
	writeFile(t, filepath.Join(mp, "c"), 20, mtime)

	tape := NewTape("P000001SL6")
	tape.Files["/gone"] = FileInfo{Size: 1, Mtime: 1}
	if err := tape.ReadData(mp, fixedSpace(1000, 2000), false); err != nil {
		t.Fatal(err)
	}
	if tape.Free != 1000 || tape.Size != 1000 {
		t.Errorf("space = %d/%d, free clamped to size", tape.Free, tape.Size)
	}
	if _, ok := tape.Files["/gone"]; !ok {
		t.Error("space refresh touched the index")
	}

	if err := tape.ReadData(mp, fixedSpace(1000, 970), true); err != nil {
		t.Fatal(err)
	}
	if len(tape.Files) != 2 {
		t.Fatalf("files = %v", tape.Files)
	}
	if fi := tape.Files["/a/b"]; fi.Size != 10 || fi.Mtime != 1700000000 {
		t.Errorf("/a/b = %+v", fi)
	}
	if _, ok := tape.Files["/gone"]; ok {
		t.Error("removed file kept after refresh")
	}
}

func TestVerify(t *testing.T) {
	if err := Verify("A", "A"); err != nil {
		t.Error(err)
	}
	if err := Verify("A", "B"); !errors.Is(err, ErrVerificationMismatch) {
		t.Errorf("err = %v", err)
	}
}

func TestStorageSaveLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, utils.Discard())
	if err != nil {
		t.Fatal(err)
	}
	tape := NewTape("P000001SL6")
	tape.Size, tape.Free = 100, 50
	block := int64(42)
	tape.Files["/x"] = FileInfo{Size: 7, Mtime: 3.25, Partition: "b", StartBlock: &block}
	if err := s.Save(tape); err != nil {
		t.Fatal(err)
	}

	os.WriteFile(filepath.Join(dir, "P000009SL6.json"), []byte("{not json"), 0o600)
	os.WriteFile(filepath.Join(dir, ".hidden.json"), []byte("{not json"), 0o600)

	loaded, err := Open(dir, utils.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Len() != 1 {
		t.Fatalf("loaded %d tapes", loaded.Len())
	}
	got, ok := loaded.Get("P000001SL6")
	if !ok || got.Size != 100 || got.Free != 50 {
		t.Fatalf("loaded tape = %+v", got)
	}
	fi := got.Files["/x"]
	if fi.Size != 7 || fi.Mtime != 3.25 || fi.Partition != "b" || fi.StartBlock == nil || *fi.StartBlock != 42 {
		t.Errorf("loaded file = %+v", fi)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".P000001SL6") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestStorageDryRun(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir, utils.Discard())
	s.DryRun = true
	if err := s.Save(NewTape("P000001SL6")); err != nil {
		t.Fatal(err)
	}
	if !s.Has("P000001SL6") {
		t.Error("dry run save not kept in memory")
	}
	if _, err := os.Stat(s.Path("P000001SL6")); !os.IsNotExist(err) {
		t.Errorf("dry run wrote a document: %v", err)
	}
}

func TestBestFiles(t *testing.T) {
	s, _ := Open(t.TempDir(), utils.Discard())
	a, b := NewTape("A"), NewTape("B")
	a.Files["/old"] = FileInfo{Size: 10, Mtime: 1}
	b.Files["/old"] = FileInfo{Size: 12, Mtime: 2}
	a.Files["/deleted"] = FileInfo{Size: 10, Mtime: 1}
	b.Files["/deleted"] = FileInfo{Size: 0, Mtime: 5}
	a.Files["/only"] = FileInfo{Size: 3, Mtime: 1}
	s.Add(a)
	s.Add(b)

	best := s.BestFiles()
	if len(best) != 2 {
		t.Fatalf("best = %v", best)
	}
	if best["/old"].Tape.Barcode != "B" || best["/only"].Tape.Barcode != "A" {
		t.Errorf("best = %v", best)
	}
	if c, ok := s.Best("/deleted"); !ok || !c.Info.IsTombstone() {
		t.Errorf("Best(/deleted) = %+v", c)
	}
	if c, ok := s.BestLive("/deleted"); !ok || c.Tape.Barcode != "A" || c.Info.Size != 10 {
		t.Errorf("BestLive(/deleted) = %+v", c)
	}
	if _, ok := s.BestLive("/missing"); ok {
		t.Error("BestLive found a missing key")
	}
	if copies := s.Copies("/old"); len(copies) != 2 || copies[0].Tape.Barcode != "A" {
		t.Errorf("Copies = %v", copies)
	}
}

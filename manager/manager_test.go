package manager

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"

	"ltfs-tapemgr/catalog"
	"ltfs-tapemgr/filecrypt"
	"ltfs-tapemgr/journal"
	"ltfs-tapemgr/namecrypt"
	"ltfs-tapemgr/tapehardware"
	"ltfs-tapemgr/utils"
)

const (
	gib       = int64(1024 * 1024 * 1024)
	mib       = int64(1024 * 1024)
	firstTape = "P0001SL6"
)

type fixture struct {
	sim     *tapehardware.TapeLibrarySimulator
	storage *catalog.Storage
	journal *journal.Journal
	m       *Manager
	src     string
	dir     string
}

// newFixture builds a manager over a simulated library holding the
// formatted tapes plus four blanks.
func newFixture(t *testing.T, capacity int64, formatted []string, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	tapes := filepath.Join(dir, "tapes")
	for _, b := range formatted {
		if err := os.MkdirAll(filepath.Join(tapes, b), 0o700); err != nil {
			t.Fatal(err)
		}
	}
	sim, err := tapehardware.NewTapeLibrarySimulator(tapes, tapehardware.SimulatorConfig{
		StorageSlots: 8,
		PortSlots:    1,
		Capacity:     capacity,
		Blanks:       []string{"P0001SL6", "P0002SL6", "P0003SL6", "P0004SL6"},
	}, utils.Discard())
	if err != nil {
		t.Fatal(err)
	}
	storage, err := catalog.Open(filepath.Join(dir, "catalog"), utils.Discard())
	if err != nil {
		t.Fatal(err)
	}
	names, err := namecrypt.NewNameCryptor([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	files := filecrypt.NewWithKeys([]age.Recipient{identity.Recipient()}, []age.Identity{identity})
	j, err := journal.Open(filepath.Join(dir, "journal.db"), utils.NewID())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })

	opts.MountPoint = "/mnt/tape"
	opts.BarcodePrefix, opts.BarcodeSuffix, opts.MediaType = "P", "S", "L6"
	if opts.Space == nil {
		opts.Space = sim.Space
	}
	m := New(opts, tapehardware.NewChanger(sim, utils.Discard()), sim.Drive(), storage, names, files,
		utils.NewCancel(), utils.Discard())
	m.SetJournal(j)

	src := filepath.Join(dir, "src")
	if err := os.MkdirAll(src, 0o700); err != nil {
		t.Fatal(err)
	}
	return &fixture{sim: sim, storage: storage, journal: j, m: m, src: src, dir: dir}
}

func (f *fixture) write(t *testing.T, name, content string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(f.src, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *fixture) counts(t *testing.T) map[string]int {
	t.Helper()
	counts, err := f.journal.Counts(f.journal.Run())
	if err != nil {
		t.Fatal(err)
	}
	return counts
}

func TestBarcodes(t *testing.T) {
	f := newFixture(t, 8*gib, nil, Options{})
	if got := f.m.BarcodeFor(42); got != "P0042SL6" {
		t.Errorf("BarcodeFor(42) = %q", got)
	}
	f.storage.Add(catalog.NewTape("P0001SL6"))
	f.storage.Add(catalog.NewTape("P0002SL6"))
	for i := 0; i < 2; i++ {
		if got := f.m.MakeBarcode(); got != "P0003SL6" {
			t.Errorf("MakeBarcode = %q", got)
		}
	}
	f.m.SetBarcode("AB", "", "L7")
	if got := f.m.BarcodeFor(7); got != "AB0007L7" {
		t.Errorf("BarcodeFor(7) = %q", got)
	}
}

func TestStoreSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8*gib, nil, Options{})
	mtime := time.Unix(1700000000, 0)
	a := f.write(t, "a", "alpha", mtime)
	f.write(t, "sub/b", "beta", mtime)
	f.write(t, ".hidden", "secret", mtime)

	if err := f.m.Store(ctx, []string{f.src}); err != nil {
		t.Fatal(err)
	}
	tape, ok := f.storage.Get(firstTape)
	if !ok || len(tape.Files) != 2 {
		t.Fatalf("catalog after first store: %v", tape)
	}
	if f.sim.Drive().Formats() != 1 {
		t.Errorf("formats = %d", f.sim.Drive().Formats())
	}
	if _, err := os.Stat(f.storage.Path(firstTape)); err != nil {
		t.Errorf("catalog not written: %v", err)
	}

	if err := f.m.Store(ctx, []string{f.src}); err != nil {
		t.Fatal(err)
	}
	if c := f.counts(t); c[journal.ActionStore] != 2 || c[journal.ActionSkip] != 2 {
		t.Errorf("counts after second store = %v", c)
	}

	later := mtime.Add(100 * time.Second)
	if err := os.Chtimes(a, later, later); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Store(ctx, []string{f.src}); err != nil {
		t.Fatal(err)
	}
	if c := f.counts(t); c[journal.ActionStore] != 3 || c[journal.ActionSkip] != 3 {
		t.Errorf("counts after touching a = %v", c)
	}
	_, best, err := f.m.Find(a)
	if err != nil {
		t.Fatal(err)
	}
	if best.Info.Mtime != catalog.Mtime(later) {
		t.Errorf("best copy of a has mtime %v", best.Info.Mtime)
	}
	entries := f.m.ListAllBest()
	if len(entries) != 2 || entries[0].Path != a {
		t.Errorf("ListAllBest = %+v", entries)
	}
}

type sizedInfo struct {
	fs.FileInfo
	size int64
}

func (s sizedInfo) Size() int64 { return s.size }

func TestTapeSelectionSkipsSmallTapes(t *testing.T) {
	ctx := context.Background()
	free := map[string]int64{
		"P0001SL6": 0,
		"P0002SL6": 500 * mib,
		"P0003SL6": 2 * gib,
	}
	space := func(path string) (int64, int64, error) {
		return 4 * gib, free[filepath.Base(path)], nil
	}
	f := newFixture(t, 4*gib, []string{"P0001SL6", "P0002SL6", "P0003SL6"}, Options{Space: space})
	for barcode, n := range free {
		tape := catalog.NewTape(barcode)
		tape.Size, tape.Free = 4*gib, n
		if err := f.storage.Save(tape); err != nil {
			t.Fatal(err)
		}
	}

	path := f.write(t, "big", "pretend this is 100MB", time.Unix(1700000000, 0))
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.m.BackupFile(ctx, path, sizedInfo{FileInfo: info, size: 100 * mib}); err != nil {
		t.Fatal(err)
	}
	if got := f.m.CurrentTape().Barcode; got != "P0003SL6" {
		t.Errorf("selected %s", got)
	}
	_, key, _ := f.m.key(path)
	if tape, _ := f.storage.Get("P0003SL6"); len(tape.Files) != 1 {
		t.Errorf("P0003SL6 files = %v", tape.Files)
	}
	if _, err := os.Stat(filepath.Join(f.sim.TapePath("P0003SL6"), key)); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
	if f.sim.Drive().Formats() != 0 {
		t.Error("formatted a new tape")
	}
}

func TestNewTapeTooSmall(t *testing.T) {
	f := newFixture(t, gib, nil, Options{})
	f.write(t, "a", "alpha", time.Unix(1700000000, 0))
	if err := f.m.Store(context.Background(), []string{f.src}); !errors.Is(err, ErrNoTape) {
		t.Errorf("Store on a 1GiB tape: %v", err)
	}
}

func TestCancelledTraversalStoresNothing(t *testing.T) {
	f := newFixture(t, 8*gib, nil, Options{})
	f.write(t, "a", "alpha", time.Unix(1700000000, 0))
	f.m.RequestCancel()
	if err := f.m.BackupRecursive(context.Background(), f.src); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Store(context.Background(), []string{f.src}); err != nil {
		t.Fatal(err)
	}
	if f.storage.Len() != 0 || f.sim.Moves() != 0 {
		t.Errorf("cancelled run touched the library: %d tapes, %d moves", f.storage.Len(), f.sim.Moves())
	}
}

func TestTombstones(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8*gib, nil, Options{})
	mtime := time.Unix(1700000000, 0)
	f.write(t, "a", "alpha", mtime)
	b := f.write(t, "dir/b", "beta", mtime)
	if err := f.m.Store(ctx, []string{f.src}); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(b); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Store(ctx, []string{f.src}); err != nil {
		t.Fatal(err)
	}
	copies, best, err := f.m.Find(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(copies) != 1 || !best.Info.IsTombstone() {
		t.Errorf("b after deletion: %+v best %+v", copies, best)
	}
	if entries := f.m.ListAllBest(); len(entries) != 1 {
		t.Errorf("ListAllBest = %+v", entries)
	}

	if err := f.m.Store(ctx, []string{f.src}); err != nil {
		t.Fatal(err)
	}
	if c := f.counts(t); c[journal.ActionTomb] != 1 {
		t.Errorf("counts = %v", c)
	}

	// reappearing with an old mtime still gets stored over the tombstone
	f.write(t, "dir/b", "beta", mtime)
	if err := f.m.Store(ctx, []string{f.src}); err != nil {
		t.Fatal(err)
	}
	if _, best, _ := f.m.Find(b); best.Info.IsTombstone() {
		t.Error("restored file is still a tombstone")
	}
}

func TestDryRun(t *testing.T) {
	f := newFixture(t, 8*gib, nil, Options{DryRun: true})
	f.write(t, "a", "alpha", time.Unix(1700000000, 0))
	if err := f.m.Store(context.Background(), []string{f.src}); err != nil {
		t.Fatal(err)
	}
	if f.storage.Len() != 0 || f.sim.Drive().Formats() != 0 {
		t.Errorf("dry run changed state: %d tapes, %d formats", f.storage.Len(), f.sim.Drive().Formats())
	}
	entries, err := os.ReadDir(f.storage.Dir)
	if err != nil || len(entries) != 0 {
		t.Errorf("catalog dir = %v, %v", entries, err)
	}
	if c := f.counts(t); len(c) != 0 {
		t.Errorf("journal = %v", c)
	}
}

func TestCopybackAndShutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8*gib, nil, Options{})
	mtime := time.Unix(1700000000, 0)
	a := f.write(t, "a", "alpha", mtime)
	b := f.write(t, "dir/b", "beta", mtime)
	if err := f.m.Store(ctx, []string{f.src}); err != nil {
		t.Fatal(err)
	}

	all := filepath.Join(f.dir, "restore-all")
	if err := f.m.Copyback(ctx, firstTape, all, []string{AllFiles}); err != nil {
		t.Fatal(err)
	}
	for path, want := range map[string]string{a: "alpha", b: "beta"} {
		restored := filepath.Join(all, path)
		data, err := os.ReadFile(restored)
		if err != nil || string(data) != want {
			t.Errorf("%s = %q, %v", restored, data, err)
			continue
		}
		if info, _ := os.Stat(restored); !info.ModTime().Equal(mtime) {
			t.Errorf("%s mtime = %v", restored, info.ModTime())
		}
	}

	one := filepath.Join(f.dir, "restore-one")
	if err := f.m.Copyback(ctx, firstTape, one, []string{b}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(one, a)); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("unrequested file restored: %v", err)
	}
	if c := f.counts(t); c[journal.ActionCopy] != 3 {
		t.Errorf("counts = %v", c)
	}

	if err := f.m.Copyback(ctx, "P0099SL6", one, []string{AllFiles}); !errors.Is(err, ErrNoTape) {
		t.Errorf("copyback from unknown tape: %v", err)
	}

	if err := f.m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	changer := tapehardware.NewChanger(f.sim, utils.Discard())
	if got, _ := changer.ReadBarcode(ctx, 0); got != "" {
		t.Errorf("drive still holds %q after shutdown", got)
	}
}

func TestFormatIndexMount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8*gib, []string{"P0002SL6"}, Options{})
	if err := os.WriteFile(filepath.Join(f.sim.TapePath("P0002SL6"), "x"), []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := f.m.Mount(ctx, "P0002SL6"); !errors.Is(err, ErrNoTape) {
		t.Errorf("mounting an unknown tape: %v", err)
	}
	if err := f.m.IndexTape(ctx, "P0002SL6"); err != nil {
		t.Fatal(err)
	}
	tape, ok := f.storage.Get("P0002SL6")
	if !ok || tape.Files["/x"].Size != 4 || tape.Size != 8*gib {
		t.Fatalf("indexed tape = %+v", tape)
	}
	if err := f.m.Unload(ctx); err != nil {
		t.Fatal(err)
	}

	barcode, err := f.m.Format(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if barcode != firstTape || f.sim.Drive().IsMounter(barcode) {
		t.Errorf("Format = %q, mounted %v", barcode, f.sim.Drive().IsMounter(barcode))
	}
	if _, err := f.m.Format(ctx); !errors.Is(err, ErrAlreadyPresent) {
		t.Errorf("formatting over a known tape: %v", err)
	}

	mp, err := f.m.Mount(ctx, "P0002SL6")
	if err != nil || mp != f.sim.TapePath("P0002SL6") {
		t.Errorf("Mount = %q, %v", mp, err)
	}
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8*gib, nil, Options{})
	f.write(t, "a", "alpha", time.Unix(1700000000, 0))
	if err := f.m.Store(ctx, []string{f.src}); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Export(ctx, firstTape); err != nil {
		t.Fatal(err)
	}
	if f.m.CurrentTape() != nil {
		t.Error("exported tape is still current")
	}
	barcode, known, err := f.m.Import(ctx)
	if err != nil || barcode != firstTape || !known {
		t.Errorf("Import = %q, %v, %v", barcode, known, err)
	}
	if _, _, err := f.m.Import(ctx); !errors.Is(err, tapehardware.ErrNotFound) {
		t.Errorf("import from empty port: %v", err)
	}
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8*gib, nil, Options{})
	f.write(t, "a", "alpha", time.Unix(1700000000, 0))
	if err := f.m.Store(ctx, []string{f.src}); err != nil {
		t.Fatal(err)
	}
	stats, err := f.m.Statistics()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.Tapes) != 1 || stats.Tapes[0].Files != 1 || stats.Tapes[0].Size != 8*gib {
		t.Errorf("tapes = %+v", stats.Tapes)
	}
	if stats.Run != f.journal.Run() || stats.Counts[journal.ActionStore] != 1 {
		t.Errorf("run %q counts %v", stats.Run, stats.Counts)
	}
}

// stuckLibrary accepts moves without performing them and, with failAfter
// set, stops answering inventory requests after that many moves.
type stuckLibrary struct {
	tapehardware.TapeLibrary
	moves     int
	failAfter int
}

var errInventory = errors.New("inventory timed out")

func (l *stuckLibrary) Inventory(ctx context.Context) ([]tapehardware.Slot, error) {
	if l.failAfter > 0 && l.moves >= l.failAfter {
		return nil, errInventory
	}
	return l.TapeLibrary.Inventory(ctx)
}

func (l *stuckLibrary) Move(ctx context.Context, from, to tapehardware.Slot) error {
	l.moves++
	return nil
}

func TestAskForTapeRetries(t *testing.T) {
	tests := []struct {
		name      string
		failAfter int
		want      error
	}{
		{"tape never arrives", 0, catalog.ErrVerificationMismatch},
		{"inventory fails after the last load", maxLoadAttempts, errInventory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 8*gib, nil, Options{})
			lib := &stuckLibrary{TapeLibrary: f.sim, failAfter: tt.failAfter}
			var log bytes.Buffer
			f.m.changer = tapehardware.NewChanger(lib, utils.Discard())
			f.m.logger = utils.NewLoggerTo(&log)

			if err := f.m.askForTape(context.Background(), firstTape); !errors.Is(err, tt.want) {
				t.Errorf("askForTape = %v, want %v", err, tt.want)
			}
			if lib.moves != maxLoadAttempts {
				t.Errorf("moves = %d", lib.moves)
			}
			if n := strings.Count(log.String(), "retrying"); n != maxLoadAttempts-1 {
				t.Errorf("logged %d retries:\n%s", n, log.String())
			}
		})
	}
}

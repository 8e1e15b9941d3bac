// directory backed library used for dry runs of the whole tool and for tests
package tapehardware

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"ltfs-tapemgr/utils"
)

// SimulatorConfig describes the simulated library. Every subdirectory of the
// tape directory is a formatted tape named by its barcode; Blanks are
// labelled cartridges that have not been formatted yet.
type SimulatorConfig struct {
	StorageSlots int
	PortSlots    int
	// Capacity is the size of every simulated tape in bytes.
	Capacity int64
	Blanks   []string
}

// TapeLibrarySimulator holds one drive plus storage and I/O slots. Slot
// contents live in memory; tape contents live in tapeDirectory/<barcode>.
type TapeLibrarySimulator struct {
	mu            sync.Mutex
	tapeDirectory string
	capacity      int64
	logger        *utils.Logger
	storage       []string
	ports         []string
	drive         *TapeDriveSimulator
	moves         int
}

type TapeDriveSimulator struct {
	library *TapeLibrarySimulator
	tape    string
	mounted bool
	owner   string
	target  string
	formats int
}

const (
	simDriveAddress   = 1
	simStorageAddress = 0x1000
	simPortAddress    = 0x0100
)

func NewTapeLibrarySimulator(tapeDirectory string, config SimulatorConfig, logger *utils.Logger) (*TapeLibrarySimulator, error) {
	sim := &TapeLibrarySimulator{
		tapeDirectory: tapeDirectory,
		capacity:      config.Capacity,
		logger:        logger,
		storage:       make([]string, config.StorageSlots),
		ports:         make([]string, config.PortSlots),
	}
	sim.drive = &TapeDriveSimulator{library: sim}

	// find the simulated tapes by opening up the simulator directory
	if err := os.MkdirAll(tapeDirectory, 0o700); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(tapeDirectory)
	if err != nil {
		return nil, err
	}
	var barcodes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			barcodes = append(barcodes, e.Name())
		}
	}
	for _, b := range config.Blanks {
		if _, err := os.Stat(filepath.Join(tapeDirectory, b)); err == nil {
			continue
		}
		barcodes = append(barcodes, b)
	}
	for _, b := range barcodes {
		if err := sim.Insert(b); err != nil {
			return nil, err
		}
	}
	return sim, nil
}

// Insert places a cartridge in the first empty storage slot.
func (t *TapeLibrarySimulator) Insert(barcode string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.storage {
		if s == "" {
			t.logger.Event("simulated tape found", "barcode", barcode, "slot", i+1)
			t.storage[i] = barcode
			return nil
		}
	}
	return fmt.Errorf("inserting %s: %w", barcode, ErrNoEmptySlot)
}

// PutInPort places a cartridge in an I/O bay, as an operator would.
func (t *TapeLibrarySimulator) PutInPort(port int, barcode string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ports[port] = barcode
}

func (t *TapeLibrarySimulator) Drive() *TapeDriveSimulator {
	return t.drive
}

// Moves counts the media moves performed so far.
func (t *TapeLibrarySimulator) Moves() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moves
}

func (t *TapeLibrarySimulator) TapePath(barcode string) string {
	return filepath.Join(t.tapeDirectory, barcode)
}

// FUNCTIONS THAT IMPLEMENT THE TAPE LIBRARY INTERFACE

func (t *TapeLibrarySimulator) Inventory(ctx context.Context) ([]Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slots := []Slot{simSlot(0, simDriveAddress, DriveSlot, t.drive.tape, false)}
	for i, b := range t.storage {
		slots = append(slots, simSlot(i+1, uint16(simStorageAddress+i), StorageSlot, b, false))
	}
	for i, b := range t.ports {
		slots = append(slots, simSlot(len(t.storage)+i+1, uint16(simPortAddress+i), StorageSlot, b, true))
	}
	return slots, nil
}

func simSlot(index int, address uint16, t SlotType, barcode string, port bool) Slot {
	s := Slot{Index: index, Address: address, Type: t, Barcode: barcode, Empty: barcode == ""}
	if port {
		s.Attributes = []string{AttrImportExport}
	}
	return s
}

func (t *TapeLibrarySimulator) element(s Slot) (*string, error) {
	switch {
	case s.Type == DriveSlot && s.Address == simDriveAddress:
		return &t.drive.tape, nil
	case s.Address >= simStorageAddress && int(s.Address-simStorageAddress) < len(t.storage):
		return &t.storage[s.Address-simStorageAddress], nil
	case s.Address >= simPortAddress && int(s.Address-simPortAddress) < len(t.ports):
		return &t.ports[s.Address-simPortAddress], nil
	}
	return nil, fmt.Errorf("element %#04x: %w", s.Address, ErrNotFound)
}

func (t *TapeLibrarySimulator) Move(ctx context.Context, from, to Slot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	src, err := t.element(from)
	if err != nil {
		return err
	}
	dst, err := t.element(to)
	if err != nil {
		return err
	}
	if *src == "" {
		return fmt.Errorf("moving from empty %s", from)
	}
	if *dst != "" {
		return fmt.Errorf("moving to full %s", to)
	}
	if src == &t.drive.tape && t.drive.mounted {
		return errors.New("drive busy: tape still mounted")
	}
	*dst, *src = *src, ""
	t.moves++
	return nil
}

// Space reports the simulated tape size and the bytes left on it.
func (t *TapeLibrarySimulator) Space(path string) (size, free int64, err error) {
	var used int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			used += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	free = t.capacity - used
	if free < 0 {
		free = 0
	}
	return t.capacity, free, nil
}

// FUNCTIONS THAT IMPLEMENT THE TAPE DRIVE INTERFACE

func (td *TapeDriveSimulator) Load(ctx context.Context) error {
	if err := td.Unmount(ctx); err != nil {
		return err
	}
	td.library.mu.Lock()
	defer td.library.mu.Unlock()
	if td.tape == "" {
		return errors.New("load: no tape in drive")
	}
	return nil
}

// Format starts the tape over with an empty directory.
func (td *TapeDriveSimulator) Format(ctx context.Context, label, serial string) error {
	if err := td.Load(ctx); err != nil {
		return err
	}
	td.library.mu.Lock()
	defer td.library.mu.Unlock()
	dir := td.library.TapePath(td.tape)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	td.formats++
	td.library.logger.Event("simulated format", "barcode", td.tape, "label", label, "serial", serial)
	return os.MkdirAll(dir, 0o700)
}

func (td *TapeDriveSimulator) Mount(ctx context.Context, owner, mountpoint string) (bool, error) {
	if td.mounted && td.target == mountpoint {
		if td.owner != owner {
			return false, fmt.Errorf("%s held by %s, wanted by %s: %w", mountpoint, td.owner, owner, ErrMountConflict)
		}
		return false, nil
	}
	if err := td.Load(ctx); err != nil {
		return false, err
	}
	td.library.mu.Lock()
	defer td.library.mu.Unlock()
	if _, err := os.Stat(td.library.TapePath(td.tape)); err != nil {
		return false, fmt.Errorf("%w: %s is not formatted", ErrMountFailure, td.tape)
	}
	td.mounted, td.owner, td.target = true, owner, mountpoint
	return true, nil
}

func (td *TapeDriveSimulator) Unmount(ctx context.Context) error {
	td.mounted, td.owner, td.target = false, "", ""
	return nil
}

func (td *TapeDriveSimulator) IsMounter(owner string) bool {
	return td.mounted && td.owner == owner
}

// MountPoint is the directory of the mounted tape, whatever mountpoint was
// requested.
func (td *TapeDriveSimulator) MountPoint() string {
	if !td.mounted {
		return ""
	}
	td.library.mu.Lock()
	defer td.library.mu.Unlock()
	return td.library.TapePath(td.tape)
}

// Formats counts the tapes formatted in this drive.
func (td *TapeDriveSimulator) Formats() int {
	return td.formats
}

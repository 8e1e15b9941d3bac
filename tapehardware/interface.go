// interfaces each tape library and drive combination needs to adhere to
package tapehardware

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found in library")
	ErrNoEmptySlot      = errors.New("no empty storage slot")
	ErrMountFailure     = errors.New("tape filesystem did not mount")
	ErrMountConflict    = errors.New("mountpoint already mounted by a different tape")
	ErrMountedElsewhere = errors.New("tape filesystem mounted by another process")
)

type SlotType int

const (
	StorageSlot SlotType = iota
	DriveSlot
)

func (t SlotType) String() string {
	if t == DriveSlot {
		return "drive"
	}
	return "storage"
}

// AttrImportExport marks a storage slot that is an operator I/O bay.
const AttrImportExport = "import-export"

// Slot is a point in time view of one library location.
type Slot struct {
	// Index is changer relative: drives count from 0.
	Index int
	// Address is the element address the library moves media with.
	Address    uint16
	Type       SlotType
	Attributes []string
	Barcode    string
	Empty      bool
}

func (s Slot) Has(attr string) bool {
	for _, a := range s.Attributes {
		if a == attr {
			return true
		}
	}
	return false
}

func (s Slot) IsIOBay() bool {
	return s.Has(AttrImportExport)
}

func (s Slot) String() string {
	content := "empty"
	if !s.Empty {
		content = s.Barcode
	}
	if s.IsIOBay() {
		return fmt.Sprintf("%s %d (i/o): %s", s.Type, s.Index, content)
	}
	return fmt.Sprintf("%s %d: %s", s.Type, s.Index, content)
}

// TapeLibrary is a media changer backend. Inventory is always read from the
// hardware; nothing is cached between calls.
type TapeLibrary interface {
	Inventory(ctx context.Context) ([]Slot, error)
	Move(ctx context.Context, from, to Slot) error
}

// TapeDrive controls the media and tape filesystem of one drive.
type TapeDrive interface {
	Load(ctx context.Context) error
	Format(ctx context.Context, label, serial string) error
	// Mount returns false when owner already has the tape mounted at mountpoint.
	Mount(ctx context.Context, owner, mountpoint string) (bool, error)
	Unmount(ctx context.Context) error
	IsMounter(owner string) bool
	// MountPoint is where the tape filesystem is currently mounted, or "".
	MountPoint() string
}

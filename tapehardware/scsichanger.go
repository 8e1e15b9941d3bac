package tapehardware

import (
	"context"
	"fmt"
	"strings"

	"ltfs-tapemgr/scsi"
	"ltfs-tapemgr/utils"
)

// ScsiLibrary talks to the changer with raw READ ELEMENT STATUS and MOVE
// MEDIUM commands.
type ScsiLibrary struct {
	device *scsi.Device
}

func NewScsiLibrary(device string, runner utils.Runner) *ScsiLibrary {
	return &ScsiLibrary{device: scsi.NewDevice(device, runner)}
}

func (l *ScsiLibrary) elements(ctx context.Context) ([]scsi.Element, error) {
	report, err := l.device.ReadAllElements(ctx)
	if err != nil {
		return nil, fmt.Errorf("element status of %s: %w", l.device.Path, err)
	}
	return report.Elements, nil
}

func (l *ScsiLibrary) Inventory(ctx context.Context) ([]Slot, error) {
	elements, err := l.elements(ctx)
	if err != nil {
		return nil, err
	}
	var slots []Slot
	for _, e := range elements {
		slot := Slot{
			Index:   e.Index,
			Address: e.Address,
			Empty:   !e.Full(),
		}
		if e.Full() {
			slot.Barcode = e.VolumeTag
		}
		switch e.Type {
		case scsi.ElementDataTransfer:
			slot.Type = DriveSlot
		case scsi.ElementStorage:
			slot.Type = StorageSlot
		case scsi.ElementImportExport:
			slot.Type = StorageSlot
			slot.Attributes = []string{AttrImportExport}
		default:
			continue
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func (l *ScsiLibrary) Move(ctx context.Context, from, to Slot) error {
	if err := l.device.MoveMedium(ctx, from.Address, to.Address); err != nil {
		return fmt.Errorf("moving %s to %s: %w", from, to, err)
	}
	return nil
}

// DriveIndexBySerial finds the changer relative index of the drive whose
// identifier ends in serial.
func (l *ScsiLibrary) DriveIndexBySerial(ctx context.Context, serial string) (int, error) {
	elements, err := l.elements(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range elements {
		if e.Type != scsi.ElementDataTransfer {
			continue
		}
		if strings.TrimSpace(e.Serial()) == serial {
			return e.Index, nil
		}
	}
	return 0, fmt.Errorf("drive with serial %s: %w", serial, ErrNotFound)
}

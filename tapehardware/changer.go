package tapehardware

import (
	"context"
	"fmt"

	"ltfs-tapemgr/utils"
)

// Changer applies the slot rules of the library on top of a backend. Every
// operation starts from a fresh inventory.
type Changer struct {
	library TapeLibrary
	logger  *utils.Logger
}

func NewChanger(library TapeLibrary, logger *utils.Logger) *Changer {
	return &Changer{library: library, logger: logger}
}

// ReadInventory splits the library into storage slots and drives.
func (c *Changer) ReadInventory(ctx context.Context) (storage, drives []Slot, err error) {
	slots, err := c.library.Inventory(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("reading inventory: %w", err)
	}
	for _, s := range slots {
		switch s.Type {
		case DriveSlot:
			drives = append(drives, s)
		default:
			storage = append(storage, s)
		}
	}
	return storage, drives, nil
}

func findDrive(drives []Slot, driveIndex int) (Slot, error) {
	for _, d := range drives {
		if d.Index == driveIndex {
			return d, nil
		}
	}
	return Slot{}, fmt.Errorf("drive %d: %w", driveIndex, ErrNotFound)
}

// UnloadCurrent moves the tape in the drive to the first empty storage slot
// that is not an I/O bay. An empty drive issues no move.
func (c *Changer) UnloadCurrent(ctx context.Context, driveIndex int) error {
	storage, drives, err := c.ReadInventory(ctx)
	if err != nil {
		return err
	}
	drive, err := findDrive(drives, driveIndex)
	if err != nil {
		return err
	}
	if drive.Empty {
		return nil
	}
	for _, s := range storage {
		if s.Empty && !s.IsIOBay() {
			c.logger.Event("unloading tape", "barcode", drive.Barcode, "drive", driveIndex, "slot", s.Index)
			return c.library.Move(ctx, drive, s)
		}
	}
	return fmt.Errorf("unloading %s from drive %d: %w", drive.Barcode, driveIndex, ErrNoEmptySlot)
}

// LoadByBarcode puts barcode into the drive, unloading whatever is there.
func (c *Changer) LoadByBarcode(ctx context.Context, barcode string, driveIndex int) error {
	_, drives, err := c.ReadInventory(ctx)
	if err != nil {
		return err
	}
	drive, err := findDrive(drives, driveIndex)
	if err != nil {
		return err
	}
	if !drive.Empty && drive.Barcode == barcode {
		return nil
	}
	if !drive.Empty {
		if err := c.UnloadCurrent(ctx, driveIndex); err != nil {
			return err
		}
	}

	storage, drives, err := c.ReadInventory(ctx)
	if err != nil {
		return err
	}
	if drive, err = findDrive(drives, driveIndex); err != nil {
		return err
	}
	for _, s := range storage {
		if !s.Empty && s.Barcode == barcode {
			c.logger.Event("loading tape", "barcode", barcode, "drive", driveIndex, "slot", s.Index)
			return c.library.Move(ctx, s, drive)
		}
	}
	return fmt.Errorf("tape %s: %w", barcode, ErrNotFound)
}

// ReadBarcode returns the barcode in the drive, or "" when it is empty.
func (c *Changer) ReadBarcode(ctx context.Context, driveIndex int) (string, error) {
	_, drives, err := c.ReadInventory(ctx)
	if err != nil {
		return "", err
	}
	drive, err := findDrive(drives, driveIndex)
	if err != nil {
		return "", err
	}
	if drive.Empty {
		return "", nil
	}
	return drive.Barcode, nil
}

// ExportToPort moves barcode from a storage slot or drive to the first
// empty I/O bay.
func (c *Changer) ExportToPort(ctx context.Context, barcode string) error {
	storage, drives, err := c.ReadInventory(ctx)
	if err != nil {
		return err
	}
	var from *Slot
	for _, s := range append(storage, drives...) {
		if !s.Empty && s.Barcode == barcode && !s.IsIOBay() {
			from = &s
			break
		}
	}
	if from == nil {
		return fmt.Errorf("tape %s: %w", barcode, ErrNotFound)
	}
	for _, s := range storage {
		if s.Empty && s.IsIOBay() {
			c.logger.Event("exporting tape", "barcode", barcode, "port", s.Index)
			return c.library.Move(ctx, *from, s)
		}
	}
	return fmt.Errorf("exporting %s: empty i/o bay: %w", barcode, ErrNotFound)
}

// ImportFromPort moves the tape in the first full I/O bay into the first
// empty storage slot and returns its barcode.
func (c *Changer) ImportFromPort(ctx context.Context) (string, error) {
	storage, _, err := c.ReadInventory(ctx)
	if err != nil {
		return "", err
	}
	var port *Slot
	for _, s := range storage {
		if !s.Empty && s.IsIOBay() {
			port = &s
			break
		}
	}
	if port == nil {
		return "", fmt.Errorf("importing: full i/o bay: %w", ErrNotFound)
	}
	for _, s := range storage {
		if s.Empty && !s.IsIOBay() {
			c.logger.Event("importing tape", "barcode", port.Barcode, "port", port.Index, "slot", s.Index)
			if err := c.library.Move(ctx, *port, s); err != nil {
				return "", err
			}
			return port.Barcode, nil
		}
	}
	return "", fmt.Errorf("importing %s: %w", port.Barcode, ErrNoEmptySlot)
}

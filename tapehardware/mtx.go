package tapehardware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kbj/mtx"

	"ltfs-tapemgr/utils"
)

const mtxTimeout = 10 * time.Minute

// MtxLibrary drives a changer through the mtx tool. It is the text status
// fallback for changers whose element status responses the scsi backend
// cannot read.
type MtxLibrary struct {
	mtx *mtx.Changer
}

func NewMtxLibrary(device string, runner utils.Runner) *MtxLibrary {
	return &MtxLibrary{mtx: mtx.NewChanger(NewMtxProvider(device, runner))}
}

// Inventory reads one mtx status. Mail slots are the library's I/O bays.
func (l *MtxLibrary) Inventory(ctx context.Context) ([]Slot, error) {
	status, err := l.mtx.Status()
	if err != nil {
		return nil, fmt.Errorf("mtx status: %w", err)
	}
	if len(status.Drives) == 0 && len(status.Slots) == 0 {
		return nil, errors.New("mtx status: no elements reported")
	}

	var slots []Slot
	for _, d := range status.Drives {
		slots = append(slots, newMtxSlot(d, DriveSlot))
	}
	for _, s := range status.Slots {
		slots = append(slots, newMtxSlot(s, StorageSlot))
	}
	return slots, nil
}

func newMtxSlot(s *mtx.Slot, t SlotType) Slot {
	slot := Slot{
		Index:   s.Num,
		Address: uint16(s.Num),
		Type:    t,
		Empty:   s.Vol == nil,
	}
	if s.Vol != nil {
		slot.Barcode = s.Vol.Serial
	}
	if s.Type == mtx.MailSlot {
		slot.Attributes = append(slot.Attributes, AttrImportExport)
	}
	return slot
}

func (l *MtxLibrary) Move(ctx context.Context, from, to Slot) error {
	switch {
	case from.Type == StorageSlot && to.Type == DriveSlot:
		return l.mtx.Load(from.Index, to.Index)
	case from.Type == DriveSlot && to.Type == StorageSlot:
		return l.mtx.Unload(to.Index, from.Index)
	case from.Type == StorageSlot && to.Type == StorageSlot:
		return l.mtx.Transfer(from.Index, to.Index)
	default:
		return fmt.Errorf("mtx cannot move %s to %s", from, to)
	}
}

//**** MTX PROVIDER  ********

// MtxProvider runs mtx against one changer device for the mtx package.
type MtxProvider struct {
	device string
	runner utils.Runner
}

func NewMtxProvider(device string, runner utils.Runner) *MtxProvider {
	return &MtxProvider{device: device, runner: runner}
}

func (p *MtxProvider) Do(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mtxTimeout)
	defer cancel()
	return p.runner.Output(ctx, "mtx", append([]string{"-f", p.device}, args...)...)
}

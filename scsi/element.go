package scsi

import "fmt"

// ElementType is the SMC element type code.
type ElementType uint8

const (
	ElementAll             ElementType = 0x00
	ElementMediumTransport ElementType = 0x01
	ElementStorage         ElementType = 0x02
	ElementImportExport    ElementType = 0x03
	ElementDataTransfer    ElementType = 0x04
)

func (t ElementType) String() string {
	switch t {
	case ElementAll:
		return "all"
	case ElementMediumTransport:
		return "transport"
	case ElementStorage:
		return "storage"
	case ElementImportExport:
		return "import-export"
	case ElementDataTransfer:
		return "data-transfer"
	}
	return fmt.Sprintf("type-%#02x", uint8(t))
}

// Flag bits of an element descriptor. The low byte is descriptor byte 2,
// the high byte is descriptor byte 9.
type Flag uint16

const (
	FlagFull           Flag = 1 << 0
	FlagImportExport   Flag = 1 << 1
	FlagException      Flag = 1 << 2
	FlagAccess         Flag = 1 << 3
	FlagExportEnabled  Flag = 1 << 4
	FlagImportEnabled  Flag = 1 << 5
	FlagSourceValid    Flag = 1 << (8 + 7)
	FlagInvert         Flag = 1 << (8 + 6)
	FlagEnableDisabled Flag = 1 << (8 + 3)
)

const (
	headerLength      = 8
	pageHeaderLength  = 8
	volumeTagLength   = 36
	descriptorMinimum = 12
)

// Element is one decoded element status descriptor.
type Element struct {
	// Address is the element address used by MOVE MEDIUM.
	Address uint16
	// Index is the changer-relative index: the element address for storage
	// and import/export elements, and a zero based drive number for
	// data transfer elements.
	Index         int
	Type          ElementType
	Flags         Flag
	SourceAddress uint16
	VolumeTag     string
	AltVolumeTag  string
	Identifier    string
}

func (e *Element) Full() bool {
	return e.Flags&FlagFull != 0
}

func (e *Element) Has(f Flag) bool {
	return e.Flags&f != 0
}

// Serial returns the serial number part of a data transfer element's
// identifier: vendor (8) and model (16) precede it.
func (e *Element) Serial() string {
	if len(e.Identifier) <= 24 {
		return ""
	}
	return e.Identifier[24:]
}

package scsi

const (
	opMoveMedium        = 0xA5
	opReadElementStatus = 0xB8
)

func boolToFlag(val bool, pos uint8) uint8 {
	if val {
		return 1 << pos
	}
	return 0
}

func flagToBool(flag uint8, pos uint8) bool {
	return flag&(1<<pos) != 0
}

// ElementStatusRequest holds the fields of a READ ELEMENT STATUS command.
type ElementStatusRequest struct {
	LUN       uint8
	VolumeTag bool
	Type      ElementType
	Start     uint16
	Count     uint16
	// DontMove asks for current data only, without the changer moving
	// to verify.
	DontMove bool
	DeviceID bool
	// AllocLength is the size of the response buffer; 24 bits are sent.
	AllocLength uint32
}

// CDB encodes the 12 byte command block.
func (r ElementStatusRequest) CDB() []byte {
	return []byte{
		opReadElementStatus,
		(r.LUN&0x07)<<5 | boolToFlag(r.VolumeTag, 4) | uint8(r.Type)&0x0F,
		uint8(r.Start >> 8), uint8(r.Start),
		uint8(r.Count >> 8), uint8(r.Count),
		boolToFlag(r.DontMove, 1) | boolToFlag(r.DeviceID, 0),
		uint8(r.AllocLength >> 16), uint8(r.AllocLength >> 8), uint8(r.AllocLength),
		0x00,
		0x00,
	}
}

// MoveMediumCDB encodes a MOVE MEDIUM command. The transport address is
// left at zero so the changer picks its own picker.
func MoveMediumCDB(source, dest uint16) []byte {
	return []byte{
		opMoveMedium,
		0x00,
		0x00, 0x00,
		uint8(source >> 8), uint8(source),
		uint8(dest >> 8), uint8(dest),
		0x00, 0x00,
		0x00,
		0x00,
	}
}

package scsi

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrTruncated reports a response whose declared lengths exceed the data.
	ErrTruncated = errors.New("element status response truncated")
	// ErrMalformed reports inconsistent descriptor lengths.
	ErrMalformed = errors.New("element status response malformed")
)

// Report is a decoded READ ELEMENT STATUS response.
type Report struct {
	FirstAddress uint16
	Count        int
	Elements     []Element
}

func be16(b []byte) int {
	return int(b[0])<<8 | int(b[1])
}

func be24(b []byte) int {
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}

func trimField(b []byte) string {
	return string(bytes.Trim(b, "\x00 "))
}

// DecodeElementStatus walks the element type pages of a response. Data
// transfer elements get zero based indices in address order.
func DecodeElementStatus(buf []byte) (*Report, error) {
	if len(buf) < headerLength {
		return nil, fmt.Errorf("%w: %d byte header", ErrTruncated, len(buf))
	}
	report := &Report{
		FirstAddress: uint16(be16(buf[0:2])),
		Count:        be16(buf[2:4]),
	}
	end := headerLength + be24(buf[5:8])
	if end > len(buf) {
		return nil, fmt.Errorf("%w: report declares %d bytes, have %d", ErrTruncated, end, len(buf))
	}

	pos := headerLength
	for pos < end {
		if pos+pageHeaderLength > end {
			return nil, fmt.Errorf("%w: page header at %d", ErrTruncated, pos)
		}
		elementType := ElementType(buf[pos] & 0x0F)
		hasPVolTag := flagToBool(buf[pos+1], 7)
		hasAVolTag := flagToBool(buf[pos+1], 6)
		descLength := be16(buf[pos+2 : pos+4])
		pageLength := be24(buf[pos+5 : pos+8])
		pos += pageHeaderLength

		if pos+pageLength > end {
			return nil, fmt.Errorf("%w: %s page declares %d bytes at %d", ErrTruncated, elementType, pageLength, pos)
		}
		if pageLength > 0 && (descLength < descriptorMinimum || pageLength%descLength != 0) {
			return nil, fmt.Errorf("%w: descriptor length %d, page length %d", ErrMalformed, descLength, pageLength)
		}
		for sub := 0; sub < pageLength; sub += descLength {
			elem, err := parseDescriptor(elementType, hasPVolTag, hasAVolTag, buf[pos+sub:pos+sub+descLength])
			if err != nil {
				return nil, err
			}
			report.Elements = append(report.Elements, *elem)
		}
		pos += pageLength
	}

	rebaseDrives(report.Elements)
	return report, nil
}

func parseDescriptor(elementType ElementType, hasPVolTag, hasAVolTag bool, data []byte) (*Element, error) {
	elem := &Element{
		Address:       uint16(be16(data[0:2])),
		Type:          elementType,
		Flags:         Flag(data[9])<<8 | Flag(data[2]),
		SourceAddress: uint16(be16(data[10:12])),
	}
	elem.Index = int(elem.Address)

	offset := 12
	if hasPVolTag {
		if offset+volumeTagLength > len(data) {
			return nil, fmt.Errorf("%w: primary volume tag of element %d", ErrTruncated, elem.Address)
		}
		elem.VolumeTag = trimField(data[offset : offset+volumeTagLength])
		offset += volumeTagLength
	}
	if hasAVolTag {
		if offset+volumeTagLength > len(data) {
			return nil, fmt.Errorf("%w: alternate volume tag of element %d", ErrTruncated, elem.Address)
		}
		elem.AltVolumeTag = trimField(data[offset : offset+volumeTagLength])
		offset += volumeTagLength
	}

	// code set, identifier type, reserved, identifier length, identifier
	if elementType == ElementDataTransfer && offset+4 <= len(data) {
		idLength := int(data[offset+3])
		if offset+4+idLength > len(data) {
			return nil, fmt.Errorf("%w: identifier of element %d", ErrTruncated, elem.Address)
		}
		elem.Identifier = trimField(data[offset+4 : offset+4+idLength])
	}
	return elem, nil
}

// rebaseDrives numbers data transfer elements from zero, lowest address first.
func rebaseDrives(elements []Element) {
	base := -1
	for _, e := range elements {
		if e.Type == ElementDataTransfer && (base < 0 || int(e.Address) < base) {
			base = int(e.Address)
		}
	}
	for i := range elements {
		if elements[i].Type == ElementDataTransfer {
			elements[i].Index = int(elements[i].Address) - base
		}
	}
}

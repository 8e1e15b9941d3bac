package scsi

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"ltfs-tapemgr/utils"
)

const (
	// MaxElements is the element count requested when reading a whole changer.
	MaxElements = 255

	statusTimeout = 30 * time.Second
	moveTimeout   = 5 * time.Minute

	perElementLength = 52 + 2*volumeTagLength + 32
	elementTypes     = 4
)

// Device sends raw commands to a SCSI generic device through sg_raw.
type Device struct {
	Path   string
	runner utils.Runner
}

func NewDevice(path string, runner utils.Runner) *Device {
	return &Device{Path: path, runner: runner}
}

// Request sends cdb and returns up to respLen bytes of response data.
func (d *Device) Request(ctx context.Context, cdb []byte, respLen int, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-t", strconv.Itoa(int(timeout / time.Second))}
	if respLen > 0 {
		args = append(args, "-b", "-R", "-r", strconv.Itoa(respLen))
	}
	args = append(args, d.Path)
	for _, b := range cdb {
		args = append(args, fmt.Sprintf("0x%02X", b))
	}
	out, err := d.runner.Output(ctx, "sg_raw", args...)
	if err != nil {
		return nil, fmt.Errorf("sg_raw %s: %w", d.Path, err)
	}
	return out, nil
}

// AllocLength sizes a response buffer for count elements of every type.
func AllocLength(count int) uint32 {
	return uint32(perElementLength*count + pageHeaderLength*elementTypes + headerLength)
}

func (d *Device) ReadElementStatus(ctx context.Context, req ElementStatusRequest) (*Report, error) {
	if req.AllocLength == 0 {
		req.AllocLength = AllocLength(int(req.Count))
	}
	resp, err := d.Request(ctx, req.CDB(), int(req.AllocLength), statusTimeout)
	if err != nil {
		return nil, err
	}
	return DecodeElementStatus(resp)
}

// ReadAllElements reads every element with volume tags and device identifiers.
func (d *Device) ReadAllElements(ctx context.Context) (*Report, error) {
	return d.ReadElementStatus(ctx, ElementStatusRequest{
		VolumeTag: true,
		Type:      ElementAll,
		Count:     MaxElements,
		DontMove:  true,
		DeviceID:  true,
	})
}

func (d *Device) MoveMedium(ctx context.Context, source, dest uint16) error {
	_, err := d.Request(ctx, MoveMediumCDB(source, dest), 0, moveTimeout)
	return err
}

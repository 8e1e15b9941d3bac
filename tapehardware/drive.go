package tapehardware

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"ltfs-tapemgr/utils"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMountTimeout = 5 * time.Minute
)

// LTFSDrive loads media with sg_start, formats with mkltfs and mounts the
// tape with a foreground ltfs process.
type LTFSDrive struct {
	Device string
	runner utils.Runner
	logger *utils.Logger

	PollInterval time.Duration
	MountTimeout time.Duration
	// MountsFile lists the mounted filesystems, normally /proc/self/mounts.
	MountsFile string
	// Unmounter releases a mountpoint, normally unix.Unmount.
	Unmounter func(mountpoint string) error
	// SysfsRoot holds scsi_tape device links, normally /sys/class/scsi_tape.
	SysfsRoot string
	// MountTarget is the configured tape mountpoint. A mount found there
	// that this drive did not make blocks loads until the operator unmounts it.
	MountTarget string

	mountpoint string
	owner      string
	proc       utils.Process
}

func NewLTFSDrive(device string, runner utils.Runner, logger *utils.Logger) *LTFSDrive {
	if resolved, err := filepath.EvalSymlinks(device); err == nil {
		device = resolved
	}
	return &LTFSDrive{
		Device:       device,
		runner:       runner,
		logger:       logger,
		PollInterval: DefaultPollInterval,
		MountTimeout: DefaultMountTimeout,
		MountsFile:   "/proc/self/mounts",
		Unmounter: func(mountpoint string) error {
			return unix.Unmount(mountpoint, 0)
		},
		SysfsRoot: "/sys/class/scsi_tape",
	}
}

func (d *LTFSDrive) Load(ctx context.Context) error {
	if err := d.Unmount(ctx); err != nil {
		return err
	}
	return d.runner.Run(ctx, "sg_start", "--load", d.Device)
}

func (d *LTFSDrive) Format(ctx context.Context, label, serial string) error {
	if err := d.Load(ctx); err != nil {
		return err
	}
	d.logger.Event("formatting tape", "label", label, "serial", serial)
	return d.runner.Run(ctx, "mkltfs", "--device="+d.Device, "-n", label, "-s", serial, "-f")
}

// GenericDevice returns the /dev/sgN node belonging to the tape device.
func (d *LTFSDrive) GenericDevice() (string, error) {
	link := filepath.Join(d.SysfsRoot, filepath.Base(d.Device), "device", "generic")
	dest, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("generic device of %s: %w", d.Device, err)
	}
	return "/dev/" + filepath.Base(dest), nil
}

func (d *LTFSDrive) IsMounter(owner string) bool {
	return d.proc != nil && d.owner == owner
}

func (d *LTFSDrive) MountPoint() string {
	if d.proc == nil {
		return ""
	}
	return d.mountpoint
}

func (d *LTFSDrive) Mount(ctx context.Context, owner, mountpoint string) (bool, error) {
	if d.proc != nil && d.mountpoint == mountpoint {
		if d.owner != owner {
			return false, fmt.Errorf("%s held by %s, wanted by %s: %w", mountpoint, d.owner, owner, ErrMountConflict)
		}
		return false, nil
	}
	if d.proc == nil {
		if err := d.checkForeignMount(mountpoint); err != nil {
			return false, err
		}
	}
	if err := d.Load(ctx); err != nil {
		return false, err
	}
	sg, err := d.GenericDevice()
	if err != nil {
		return false, err
	}

	proc, err := d.runner.Start("ltfs", "-o", "devname="+sg, "-f", "-o", "umask=077", "-o", "eject", "-o", "sync_type=unmount", mountpoint)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMountFailure, err)
	}
	d.proc, d.mountpoint, d.owner = proc, mountpoint, owner

	deadline := time.Now().Add(d.MountTimeout)
	for {
		mounted, err := d.isMounted(mountpoint)
		if err != nil {
			return false, err
		}
		if mounted {
			d.logger.Event("tape mounted", "owner", owner, "mountpoint", mountpoint)
			return true, nil
		}
		if proc.Exited() {
			d.clear()
			return false, fmt.Errorf("%w: ltfs exited before %s was mounted", ErrMountFailure, mountpoint)
		}
		if time.Now().After(deadline) {
			proc.Kill()
			proc.Wait()
			d.clear()
			return false, fmt.Errorf("%w: %s not mounted after %s", ErrMountFailure, mountpoint, d.MountTimeout)
		}
		select {
		case <-ctx.Done():
			proc.Kill()
			proc.Wait()
			d.clear()
			return false, ctx.Err()
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *LTFSDrive) Unmount(ctx context.Context) error {
	if d.proc == nil {
		return d.checkForeignMount(d.MountTarget)
	}
	mounted, err := d.isMounted(d.mountpoint)
	if err != nil {
		return err
	}
	if mounted {
		d.logger.Event("unmounting tape", "owner", d.owner, "mountpoint", d.mountpoint)
		if err := d.Unmounter(d.mountpoint); err != nil {
			return fmt.Errorf("unmounting %s: %w", d.mountpoint, err)
		}
	} else if !d.proc.Exited() {
		if err := d.proc.Kill(); err != nil {
			return err
		}
	}
	d.proc.Wait()
	d.clear()
	return nil
}

// checkForeignMount fails if mountpoint is mounted without an ltfs process
// of ours behind it, e.g. one left by an earlier mount action.
func (d *LTFSDrive) checkForeignMount(mountpoint string) error {
	if mountpoint == "" {
		return nil
	}
	mounted, err := d.isMounted(mountpoint)
	if err != nil {
		return err
	}
	if mounted {
		return fmt.Errorf("%s: %w; umount it first", mountpoint, ErrMountedElsewhere)
	}
	return nil
}

func (d *LTFSDrive) clear() {
	d.proc, d.mountpoint, d.owner = nil, "", ""
}

func (d *LTFSDrive) isMounted(mountpoint string) (bool, error) {
	f, err := os.Open(d.MountsFile)
	if err != nil {
		return false, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == mountpoint {
			return true, nil
		}
	}
	return false, scanner.Err()
}

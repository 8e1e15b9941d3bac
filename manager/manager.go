// Package manager places files on tapes: it picks or formats a tape with
// enough room, drives the changer and drive to mount it, writes through the
// encrypting filter and keeps the catalog current.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"ltfs-tapemgr/catalog"
	"ltfs-tapemgr/filecrypt"
	"ltfs-tapemgr/journal"
	"ltfs-tapemgr/namecrypt"
	"ltfs-tapemgr/offsite"
	"ltfs-tapemgr/tapehardware"
	"ltfs-tapemgr/utils"
)

const (
	TapeSizeSpare    int64 = 1024 * 1024 * 1024
	TapeSizeNewSpare       = 2 * TapeSizeSpare
	TombstoneSpare   int64 = 4 * 1024 * 1024

	barcodeDigits   = 6
	shutdownPoll    = 100 * time.Millisecond
	maxLoadAttempts = 3
)

var (
	// ErrAlreadyPresent is returned when formatting over a tape the catalog knows.
	ErrAlreadyPresent = errors.New("tape is already in the catalog")
	ErrNoTape         = errors.New("no usable tape")
	ErrFileNotFound   = errors.New("file not in catalog")
)

type Options struct {
	MountPoint    string
	DriveIndex    int
	IncludeHidden bool
	DryRun        bool
	BarcodePrefix string
	BarcodeSuffix string
	MediaType     string
	// Space measures the mounted tape; defaults to statfs.
	Space catalog.SpaceFunc
}

type Manager struct {
	opts    Options
	changer *tapehardware.Changer
	drive   tapehardware.TapeDrive
	storage *catalog.Storage
	names   *namecrypt.NameCryptor
	files   *filecrypt.FileCryptor
	journal *journal.Journal
	mirror  *offsite.Mirror
	cancel  *utils.Cancel
	logger  *utils.Logger

	current *catalog.Tape
	dirty   map[string]bool
	seen    map[string]bool
}

func New(opts Options, changer *tapehardware.Changer, drive tapehardware.TapeDrive, storage *catalog.Storage,
	names *namecrypt.NameCryptor, files *filecrypt.FileCryptor, cancel *utils.Cancel, logger *utils.Logger) *Manager {
	if opts.Space == nil {
		opts.Space = catalog.StatfsSpace
	}
	storage.DryRun = opts.DryRun
	return &Manager{
		opts:    opts,
		changer: changer,
		drive:   drive,
		storage: storage,
		names:   names,
		files:   files,
		cancel:  cancel,
		logger:  logger,
		dirty:   map[string]bool{},
		seen:    map[string]bool{},
	}
}

func (m *Manager) SetJournal(j *journal.Journal) {
	m.journal = j
}

func (m *Manager) SetMirror(mirror *offsite.Mirror) {
	m.mirror = mirror
}

func (m *Manager) RequestCancel() {
	m.cancel.RequestCancel()
}

// Barcode formats a label: prefix, zero padded seq and suffix fill six
// characters, followed by the media type.
func Barcode(prefix, suffix, mediaType string, seq int) string {
	width := barcodeDigits - len(prefix) - len(suffix)
	if width < 1 {
		width = 1
	}
	return fmt.Sprintf("%s%0*d%s%s", prefix, width, seq, suffix, mediaType)
}

func (m *Manager) SetBarcode(prefix, suffix, mediaType string) {
	m.opts.BarcodePrefix, m.opts.BarcodeSuffix, m.opts.MediaType = prefix, suffix, mediaType
}

func (m *Manager) BarcodeFor(seq int) string {
	return Barcode(m.opts.BarcodePrefix, m.opts.BarcodeSuffix, m.opts.MediaType, seq)
}

// MakeBarcode returns the first barcode of the sequence the catalog does
// not know.
func (m *Manager) MakeBarcode() string {
	for seq := 1; ; seq++ {
		if barcode := m.BarcodeFor(seq); !m.storage.Has(barcode) {
			return barcode
		}
	}
}

func (m *Manager) CurrentTape() *catalog.Tape {
	return m.current
}

// GetCurrentTape returns the catalog record of the tape in the drive, or
// nil when the drive is empty or the tape is unknown and createNew is false.
func (m *Manager) GetCurrentTape(ctx context.Context, createNew bool) (*catalog.Tape, error) {
	barcode, err := m.changer.ReadBarcode(ctx, m.opts.DriveIndex)
	if err != nil || barcode == "" {
		return nil, err
	}
	if tape, ok := m.storage.Get(barcode); ok {
		return tape, nil
	}
	if !createNew {
		return nil, nil
	}
	tape := catalog.NewTape(barcode)
	m.storage.Add(tape)
	return tape, nil
}

func (m *Manager) save(tape *catalog.Tape) error {
	if err := m.storage.Save(tape); err != nil {
		return fmt.Errorf("saving catalog of %s: %w", tape.Barcode, err)
	}
	m.dirty[tape.Barcode] = true
	return nil
}

// verifyInDrive checks the changer really put the tape in the drive.
func (m *Manager) verifyInDrive(ctx context.Context, tape *catalog.Tape) error {
	actual, err := m.changer.ReadBarcode(ctx, m.opts.DriveIndex)
	if err != nil {
		return err
	}
	return catalog.Verify(tape.Barcode, actual)
}

// RefreshCurrentTape re-reads the space figures of the current tape, and
// with readFiles its file index, then saves it. A tape that is not mounted
// is verified, mounted for the read and unmounted again.
func (m *Manager) RefreshCurrentTape(ctx context.Context, readFiles bool) error {
	tape := m.current
	if tape == nil {
		return fmt.Errorf("refresh: %w", ErrNoTape)
	}
	didMount := false
	if !m.drive.IsMounter(tape.Barcode) {
		if err := m.verifyInDrive(ctx, tape); err != nil {
			return err
		}
		var err error
		if didMount, err = m.drive.Mount(ctx, tape.Barcode, m.opts.MountPoint); err != nil {
			return err
		}
	}
	if err := tape.ReadData(m.drive.MountPoint(), m.opts.Space, readFiles); err != nil {
		return err
	}
	if didMount {
		if err := m.drive.Unmount(ctx); err != nil {
			return err
		}
	}
	return m.save(tape)
}

// mountCurrent makes sure the current tape is the mounted one.
func (m *Manager) mountCurrent(ctx context.Context) error {
	if m.drive.IsMounter(m.current.Barcode) {
		return nil
	}
	if err := m.verifyInDrive(ctx, m.current); err != nil {
		return err
	}
	_, err := m.drive.Mount(ctx, m.current.Barcode, m.opts.MountPoint)
	return err
}

func (m *Manager) loadTape(ctx context.Context, barcode string) error {
	m.logger.Event("loading tape", "barcode", barcode)
	if err := m.drive.Unmount(ctx); err != nil {
		return err
	}
	return m.changer.LoadByBarcode(ctx, barcode, m.opts.DriveIndex)
}

// askForTape loads, mounts and indexes barcode; an empty barcode formats
// the next new tape instead.
func (m *Manager) askForTape(ctx context.Context, barcode string) error {
	if barcode == "" {
		if err := m.drive.Unmount(ctx); err != nil {
			return err
		}
		if err := m.changer.UnloadCurrent(ctx, m.opts.DriveIndex); err != nil {
			return err
		}
		return m.FormatCurrentTape(ctx, true)
	}

	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		tape, err := m.GetCurrentTape(ctx, false)
		if err != nil {
			return err
		}
		if tape != nil && tape.Barcode == barcode {
			m.current = tape
			if _, err := m.drive.Mount(ctx, tape.Barcode, m.opts.MountPoint); err != nil {
				return err
			}
			return m.RefreshCurrentTape(ctx, true)
		}
		if attempt > 0 {
			m.logger.Warn("tape not in drive after load, retrying", "barcode", barcode, "attempt", attempt+1)
		}
		if err := m.loadTape(ctx, barcode); err != nil {
			return err
		}
	}
	actual, err := m.changer.ReadBarcode(ctx, m.opts.DriveIndex)
	if err != nil {
		return err
	}
	return catalog.Verify(barcode, actual)
}

// FormatCurrentTape formats the next new barcode. The tape in the drive, if
// any, must not be one the catalog knows.
func (m *Manager) FormatCurrentTape(ctx context.Context, mount bool) error {
	if tape, err := m.GetCurrentTape(ctx, false); err != nil {
		return err
	} else if tape != nil {
		return fmt.Errorf("%s: %w; unload it first", tape.Barcode, ErrAlreadyPresent)
	}

	barcode := m.MakeBarcode()
	if err := m.loadTape(ctx, barcode); err != nil {
		return fmt.Errorf("loading new tape %s: %w", barcode, err)
	}
	if err := m.drive.Format(ctx, barcode, barcode[:barcodeDigits]); err != nil {
		return fmt.Errorf("formatting %s: %w", barcode, err)
	}

	tape := catalog.NewTape(barcode)
	if err := m.verifyInDrive(ctx, tape); err != nil {
		return err
	}
	m.current = tape
	if mount {
		if _, err := m.drive.Mount(ctx, barcode, m.opts.MountPoint); err != nil {
			return err
		}
	}
	if err := m.RefreshCurrentTape(ctx, true); err != nil {
		return err
	}
	m.logger.Event("formatted tape", "barcode", barcode, "size", utils.FormatSize(tape.Size))
	return nil
}

func (m *Manager) record(action, barcode, path string, size int64, mtime float64) {
	if m.journal == nil || m.opts.DryRun {
		return
	}
	if err := m.journal.Record(action, barcode, path, size, mtime); err != nil {
		m.logger.Warn("journal write failed", "action", action, "path", path, "error", err)
	}
}

// flushMirror uploads the catalog of every tape changed since the last flush.
func (m *Manager) flushMirror(ctx context.Context) {
	if m.mirror == nil || m.opts.DryRun {
		return
	}
	barcodes := make([]string, 0, len(m.dirty))
	for b := range m.dirty {
		barcodes = append(barcodes, b)
	}
	sort.Strings(barcodes)
	for _, b := range barcodes {
		tape, ok := m.storage.Get(b)
		if !ok {
			continue
		}
		if err := m.mirror.Upload(ctx, tape); err != nil {
			m.logger.Warn("offsite upload failed", "barcode", b, "error", err)
			continue
		}
		delete(m.dirty, b)
	}
}

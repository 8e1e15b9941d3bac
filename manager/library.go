package manager

import (
	"context"
	"fmt"
)

// Shutdown stops the traversal, waits for the file in flight, then records
// the final state of the current tape and returns it to its slot.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel.RequestCancel()
	m.cancel.WaitIdle(shutdownPoll)
	if m.current != nil {
		if err := m.RefreshCurrentTape(ctx, true); err != nil {
			m.logger.Warn("final refresh failed", "barcode", m.current.Barcode, "error", err)
		}
	}
	m.flushMirror(ctx)
	return m.Unload(ctx)
}

// Unload unmounts the drive and moves its tape back to storage.
func (m *Manager) Unload(ctx context.Context) error {
	m.current = nil
	if err := m.drive.Unmount(ctx); err != nil {
		return err
	}
	return m.changer.UnloadCurrent(ctx, m.opts.DriveIndex)
}

// Mount loads a known tape and leaves it mounted for the operator.
func (m *Manager) Mount(ctx context.Context, barcode string) (string, error) {
	if err := m.loadTape(ctx, barcode); err != nil {
		return "", err
	}
	tape, err := m.GetCurrentTape(ctx, false)
	if err != nil {
		return "", err
	}
	if tape == nil {
		return "", fmt.Errorf("tape %s is not in the catalog: %w", barcode, ErrNoTape)
	}
	m.current = tape
	if _, err := m.drive.Mount(ctx, tape.Barcode, m.opts.MountPoint); err != nil {
		return "", err
	}
	mountpoint := m.drive.MountPoint()
	m.logger.Event("tape mounted", "barcode", barcode, "mountpoint", mountpoint)
	return mountpoint, nil
}

// IndexTape loads barcode, adding it to the catalog if it is new, and
// rebuilds its file index from the tape.
func (m *Manager) IndexTape(ctx context.Context, barcode string) error {
	if err := m.loadTape(ctx, barcode); err != nil {
		return err
	}
	tape, err := m.GetCurrentTape(ctx, true)
	if err != nil {
		return err
	}
	if tape == nil {
		return fmt.Errorf("drive is empty after loading %s: %w", barcode, ErrNoTape)
	}
	m.current = tape
	if err := m.RefreshCurrentTape(ctx, true); err != nil {
		return err
	}
	m.logger.Event("tape indexed", "barcode", barcode, "files", len(tape.Files))
	m.flushMirror(ctx)
	return nil
}

// Export moves barcode to an I/O bay.
func (m *Manager) Export(ctx context.Context, barcode string) error {
	if m.current != nil && m.current.Barcode == barcode {
		m.current = nil
	}
	if err := m.drive.Unmount(ctx); err != nil {
		return err
	}
	return m.changer.ExportToPort(ctx, barcode)
}

// Import moves a tape from an I/O bay into storage and reports whether the
// catalog already knows it.
func (m *Manager) Import(ctx context.Context) (string, bool, error) {
	barcode, err := m.changer.ImportFromPort(ctx)
	if err != nil {
		return "", false, err
	}
	known := m.storage.Has(barcode)
	m.logger.Event("tape imported", "barcode", barcode, "known", known)
	return barcode, known, nil
}

// Format formats the next new tape and leaves it in the drive unmounted.
func (m *Manager) Format(ctx context.Context) (string, error) {
	if err := m.FormatCurrentTape(ctx, false); err != nil {
		return "", err
	}
	return m.current.Barcode, nil
}

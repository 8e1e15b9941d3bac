package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ltfs-tapemgr/catalog"
	"ltfs-tapemgr/journal"
	"ltfs-tapemgr/tapehardware"
	"ltfs-tapemgr/utils"
)

// ensureSpace makes a tape with at least size+spare free bytes the mounted
// one: the current tape if it still fits, else the first known tape in
// barcode order that fits, else a freshly formatted tape.
func (m *Manager) ensureSpace(ctx context.Context, size, spare int64) error {
	need := size + spare
	if m.current != nil && m.current.Free < need {
		if err := m.RefreshCurrentTape(ctx, false); err != nil {
			return err
		}
	}
	if m.current != nil && m.current.Free >= need {
		return m.mountCurrent(ctx)
	}

	if err := m.drive.Unmount(ctx); err != nil {
		return err
	}
	m.current = nil
	for _, tape := range m.storage.Tapes() {
		if tape.Free < need {
			continue
		}
		err := m.askForTape(ctx, tape.Barcode)
		if errors.Is(err, tapehardware.ErrNotFound) {
			m.logger.Warn("tape not in library", "barcode", tape.Barcode)
			continue
		}
		if err != nil {
			return err
		}
		if m.current.Free >= need {
			return nil
		}
	}

	if err := m.askForTape(ctx, ""); err != nil {
		return err
	}
	if m.current.Free < size+TapeSizeNewSpare {
		return fmt.Errorf("%w: new tape %s has %s free, need %s", ErrNoTape, m.current.Barcode,
			utils.FormatSize(m.current.Free), utils.FormatSize(size+TapeSizeNewSpare))
	}
	return m.mountCurrent(ctx)
}

func (m *Manager) shouldBackup() bool {
	return !m.cancel.IsCancelled()
}

// hidden reports a dot entry found while walking. Paths named on the
// command line are always stored.
func (m *Manager) hidden(name string) bool {
	return !m.opts.IncludeHidden && strings.HasPrefix(name, ".")
}

// key returns the catalog key of a source path: the encrypted absolute path.
func (m *Manager) key(path string) (string, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", err
	}
	return abs, m.names.Encrypt(abs), nil
}

// BackupFile stores one regular file unless a live copy at least as good
// is already in the catalog.
func (m *Manager) BackupFile(ctx context.Context, path string, info fs.FileInfo) error {
	if !m.shouldBackup() {
		return nil
	}
	m.cancel.Enter()
	defer m.cancel.Leave()

	abs, key, err := m.key(path)
	if err != nil {
		return err
	}
	m.seen[abs] = true
	fi := catalog.NewFileInfo(info.Size(), info.ModTime())
	if live, ok := m.storage.BestLive(key); ok && !fi.IsBetterThan(live.Info) {
		m.logger.Event("[SKIP]", "path", abs, "barcode", live.Tape.Barcode)
		m.record(journal.ActionSkip, live.Tape.Barcode, abs, fi.Size, fi.Mtime)
	} else if err := m.storeFile(ctx, abs, key, fi); err != nil {
		return err
	}
	if best, ok := m.storage.Best(key); ok && best.Info.IsTombstone() {
		return m.undelete(ctx, key, abs)
	}
	return nil
}

func (m *Manager) storeFile(ctx context.Context, abs, key string, fi catalog.FileInfo) error {
	m.logger.Event("[STOR]", "path", abs, "size", utils.FormatSize(fi.Size), "mtime", utils.FormatMtime(fi.Mtime))
	if m.opts.DryRun {
		return nil
	}
	if err := m.ensureSpace(ctx, fi.Size, TapeSizeSpare); err != nil {
		return err
	}
	tape := m.current
	dest := filepath.Join(m.drive.MountPoint(), filepath.FromSlash(key))
	written, err := m.files.EncryptFile(abs, dest)
	if err != nil {
		return fmt.Errorf("storing %s on %s: %w", abs, tape.Barcode, err)
	}
	stored := catalog.NewFileInfo(written.Size(), written.ModTime())
	tape.Files[key] = stored
	if err := m.RefreshCurrentTape(ctx, false); err != nil {
		return err
	}
	m.record(journal.ActionStore, tape.Barcode, abs, stored.Size, stored.Mtime)
	return nil
}

// undelete removes the tombstones of a file that is back on disk wherever
// they outrank its best live copy, so the live copy is listed again.
func (m *Manager) undelete(ctx context.Context, key, abs string) error {
	live, _ := m.storage.BestLive(key)
	for _, c := range m.storage.Copies(key) {
		if !c.Info.IsTombstone() || !c.Info.IsBetterThan(live.Info) {
			continue
		}
		barcode := c.Tape.Barcode
		m.logger.Event("[UNDL]", "path", abs, "barcode", barcode)
		if m.opts.DryRun {
			continue
		}
		err := m.dropEntry(ctx, barcode, key)
		if errors.Is(err, tapehardware.ErrNotFound) {
			m.logger.Warn("tape not in library, tombstone kept", "barcode", barcode, "path", abs)
			continue
		}
		if err != nil {
			return fmt.Errorf("dropping tombstone of %s on %s: %w", abs, barcode, err)
		}
		m.record(journal.ActionUndelete, barcode, abs, 0, c.Info.Mtime)
	}
	return nil
}

// dropEntry deletes key from the tape barcode and from its catalog.
func (m *Manager) dropEntry(ctx context.Context, barcode, key string) error {
	if m.current != nil && m.current.Barcode == barcode {
		if err := m.mountCurrent(ctx); err != nil {
			return err
		}
	} else {
		if err := m.drive.Unmount(ctx); err != nil {
			return err
		}
		m.current = nil
		if err := m.askForTape(ctx, barcode); err != nil {
			return err
		}
	}
	path := filepath.Join(m.drive.MountPoint(), filepath.FromSlash(key))
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	delete(m.current.Files, key)
	return m.RefreshCurrentTape(ctx, false)
}

// BackupRecursive stores every regular file under dir. Symlinks and other
// special files are not followed.
func (m *Manager) BackupRecursive(ctx context.Context, dir string) error {
	if !m.shouldBackup() {
		return nil
	}
	m.cancel.Enter()
	defer m.cancel.Leave()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if m.cancel.IsCancelled() {
			return nil
		}
		if m.hidden(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		switch {
		case entry.IsDir():
			err = m.BackupRecursive(ctx, path)
		case entry.Type().IsRegular():
			var info fs.FileInfo
			if info, err = entry.Info(); err == nil {
				err = m.BackupFile(ctx, path, info)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Store backs up each path, then writes tombstones for catalogued files
// that have vanished from the directories that were walked.
func (m *Manager) Store(ctx context.Context, paths []string) error {
	m.seen = map[string]bool{}
	defer m.flushMirror(ctx)
	for _, path := range paths {
		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			if err := m.BackupRecursive(ctx, path); err != nil {
				return err
			}
			if m.cancel.IsCancelled() {
				return nil
			}
			if err := m.Tombstones(ctx, path); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err := m.BackupFile(ctx, path, info); err != nil {
				return err
			}
		default:
			m.logger.Warn("not a regular file or directory", "path", path)
		}
	}
	return nil
}

// Tombstones marks every live catalog entry under root that was not seen by
// the last traversal and is gone from disk. A tombstone is a zero byte
// artifact stamped with the time of deletion.
func (m *Manager) Tombstones(ctx context.Context, root string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	best := m.storage.BestFiles()
	keys := make([]string, 0, len(best))
	for key := range best {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if m.cancel.IsCancelled() {
			return nil
		}
		plain, err := m.names.Decrypt(key)
		if err != nil {
			m.logger.Warn("undecryptable catalog key", "key", key, "error", err)
			continue
		}
		if plain != root && !strings.HasPrefix(plain, prefix) {
			continue
		}
		if m.seen[plain] {
			continue
		}
		if _, err := os.Lstat(plain); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := m.writeTombstone(ctx, key, plain); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) writeTombstone(ctx context.Context, key, plain string) error {
	m.logger.Event("[TOMB]", "path", plain)
	if m.opts.DryRun {
		return nil
	}
	m.cancel.Enter()
	defer m.cancel.Leave()

	if err := m.ensureSpace(ctx, 0, TombstoneSpare); err != nil {
		return err
	}
	tape := m.current
	dest := filepath.Join(m.drive.MountPoint(), filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(dest, nil, 0o600); err != nil {
		return err
	}
	now := time.Now()
	if err := os.Chtimes(dest, now, now); err != nil {
		return err
	}
	tape.Files[key] = catalog.NewFileInfo(0, now)
	if err := m.RefreshCurrentTape(ctx, false); err != nil {
		return err
	}
	m.record(journal.ActionTomb, tape.Barcode, plain, 0, catalog.Mtime(now))
	return nil
}

package manager

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"ltfs-tapemgr/catalog"
	"ltfs-tapemgr/journal"
)

// AllFiles as the only name restores every live file on the tape.
const AllFiles = "*"

type restoreItem struct {
	key   string
	plain string
	info  catalog.FileInfo
}

// locality orders items in the order they sit on tape; files without
// hints go last.
func locality(items []restoreItem) {
	block := func(fi catalog.FileInfo) int64 {
		if fi.StartBlock == nil {
			return math.MaxInt64
		}
		return *fi.StartBlock
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].info, items[j].info
		if a.Partition != b.Partition {
			return a.Partition < b.Partition
		}
		if block(a) != block(b) {
			return block(a) < block(b)
		}
		return items[i].plain < items[j].plain
	})
}

// Copyback restores names from the tape barcode into dest, each file at
// dest/<absolute source path> with its catalog mtime.
func (m *Manager) Copyback(ctx context.Context, barcode, dest string, names []string) error {
	if _, ok := m.storage.Get(barcode); !ok {
		return fmt.Errorf("tape %s: %w", barcode, ErrNoTape)
	}
	if err := m.askForTape(ctx, barcode); err != nil {
		return err
	}
	tape := m.current

	var items []restoreItem
	if len(names) == 1 && names[0] == AllFiles {
		for key, info := range tape.Files {
			if info.IsTombstone() {
				continue
			}
			plain, err := m.names.Decrypt(key)
			if err != nil {
				m.logger.Warn("undecryptable catalog key", "key", key, "error", err)
				continue
			}
			items = append(items, restoreItem{key: key, plain: plain, info: info})
		}
	} else {
		for _, name := range names {
			abs, key, err := m.key(name)
			if err != nil {
				return err
			}
			info, ok := tape.Files[key]
			if !ok || info.IsTombstone() {
				m.logger.Warn("not on tape", "path", abs, "barcode", barcode)
				continue
			}
			items = append(items, restoreItem{key: key, plain: abs, info: info})
		}
	}
	locality(items)

	for _, item := range items {
		if m.cancel.IsCancelled() {
			return nil
		}
		target := filepath.Join(dest, filepath.FromSlash(item.plain))
		m.logger.Event("[COPY]", "path", item.plain, "barcode", barcode, "to", target)
		if m.opts.DryRun {
			continue
		}
		src := filepath.Join(m.drive.MountPoint(), filepath.FromSlash(item.key))
		if err := m.files.DecryptFile(src, target, item.info.ModTime()); err != nil {
			return fmt.Errorf("restoring %s: %w", item.plain, err)
		}
		m.record(journal.ActionCopy, barcode, item.plain, item.info.Size, item.info.Mtime)
	}
	return nil
}

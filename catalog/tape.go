package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"
)

var (
	// ErrVerificationMismatch means the changer produced a different tape
	// than the one asked for.
	ErrVerificationMismatch = errors.New("tape verification mismatch")
	// ErrCorrupt marks a catalog entry that could not be read.
	ErrCorrupt = errors.New("corrupt catalog entry")
)

const (
	xattrPartition  = "user.ltfs.partition"
	xattrStartBlock = "user.ltfs.startblock"
)

// SpaceFunc reports the total and free bytes of the filesystem at path.
type SpaceFunc func(path string) (size, free int64, err error)

func StatfsSpace(path string) (size, free int64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Blocks) * int64(st.Bsize), int64(st.Bavail) * int64(st.Bsize), nil
}

// Tape is the catalog record of one cartridge. Files maps encrypted paths,
// rooted at "/", to the copy stored there.
type Tape struct {
	Barcode string              `json:"barcode"`
	Size    int64               `json:"size"`
	Free    int64               `json:"free"`
	Files   map[string]FileInfo `json:"files"`
}

func NewTape(barcode string) *Tape {
	return &Tape{Barcode: barcode, Files: map[string]FileInfo{}}
}

func (t *Tape) Used() int64 {
	return t.Size - t.Free
}

// ReadData refreshes the space figures of the tape mounted at mountpoint
// and, with refreshFiles, replaces the file index with what is on tape.
func (t *Tape) ReadData(mountpoint string, space SpaceFunc, refreshFiles bool) error {
	size, free, err := space(mountpoint)
	if err != nil {
		return err
	}
	if free > size {
		free = size
	}
	t.Size, t.Free = size, free
	if !refreshFiles {
		return nil
	}

	files := map[string]FileInfo{}
	err = filepath.WalkDir(mountpoint, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(mountpoint, path)
		if err != nil {
			return err
		}
		fi := NewFileInfo(info.Size(), info.ModTime())
		readLocality(path, &fi)
		files["/"+filepath.ToSlash(rel)] = fi
		return nil
	})
	if err != nil {
		return fmt.Errorf("indexing %s: %w", t.Barcode, err)
	}
	t.Files = files
	return nil
}

// readLocality fills in the LTFS partition and start block when the
// filesystem exposes them.
func readLocality(path string, fi *FileInfo) {
	if partition, err := xattr.Get(path, xattrPartition); err == nil {
		fi.Partition = strings.TrimSpace(string(partition))
	}
	if block, err := xattr.Get(path, xattrStartBlock); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(string(block)), 10, 64); err == nil {
			fi.StartBlock = &n
		}
	}
}

// Verify fails when the tape in the drive is not the expected one.
func Verify(expected, actual string) error {
	if expected != actual {
		return fmt.Errorf("%w: expected %q, drive holds %q", ErrVerificationMismatch, expected, actual)
	}
	return nil
}

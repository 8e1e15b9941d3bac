package catalog

import (
	"math"
	"time"
)

// FileInfo is one copy of one file on one tape. Mtime is seconds since the
// epoch with microsecond precision.
type FileInfo struct {
	Size       int64   `json:"size"`
	Mtime      float64 `json:"mtime"`
	Partition  string  `json:"partition,omitempty"`
	StartBlock *int64  `json:"start_block,omitempty"`
}

// IsBetterThan orders copies by mtime, then by size.
func (f FileInfo) IsBetterThan(other FileInfo) bool {
	if f.Mtime != other.Mtime {
		return f.Mtime > other.Mtime
	}
	return f.Size > other.Size
}

// IsTombstone reports a record of a deleted file.
func (f FileInfo) IsTombstone() bool {
	return f.Size <= 0
}

func (f FileInfo) ModTime() time.Time {
	sec, frac := math.Modf(f.Mtime)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}

// Mtime converts a modification time to catalog form.
func Mtime(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// NewFileInfo records a copy from its size and modification time.
func NewFileInfo(size int64, modTime time.Time) FileInfo {
	return FileInfo{Size: size, Mtime: Mtime(modTime)}
}

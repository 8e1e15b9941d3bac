package utils

import (
	"strconv"
	"time"
)

const (
	_          = iota
	KB float64 = 1 << (10 * iota)
	MB
	GB
	TB
	PB
)

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func FormatSize(size int64) string {
	sz := float64(size)

	switch {
	case sz >= PB:
		return formatFloat(sz/PB) + " PB"
	case sz >= TB:
		return formatFloat(sz/TB) + " TB"
	case sz >= GB:
		return formatFloat(sz/GB) + " GB"
	case sz >= MB:
		return formatFloat(sz/MB) + " MB"
	case sz >= KB:
		return formatFloat(sz/KB) + " KB"
	default:
		return formatFloat(sz) + " B"
	}
}

// FormatMtime renders fractional epoch seconds in local time.
func FormatMtime(mtime float64) string {
	sec := int64(mtime)
	nsec := int64((mtime - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).Format("2006-01-02 15:04:05")
}

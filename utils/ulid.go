package utils

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a fresh ULID string. Run identifiers and temporary file
// names use it so that they sort by creation time.
func NewID() string {
	return ulid.Make().String()
}

// TimeFromID returns the creation time embedded in an ID made by NewID.
func TimeFromID(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

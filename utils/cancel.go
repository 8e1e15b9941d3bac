package utils

import (
	"sync/atomic"
	"time"
)

// Cancel is a cooperative stop flag shared between the signal handler and
// the backup traversal, together with a count of operations in flight.
type Cancel struct {
	requested atomic.Bool
	inFlight  atomic.Int64
}

func NewCancel() *Cancel {
	return &Cancel{}
}

func (c *Cancel) RequestCancel() {
	c.requested.Store(true)
}

func (c *Cancel) IsCancelled() bool {
	return c.requested.Load()
}

// Enter marks the start of an operation; every Enter must be paired with Leave.
func (c *Cancel) Enter() {
	c.inFlight.Add(1)
}

func (c *Cancel) Leave() {
	c.inFlight.Add(-1)
}

func (c *Cancel) InFlight() int64 {
	return c.inFlight.Load()
}

// WaitIdle polls until no operation is in flight.
func (c *Cancel) WaitIdle(poll time.Duration) {
	for c.inFlight.Load() > 0 {
		time.Sleep(poll)
	}
}
